package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stephnangue/recordshare/cmd/server"
)

var recordshareCmd = &cobra.Command{
	Use:   "recordshare",
	Short: "Recordshare gates cross-tenant access to academic record snapshots",
	Long: `Recordshare lets an institution grant time-boxed, consumption-limited,
revocable access to an academic record snapshot. Access is enforced through
opaque bearer tokens that are never stored in plaintext, and every
validation attempt is recorded in an append-only audit trail.`,
}

// Execute runs the root command.
func Execute() {
	if err := recordshareCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	recordshareCmd.AddCommand(server.ServerCmd)
}
