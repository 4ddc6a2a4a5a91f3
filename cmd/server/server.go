package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stephnangue/recordshare/audit"
	"github.com/stephnangue/recordshare/config"
	recordsharehttp "github.com/stephnangue/recordshare/http"
	"github.com/stephnangue/recordshare/listener"
	log "github.com/stephnangue/recordshare/logger"
	"github.com/stephnangue/recordshare/share"
	"github.com/stephnangue/recordshare/storage"
	inmemStorage "github.com/stephnangue/recordshare/storage/inmem"
	postgresStorage "github.com/stephnangue/recordshare/storage/postgres"
)

var (
	configPath string

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a recordshare server that responds to API requests",
		Long: `
Usage: recordshare server [options]

  This command starts a recordshare server that responds to API requests.

  Start a server with a configuration file:

      $ recordshare server --config=/etc/recordshare/config.hcl
  `,
		RunE: run,
	}

	storageBackends = map[string]storage.Factory{
		"inmem":    inmemStorage.New,
		"postgres": postgresStorage.New,
	}
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/recordshare.hcl)")
}

func run(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("config file path is required. Use -c or --config flag")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", configPath)
	}

	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildLogger(conf)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, snapshots, consents, err := buildStorage(ctx, conf, logger)
	if err != nil {
		return fmt.Errorf("failed to construct the storage: %w", err)
	}
	defer store.Close()

	devices, err := buildAuditDevices(conf)
	if err != nil {
		return fmt.Errorf("failed to construct audit devices: %w", err)
	}

	recorder := audit.NewRecorder(audit.RecorderConfig{
		Store:   store,
		Devices: devices,
		Logger:  logger,
	})
	defer recorder.Close()

	service := share.NewService(share.ServiceConfig{
		Store:     store,
		Snapshots: snapshots,
		Consents:  consents,
		Logger:    logger,
	})
	validator := share.NewValidator(share.ValidatorConfig{
		Store:     store,
		Snapshots: snapshots,
		Recorder:  recorder,
		Logger:    logger,
	})

	httpHandler := recordsharehttp.Handler(&recordsharehttp.HandlerProperties{
		Service:   service,
		Validator: validator,
		Logger:    logger,
	})

	listenerBlock, err := conf.GetApiListener()
	if err != nil {
		return err
	}
	ln, err := listener.NewApiListener(listener.ApiListenerConfig{
		Logger:      logger,
		Address:     listenerBlock.Address,
		TLSCertFile: listenerBlock.TLSCertFile,
		TLSKeyFile:  listenerBlock.TLSKeyFile,
		TLSEnabled:  listenerBlock.TLSEnabled,
	}, httpHandler)
	if err != nil {
		return err
	}

	printServerInfo(cmd, conf, listenerBlock)

	return ln.Start(ctx)
}

func buildLogger(conf *config.Config) log.Logger {
	logConfig := &log.Config{
		Level:  log.ParseLogLevel(conf.LogLevel),
		Format: log.ParseOutputFormat(conf.LogFormat),
		Output: os.Stdout,
	}
	if conf.LogFile != "" {
		logConfig.FileConfig = &log.FileConfig{
			Filename:   conf.LogFile,
			MaxSize:    conf.LogRotateMegabytes,
			MaxBackups: conf.LogRotateMaxFiles,
		}
	}
	return log.NewZerologLogger(logConfig)
}

// buildStorage constructs the store and, when the backend also serves as a
// snapshot/consent source, wires those views from the same backend.
func buildStorage(ctx context.Context, conf *config.Config, logger log.Logger) (share.Store, share.SnapshotSource, share.ConsentSource, error) {
	if conf.Storage == nil {
		return nil, nil, nil, fmt.Errorf("no storage block configured")
	}

	factory, ok := storageBackends[conf.Storage.Type]
	if !ok {
		return nil, nil, nil, fmt.Errorf("unknown storage type %q", conf.Storage.Type)
	}

	store, err := factory(ctx, conf.Storage.Config(), logger)
	if err != nil {
		return nil, nil, nil, err
	}

	snapshots, ok := store.(share.SnapshotSource)
	if !ok {
		store.Close()
		return nil, nil, nil, fmt.Errorf("storage type %q does not expose snapshots", conf.Storage.Type)
	}
	// Consent is optional: a backend without a consent view simply rejects
	// consent references.
	consents, _ := store.(share.ConsentSource)

	return store, snapshots, consents, nil
}

func buildAuditDevices(conf *config.Config) ([]*audit.Device, error) {
	var devices []*audit.Device
	for _, block := range conf.Audits {
		switch block.Type {
		case "file":
			if block.Path == "" {
				return nil, fmt.Errorf("file audit device requires path")
			}
			sink := audit.NewFileSink("file", audit.FileSinkConfig{
				Path:       block.Path,
				MaxSizeMB:  block.RotateMegabytes,
				MaxBackups: block.RotateMaxFiles,
				MaxAgeDays: block.RotateMaxDays,
				Compress:   block.Compress,
			})
			devices = append(devices, audit.NewDevice("file", audit.NewJSONFormat(block.Prefix), sink))
		default:
			return nil, fmt.Errorf("unknown audit device type %q", block.Type)
		}
	}
	return devices, nil
}

func printServerInfo(cmd *cobra.Command, conf *config.Config, ln *config.ListenerBlock) {
	info := map[string]string{
		"log level":     conf.LogLevel,
		"log format":    conf.LogFormat,
		"storage":       conf.Storage.Type,
		"api address":   ln.Address,
		"audit devices": fmt.Sprintf("%d", len(conf.Audits)),
	}
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Recordshare server configuration:\n\n")
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%16s: %s\n", k, info[k])
	}
	fmt.Fprintln(cmd.OutOrStdout())
}
