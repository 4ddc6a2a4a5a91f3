package main

import "github.com/stephnangue/recordshare/cmd"

func main() {
	cmd.Execute()
}
