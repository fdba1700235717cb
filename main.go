package main

import (
	"fmt"
	"os"

	"github.com/gridpp/xrootdrestart/cmd/supervisor"
	"github.com/gridpp/xrootdrestart/pkg/version"
)

func main() {
	// Running with no arguments starts the supervisor, so the systemd unit
	// needs nothing beyond the binary name.
	if len(os.Args) < 2 {
		supervisor.Main(nil)
		return
	}

	switch os.Args[1] {
	case "supervisor":
		supervisor.Main(os.Args[2:])
	case "version":
		fmt.Println(version.Version)
	default:
		fmt.Printf("unknown subcommand: %s\n", os.Args[1])
		os.Exit(1)
	}
}
