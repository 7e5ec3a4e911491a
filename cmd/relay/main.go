// Command relay is the personal-agent bridge daemon: it forwards
// allowlisted chat DMs to the agent CLI and streams replies back,
// with a durable event queue in between.
//
// Subcommands:
//
//	relay daemon              run the full pipeline (default)
//	relay send <userId> [--file <path>]... [message]
//	relay schedule <name>     run a named schedule once and print output
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

func main() {
	// A local .env is a convenience, not a requirement.
	_ = godotenv.Load()

	args := os.Args[1:]
	cmd := "daemon"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "daemon":
		err = runDaemon(args)
	case "send":
		err = runSend(args)
	case "schedule":
		err = runSchedule(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\nusage: relay [daemon|send|schedule] ...\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}
