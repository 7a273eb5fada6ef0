package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Command output goes here; logs go to the logger.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		return runServer(ctx, nil)
	}

	switch args[0] {
	case "server":
		return runServer(ctx, args[1:])
	case "init":
		return runInit(ctx, args[1:])
	case "sweep":
		return runSweep(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage()
		return 2
	}
}
