// cmd/loom/main.go
//
// This is the entry point for the loom CLI.
//
// Flow:
// 1. `loom convene --graph work.yaml` decomposes the graph into a ceremony,
//    writes the shared record under .loom/ceremonies/<id>/, and runs the
//    scheduling loop until the ceremony settles.
// 2. `loom status` / `loom watch` read the same record from any process.
// 3. `loom replay` reopens a ceremony that did not finish cleanly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kingrea/loom/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "convene":
		err = runConvene(ctx, os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	case "replay":
		err = runReplay(ctx, os.Args[2:])
	case "cancel":
		err = runCancel(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "loom: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: loom <command> [flags]

Commands:
  convene   decompose a task graph into a ceremony and run it
  status    print a ceremony snapshot
  list      list ceremonies in this project
  replay    recover a ceremony (resume, restart, selective, debug)
  cancel    close a ceremony early, blocking untouched tasks
  watch     live terminal view of a running ceremony

Run 'loom <command> -h' for command flags.
`)
}

// projectDir resolves the working project directory and ensures .loom exists.
func projectDir(override string) (string, error) {
	dir := override
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("determine working directory: %w", err)
		}
	}
	if err := config.InitLoomDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}
