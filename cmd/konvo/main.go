// Command konvo runs MCP tool providers behind the konvo orchestration
// core: it lists their tools, executes vetted calls, repairs textual tool
// calls and follows the provider configuration as it changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "help", "--help", "-h":
		showUsage()
		return
	case "tools":
		err = runTools(ctx, os.Args[2:], os.Stdout)
	case "call":
		err = runCall(ctx, os.Args[2:], os.Stdin, os.Stdout)
	case "repair":
		err = runRepair(os.Args[2:], os.Stdin, os.Stdout)
	case "watch":
		err = runWatch(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'konvo --help' for usage information.\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`konvo - tool-calling orchestration for MCP tool providers

USAGE:
    konvo COMMAND [FLAGS]

COMMANDS:
    tools       Start the configured providers and print their tools
    call        Execute one tool call, asking for approval when required
                Usage: konvo call TOOL [JSON-ARGS]
    repair      Read model text on stdin and print the repaired tool calls
                Usage: konvo repair --tools a,b,c
    watch       Run the providers and follow config changes until interrupted
                Provider and permission edits apply without a restart

FLAGS:
    -h, --help            Show help for a command
    --config PATH         Config file (default: ~/.konvo/config.yaml)
    --metrics-addr ADDR   Serve prometheus metrics on ADDR (watch only)

CONFIGURATION:
    Environment: KONVO_* variables override config values
    Secrets:     values prefixed with "enc:" are decrypted with KONVO_CONFIG_KEY`)
}
