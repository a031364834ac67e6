package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// version is set at build time.
var version = "dev"

type command struct {
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = map[string]command{
	"serve":  {"Serve the message bus over HTTP and WebSocket", runServe},
	"ask":    {"Ask a question about a page from the terminal", runAsk},
	"keys":   {"Manage provider API keys (set, check, rm, list)", runKeys},
	"config": {"Read and change settings (get, set, reset, export, import, diff)", runConfig},
	"mcp":    {"Serve the ask_page tool over MCP on stdio", runMCP},
}

var commandOrder = []string{"serve", "ask", "keys", "config", "mcp"}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: pagechat <command> [flags]\n\nCommands:\n")
	for _, name := range commandOrder {
		fmt.Fprintf(os.Stderr, "  %-7s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(os.Stderr, "\nRun 'pagechat <command> -h' for command flags.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "-h" || name == "--help" || name == "help" {
		usage()
		return
	}
	if name == "version" {
		fmt.Println(version)
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd.run(ctx, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// globalFlags registers the flags every command shares. The .env file is
// loaded once the flag set is parsed.
type globalFlags struct {
	home    *string
	env     *string
	verbose *bool
}

func registerGlobal(fs *flag.FlagSet) globalFlags {
	return globalFlags{
		home:    fs.String("home", "", "data directory (default: $PAGECHAT_HOME or ~/.pagechat)"),
		env:     fs.String("env", ".env", "path to .env file (ignored if missing)"),
		verbose: fs.Bool("verbose", false, "log at debug level"),
	}
}

func (g globalFlags) options() (appOptions, error) {
	if err := loadDotEnv(*g.env); err != nil {
		return appOptions{}, err
	}
	return appOptions{home: *g.home, verbose: *g.verbose}, nil
}

func newFlagSet(name, args, summary string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pagechat %s %s\n\n%s\n\nFlags:\n", name, args, summary)
		fs.PrintDefaults()
	}
	return fs
}
