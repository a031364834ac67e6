package main

import (
	"context"
	"os"

	"github.com/germanamz/pagechat/pkg/mcpserver"
)

func runMCP(ctx context.Context, args []string) error {
	fs := newFlagSet("mcp", "[flags]", "Serve the ask_page tool over MCP on stdin and stdout.")
	g := registerGlobal(fs)
	_ = fs.Parse(args)

	opts, err := g.options()
	if err != nil {
		return err
	}

	a, err := openApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	srv := mcpserver.New("pagechat", version)
	srv.Register(mcpserver.Tools(a.asker, a.cache)...)

	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
