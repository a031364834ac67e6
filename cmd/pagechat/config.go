package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/germanamz/pagechat/pkg/settings"
)

func runConfig(ctx context.Context, args []string) error {
	fs := newFlagSet("config", "<get|set|reset|export|import|diff> [args]", "Read and change settings.")
	g := registerGlobal(fs)
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("missing config action")
	}
	action, rest := fs.Arg(0), fs.Args()[1:]

	opts, err := g.options()
	if err != nil {
		return err
	}

	a, err := openApp(ctx, opts, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	s := a.settings

	switch action {
	case "get":
		var v any = s.Snapshot()
		if len(rest) > 0 {
			var ok bool
			if v, ok = s.Get(rest[0]); !ok {
				return fmt.Errorf("no setting at %q", rest[0])
			}
		}
		return printJSON(v)
	case "set":
		if len(rest) != 2 {
			return fmt.Errorf("usage: pagechat config set <path> <value>")
		}
		return s.Set(ctx, rest[0], parseValue(rest[1]))
	case "reset":
		path := ""
		if len(rest) > 0 {
			path = rest[0]
		}
		return s.Reset(ctx, path)
	case "export":
		out := a.dir.ExportPath()
		if len(rest) > 0 {
			out = rest[0]
		}
		return exportConfig(s, out)
	case "import":
		in := a.dir.ExportPath()
		if len(rest) > 0 {
			in = rest[0]
		}
		raw, err := os.ReadFile(in)
		if err != nil {
			return fmt.Errorf("read %s: %w", in, err)
		}
		if err := s.ImportJSON(ctx, raw); err != nil {
			return err
		}
		fmt.Printf("Imported %s\n", in)
		return nil
	case "diff":
		d, err := s.DiffFromDefaults()
		if err != nil {
			return err
		}
		if d == "" {
			fmt.Println("Settings match the defaults.")
			return nil
		}
		fmt.Print(d)
		return nil
	default:
		fs.Usage()
		return fmt.Errorf("unknown config action %q", action)
	}
}

func exportConfig(s *settings.Store, path string) error {
	raw, err := s.ExportJSON()
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(raw, '\n'))
		return err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("Exported to %s\n", path)
	return nil
}

// parseValue reads JSON literals (numbers, booleans, arrays, objects) and
// falls back to the raw string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
