package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/germanamz/pagechat/pkg/vault"
)

func runKeys(ctx context.Context, args []string) error {
	fs := newFlagSet("keys", "<set|check|rm|list> [provider]", "Manage provider API keys.")
	g := registerGlobal(fs)
	stdin := fs.Bool("stdin", false, "read the key from stdin instead of prompting")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("missing keys action")
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

	if action == "list" {
		return listKeys(ctx, a.vault)
	}

	if len(rest) != 1 {
		return fmt.Errorf("keys %s needs exactly one provider (%s)", action, strings.Join(settings.Providers, ", "))
	}
	provider := rest[0]

	switch action {
	case "set":
		key, err := readKey("API key for "+provider, *stdin)
		if err != nil {
			return err
		}
		if err := a.vault.Store(ctx, provider, key); err != nil {
			return err
		}
		fmt.Printf("Stored key for %s\n", provider)
	case "check":
		key, err := readKey("Key to compare for "+provider, *stdin)
		if err != nil {
			return err
		}
		ok, err := a.vault.ValidateStoredKey(ctx, provider, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("key does not match the stored key for %s", provider)
		}
		fmt.Printf("Key matches the stored key for %s\n", provider)
	case "rm":
		if err := a.vault.Remove(ctx, provider); err != nil {
			return err
		}
		fmt.Printf("Removed key for %s\n", provider)
	default:
		fs.Usage()
		return fmt.Errorf("unknown keys action %q", action)
	}

	return nil
}

func listKeys(ctx context.Context, v *vault.Vault) error {
	stored, err := v.Providers(ctx)
	if err != nil {
		return err
	}

	have := map[string]bool{}
	for _, p := range stored {
		have[p] = true
	}

	for _, p := range settings.Providers {
		state := "missing"
		if have[p] {
			state = "stored"
		}
		fmt.Printf("%-10s %s\n", p, state)
	}

	return nil
}

// readKey prompts for a key with masked input, or reads one line from stdin.
func readKey(title string, fromStdin bool) (string, error) {
	if fromStdin {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	var key string
	err := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(title).
			EchoMode(huh.EchoModePassword).
			Validate(vault.ValidateFormat).
			Value(&key),
	)).Run()
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(key), nil
}
