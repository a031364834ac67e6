package prompts

import (
	"embed"
	"fmt"
	"path"

	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Builtins decodes the embedded templates, validates them and marks them
// built in. Files load in name order.
func Builtins() ([]*Template, error) {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, fmt.Errorf("prompts: read builtins: %w", err)
	}

	out := make([]*Template, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".yaml" {
			continue
		}

		data, err := builtinFS.ReadFile("builtin/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("prompts: read %s: %w", e.Name(), err)
		}

		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("prompts: decode %s: %w", e.Name(), err)
		}

		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("prompts: %s: %w", e.Name(), err)
		}

		t.IsBuiltIn = true
		out = append(out, &t)
	}

	return out, nil
}
