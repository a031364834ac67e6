package settings

import (
	"encoding/json"
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

// Diff renders a unified diff between two configuration trees, using their
// indented JSON forms. It returns "" when the trees are equal.
func Diff(from, to map[string]any, fromName, toName string) (string, error) {
	a, err := json.MarshalIndent(from, "", "  ")
	if err != nil {
		return "", fmt.Errorf("settings: diff: %w", err)
	}

	b, err := json.MarshalIndent(to, "", "  ")
	if err != nil {
		return "", fmt.Errorf("settings: diff: %w", err)
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a) + "\n"),
		B:        difflib.SplitLines(string(b) + "\n"),
		FromFile: fromName,
		ToFile:   toName,
		Context:  2,
	})
}

// DiffFromDefaults shows how the current tree departs from the defaults.
func (s *Store) DiffFromDefaults() (string, error) {
	return Diff(Defaults(), s.Snapshot(), "defaults", "current")
}
