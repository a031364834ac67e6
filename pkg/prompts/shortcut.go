package prompts

import (
	"strings"
	"unicode"
)

// Match is a shortcut hit: the template, the shortcut that matched, the raw
// argument text and the argument values bound to the template's user-sourced
// variables.
type Match struct {
	Template *Template
	Shortcut string
	Args     string
	Values   map[string]any
}

// matchShortcut reports whether input invokes shortcut: a case-insensitive
// prefix followed by end of input or whitespace. It returns the trimmed
// remainder.
func matchShortcut(input, shortcut string) (string, bool) {
	if len(input) < len(shortcut) || !strings.EqualFold(input[:len(shortcut)], shortcut) {
		return "", false
	}

	rest := input[len(shortcut):]
	if rest != "" && !unicode.IsSpace(rune(rest[0])) {
		return "", false
	}

	return strings.TrimSpace(rest), true
}

type argToken struct {
	value string
	start int
}

// splitArgs splits on whitespace; single or double quotes group words.
func splitArgs(s string) []argToken {
	var tokens []argToken

	i := 0
	for i < len(s) {
		for i < len(s) && unicode.IsSpace(rune(s[i])) {
			i++
		}
		if i >= len(s) {
			break
		}

		start := i
		if q := s[i]; q == '"' || q == '\'' {
			end := strings.IndexByte(s[i+1:], q)
			if end >= 0 {
				tokens = append(tokens, argToken{value: s[i+1 : i+1+end], start: start})
				i += end + 2
				continue
			}
		}

		for i < len(s) && !unicode.IsSpace(rune(s[i])) {
			i++
		}
		tokens = append(tokens, argToken{value: s[start:i], start: start})
	}

	return tokens
}

// bindArgs assigns arguments to user-sourced variables in declaration order.
// The last such variable takes all remaining text.
func bindArgs(t *Template, args string) map[string]any {
	var names []string
	for _, v := range t.Variables {
		if v.Source.Kind == FromUser {
			names = append(names, v.Name)
		}
	}

	values := make(map[string]any)
	tokens := splitArgs(args)

	for i, name := range names {
		if i >= len(tokens) {
			break
		}

		if i == len(names)-1 && i < len(tokens)-1 {
			values[name] = strings.TrimSpace(args[tokens[i].start:])
			break
		}

		values[name] = tokens[i].value
	}

	return values
}
