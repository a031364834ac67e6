package prompts

import (
	"fmt"
	"strings"
)

// SourceKind names where a variable's value comes from when the caller does
// not supply one.
type SourceKind string

const (
	FromUser      SourceKind = "user"
	FromSelection SourceKind = "selection"
	FromPage      SourceKind = "page"
	FromContext   SourceKind = "context"
)

// Source is a variable source. Key is the page field for FromPage and the
// dotted path for FromContext; it is empty otherwise.
//
// Its text form is "user", "selection", "page:<field>" or "context:<path>".
type Source struct {
	Kind SourceKind
	Key  string
}

func User() Source { return Source{Kind: FromUser} }

func Selection() Source { return Source{Kind: FromSelection} }

func Page(field string) Source { return Source{Kind: FromPage, Key: field} }

func Context(path string) Source { return Source{Kind: FromContext, Key: path} }

func (s Source) String() string {
	if s.Key == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + ":" + s.Key
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(b []byte) error {
	kind, key, _ := strings.Cut(string(b), ":")

	switch SourceKind(kind) {
	case FromUser, FromSelection, FromPage, FromContext:
	case "":
		kind = string(FromUser)
	default:
		return fmt.Errorf("prompts: unknown variable source %q", kind)
	}

	*s = Source{Kind: SourceKind(kind), Key: key}

	return nil
}

// Env is everything a source can read from besides the caller's values.
type Env struct {
	Selection string
	Page      map[string]string
	Context   map[string]any
}

// resolve looks the variable named name up in env. The bool is false when
// the source yields nothing.
func (s Source) resolve(name string, env Env) (any, bool) {
	switch s.Kind {
	case FromSelection:
		if env.Selection == "" {
			return nil, false
		}
		return env.Selection, true

	case FromPage:
		key := s.Key
		if key == "" {
			key = name
		}
		v, ok := env.Page[key]
		if !ok || v == "" {
			return nil, false
		}
		return v, true

	case FromContext:
		key := s.Key
		if key == "" {
			key = name
		}
		return lookupPath(env.Context, key)
	}

	return nil, false
}

func lookupPath(root map[string]any, path string) (any, bool) {
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}

	if cur == nil {
		return nil, false
	}

	return cur, true
}
