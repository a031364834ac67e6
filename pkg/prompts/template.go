// Package prompts implements typed prompt templates: placeholder text whose
// variables are filled from caller values, the page, the selection or a
// context object, and which can be invoked through slash shortcuts.
package prompts

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/germanamz/pagechat/pkg/chaterr"
)

// VarType is the declared type of a variable.
type VarType string

const (
	Text    VarType = "text"
	Number  VarType = "number"
	Select  VarType = "select"
	Boolean VarType = "boolean"
)

// Transform post-processes a resolved string value.
type Transform string

const (
	Trim      Transform = "trim"
	Uppercase Transform = "uppercase"
	Lowercase Transform = "lowercase"
	Titlecase Transform = "titlecase"
)

// Variable declares one placeholder.
type Variable struct {
	Name        string    `json:"name" yaml:"name"`
	Type        VarType   `json:"type" yaml:"type"`
	Source      Source    `json:"source" yaml:"source"`
	Required    bool      `json:"required" yaml:"required"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	Options     []string  `json:"options,omitempty" yaml:"options,omitempty"`
	Transform   Transform `json:"transform,omitempty" yaml:"transform,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Template is a parameterized prompt. SystemPrompt, when set, replaces the
// configured system prompt for asks made through the template.
type Template struct {
	ID           string     `json:"id" yaml:"id"`
	Name         string     `json:"name" yaml:"name"`
	Description  string     `json:"description" yaml:"description"`
	Category     string     `json:"category" yaml:"category"`
	Template     string     `json:"template" yaml:"template"`
	Variables    []Variable `json:"variables" yaml:"variables"`
	Shortcuts    []string   `json:"shortcuts,omitempty" yaml:"shortcuts,omitempty"`
	Model        string     `json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt string     `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	IsBuiltIn    bool       `json:"isBuiltIn" yaml:"-"`
	UsageCount   int        `json:"usageCount" yaml:"-"`
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Placeholders returns the distinct placeholder names in text, in order of
// first appearance.
func Placeholders(text string) []string {
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	return names
}

// Variable returns the declaration for name.
func (t *Template) Variable(name string) (Variable, bool) {
	for _, v := range t.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

// Validate checks the construction rules: every placeholder is declared,
// names are unique, types and sources are known and select variables list
// their options. Variables without a type or source become user text.
func (t *Template) Validate() error {
	if t.ID == "" {
		return chaterr.New(chaterr.Validation, "template id is required")
	}
	if t.Template == "" {
		return chaterr.Newf(chaterr.Validation, "template %s has no text", t.ID)
	}

	seen := make(map[string]bool, len(t.Variables))
	for i := range t.Variables {
		v := &t.Variables[i]
		if v.Type == "" {
			v.Type = Text
		}
		if v.Source.Kind == "" {
			v.Source.Kind = FromUser
		}

		if v.Name == "" {
			return chaterr.Newf(chaterr.Validation, "template %s declares a variable without a name", t.ID)
		}
		if seen[v.Name] {
			return chaterr.Newf(chaterr.Validation, "template %s declares %q twice", t.ID, v.Name)
		}
		seen[v.Name] = true

		switch v.Type {
		case Text, Number, Boolean:
		case Select:
			if len(v.Options) == 0 {
				return chaterr.Newf(chaterr.Validation, "template %s: select variable %q has no options", t.ID, v.Name)
			}
		default:
			return chaterr.Newf(chaterr.Validation, "template %s: variable %q has unknown type %q", t.ID, v.Name, v.Type)
		}

		switch v.Source.Kind {
		case FromUser, FromSelection, FromPage, FromContext:
		default:
			return chaterr.Newf(chaterr.Validation, "template %s: variable %q has unknown source %q", t.ID, v.Name, v.Source.Kind)
		}
	}

	for _, name := range Placeholders(t.Template) {
		if !seen[name] {
			return chaterr.Newf(chaterr.Validation, "template %s: placeholder {%s} has no declared variable", t.ID, name)
		}
	}

	for _, s := range t.Shortcuts {
		if !strings.HasPrefix(s, "/") || len(s) < 2 || strings.ContainsAny(s, " \t\n") {
			return chaterr.Newf(chaterr.Validation, "template %s: invalid shortcut %q", t.ID, s)
		}
	}

	return nil
}

// Render resolves every variable and substitutes each placeholder once.
// Substituted values are not themselves expanded.
func (t *Template) Render(values map[string]any, env Env) (string, error) {
	resolved := make(map[string]string, len(t.Variables))

	for _, v := range t.Variables {
		val, ok, err := v.resolve(values, env)
		if err != nil {
			return "", err
		}
		if !ok {
			if v.Required {
				return "", chaterr.Newf(chaterr.VariableMissing, "variable %q is required", v.Name)
			}
			resolved[v.Name] = ""
			continue
		}
		resolved[v.Name] = format(val)
	}

	out := placeholderRe.ReplaceAllStringFunc(t.Template, func(m string) string {
		name := m[1 : len(m)-1]
		if s, ok := resolved[name]; ok {
			return s
		}
		return m
	})

	return out, nil
}

func (v Variable) resolve(values map[string]any, env Env) (any, bool, error) {
	raw, ok := values[v.Name]
	if ok && (raw == nil || raw == "") {
		ok = false
	}
	if !ok {
		raw, ok = v.Source.resolve(v.Name, env)
	}
	if !ok && v.Default != nil {
		raw, ok = v.Default, true
	}
	if !ok {
		return nil, false, nil
	}

	val, err := v.coerce(raw)
	if err != nil {
		return nil, false, err
	}

	if s, isString := val.(string); isString && v.Transform != "" {
		s, err = applyTransform(v.Transform, s)
		if err != nil {
			return nil, false, err
		}
		val = s
	} else if v.Transform != "" && !knownTransform(v.Transform) {
		return nil, false, chaterr.Newf(chaterr.UnknownTransform, "unknown transform %q", v.Transform)
	}

	return val, true, nil
}

func (v Variable) coerce(raw any) (any, error) {
	switch v.Type {
	case Number:
		switch n := raw.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, chaterr.Newf(chaterr.Validation, "variable %q: %q is not a number", v.Name, n)
			}
			return f, nil
		}
	case Boolean:
		switch b := raw.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, chaterr.Newf(chaterr.Validation, "variable %q: %q is not a boolean", v.Name, b)
			}
			return parsed, nil
		}
	case Select:
		s := fmt.Sprint(raw)
		if !slices.Contains(v.Options, s) {
			return nil, chaterr.Newf(chaterr.Validation, "variable %q: %q is not one of %s", v.Name, s, strings.Join(v.Options, ", "))
		}
		return s, nil
	default:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return format(raw), nil
	}

	return nil, chaterr.Newf(chaterr.Validation, "variable %q: cannot use %T as %s", v.Name, raw, v.Type)
}

func knownTransform(t Transform) bool {
	switch t {
	case Trim, Uppercase, Lowercase, Titlecase:
		return true
	}
	return false
}

func applyTransform(t Transform, s string) (string, error) {
	switch t {
	case Trim:
		return strings.TrimSpace(s), nil
	case Uppercase:
		return strings.ToUpper(s), nil
	case Lowercase:
		return strings.ToLower(s), nil
	case Titlecase:
		words := strings.Fields(strings.ToLower(s))
		for i, w := range words {
			r, size := utf8.DecodeRuneInString(w)
			words[i] = string(unicode.ToTitle(r)) + w[size:]
		}
		return strings.Join(words, " "), nil
	}

	return "", chaterr.Newf(chaterr.UnknownTransform, "unknown transform %q", t)
}

func format(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Clone returns a user-owned copy: id "<id>_copy", not built in, unused.
func (t *Template) Clone() *Template {
	cp := t.copy()
	cp.ID = t.ID + "_copy"
	cp.IsBuiltIn = false
	cp.UsageCount = 0

	return cp
}

func (t *Template) copy() *Template {
	cp := *t
	cp.Variables = make([]Variable, len(t.Variables))
	for i, v := range t.Variables {
		v.Options = slices.Clone(v.Options)
		cp.Variables[i] = v
	}
	cp.Shortcuts = slices.Clone(t.Shortcuts)

	return &cp
}

// Parse decodes a JSON template and validates it.
func Parse(raw []byte) (*Template, error) {
	var t Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, chaterr.Wrap(chaterr.Validation, err, "template is not valid JSON")
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return &t, nil
}
