package prompts

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func greeting() *Template {
	return &Template{
		ID:       "greet",
		Name:     "Greeting",
		Category: "test",
		Template: "Hello {name}, your score is {score}.",
		Variables: []Variable{
			{Name: "name", Type: Text, Source: User(), Required: true},
			{Name: "score", Type: Number, Source: User(), Default: 0},
		},
		Shortcuts: []string{"/greet"},
	}
}

func TestRender(t *testing.T) {
	tmpl := greeting()
	require.NoError(t, tmpl.Validate())

	out, err := tmpl.Render(map[string]any{"name": "John"}, Env{})
	require.NoError(t, err)
	assert.Equal(t, "Hello John, your score is 0.", out)

	_, err = tmpl.Render(map[string]any{}, Env{})
	require.Error(t, err)
	assert.True(t, chaterr.Is(err, chaterr.VariableMissing))

	out, err = tmpl.Render(map[string]any{"name": "Ann", "score": "7.5"}, Env{})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ann, your score is 7.5.", out)
}

func TestRender_SubstitutesOnce(t *testing.T) {
	tmpl := &Template{
		ID:       "echo",
		Template: "{a} and {a}",
		Variables: []Variable{
			{Name: "a", Type: Text, Source: User()},
		},
	}
	require.NoError(t, tmpl.Validate())

	out, err := tmpl.Render(map[string]any{"a": "{a}"}, Env{})
	require.NoError(t, err)
	assert.Equal(t, "{a} and {a}", out)
}

func TestRender_Sources(t *testing.T) {
	tmpl := &Template{
		ID:       "sources",
		Template: "{sel}|{title}|{author}|{fallback}",
		Variables: []Variable{
			{Name: "sel", Type: Text, Source: Selection()},
			{Name: "title", Type: Text, Source: Page("")},
			{Name: "author", Type: Text, Source: Context("meta.author")},
			{Name: "fallback", Type: Text, Source: Page("missing"), Default: "none"},
		},
	}
	require.NoError(t, tmpl.Validate())

	env := Env{
		Selection: "picked",
		Page:      map[string]string{"title": "Go Blog"},
		Context:   map[string]any{"meta": map[string]any{"author": "Rob"}},
	}

	out, err := tmpl.Render(nil, env)
	require.NoError(t, err)
	assert.Equal(t, "picked|Go Blog|Rob|none", out)

	// Caller values win over sources.
	out, err = tmpl.Render(map[string]any{"sel": "given"}, env)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "given|"))
}

func TestRender_Transforms(t *testing.T) {
	tests := []struct {
		transform Transform
		in, want  string
	}{
		{Trim, "  padded  ", "padded"},
		{Uppercase, "shout", "SHOUT"},
		{Lowercase, "QUIET", "quiet"},
		{Titlecase, "hello wide world", "Hello Wide World"},
	}

	for _, tt := range tests {
		t.Run(string(tt.transform), func(t *testing.T) {
			tmpl := &Template{
				ID:        "x",
				Template:  "{v}",
				Variables: []Variable{{Name: "v", Type: Text, Source: User(), Transform: tt.transform}},
			}
			require.NoError(t, tmpl.Validate())

			out, err := tmpl.Render(map[string]any{"v": tt.in}, Env{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	tmpl := &Template{
		ID:        "x",
		Template:  "{v}",
		Variables: []Variable{{Name: "v", Type: Text, Source: User(), Transform: "reverse"}},
	}
	require.NoError(t, tmpl.Validate())

	_, err := tmpl.Render(map[string]any{"v": "abc"}, Env{})
	assert.True(t, chaterr.Is(err, chaterr.UnknownTransform))
}

func TestRender_Coercion(t *testing.T) {
	tmpl := &Template{
		ID:       "c",
		Template: "{n} {b} {s}",
		Variables: []Variable{
			{Name: "n", Type: Number, Source: User()},
			{Name: "b", Type: Boolean, Source: User()},
			{Name: "s", Type: Select, Source: User(), Options: []string{"a", "b"}},
		},
	}
	require.NoError(t, tmpl.Validate())

	out, err := tmpl.Render(map[string]any{"n": "3", "b": "true", "s": "b"}, Env{})
	require.NoError(t, err)
	assert.Equal(t, "3 true b", out)

	_, err = tmpl.Render(map[string]any{"n": "three"}, Env{})
	assert.True(t, chaterr.Is(err, chaterr.Validation))

	_, err = tmpl.Render(map[string]any{"s": "c"}, Env{})
	assert.True(t, chaterr.Is(err, chaterr.Validation))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Template)
	}{
		{"undeclared placeholder", func(t *Template) { t.Template += " {extra}" }},
		{"select without options", func(t *Template) {
			t.Variables = append(t.Variables, Variable{Name: "pick", Type: Select})
		}},
		{"unknown type", func(t *Template) { t.Variables[0].Type = "date" }},
		{"duplicate variable", func(t *Template) { t.Variables = append(t.Variables, t.Variables[0]) }},
		{"bad shortcut", func(t *Template) { t.Shortcuts = []string{"greet"} }},
		{"missing id", func(t *Template) { t.ID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := greeting()
			tt.mutate(tmpl)

			err := tmpl.Validate()
			require.Error(t, err)
			assert.True(t, chaterr.Is(err, chaterr.Validation))
		})
	}
}

func TestParseAndJSON(t *testing.T) {
	raw, err := json.Marshal(greeting())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"source":"user"`)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "greet", parsed.ID)
	assert.Equal(t, User(), parsed.Variables[0].Source)

	tmpl, err := Parse([]byte(`{"id":"p","template":"{t}","variables":[{"name":"t","source":"page:title"}]}`))
	require.NoError(t, err)
	assert.Equal(t, Page("title"), tmpl.Variables[0].Source)
	assert.Equal(t, Text, tmpl.Variables[0].Type)

	_, err = Parse([]byte(`{"id":"p","template":"{t}","variables":[{"name":"t","source":"clipboard"}]}`))
	assert.True(t, chaterr.Is(err, chaterr.Validation))
}

func TestClone(t *testing.T) {
	src := greeting()
	src.IsBuiltIn = true
	src.UsageCount = 9

	cp := src.Clone()
	assert.Equal(t, "greet_copy", cp.ID)
	assert.False(t, cp.IsBuiltIn)
	assert.Zero(t, cp.UsageCount)

	cp.Variables[0].Name = "changed"
	assert.Equal(t, "name", src.Variables[0].Name)
}

func TestSplitArgs(t *testing.T) {
	tokens := splitArgs(`french "two words" 'single q' tail`)

	values := make([]string, len(tokens))
	for i, tok := range tokens {
		values[i] = tok.value
	}

	assert.Equal(t, []string{"french", "two words", "single q", "tail"}, values)
}

func newLibrary(t *testing.T) *Library {
	t.Helper()

	l, err := NewLibrary(zerolog.Nop())
	require.NoError(t, err)

	return l
}

func TestLibrary_Builtins(t *testing.T) {
	l := newLibrary(t)

	ids := make([]string, 0)
	for _, tmpl := range l.List("") {
		ids = append(ids, tmpl.ID)
		assert.True(t, tmpl.IsBuiltIn, tmpl.ID)
	}
	assert.ElementsMatch(t, []string{"ask", "code-review", "explain", "key-points", "summarize", "translate"}, ids)

	reading := l.List("reading")
	assert.Len(t, reading, 3)

	err := l.Remove("summarize")
	assert.True(t, chaterr.Is(err, chaterr.Validation))

	_, err = l.Add(&Template{ID: "summarize", Template: "x"})
	assert.True(t, chaterr.Is(err, chaterr.Validation))
}

func TestLibrary_ApplyCountsUsage(t *testing.T) {
	l := newLibrary(t)

	_, err := l.Add(greeting())
	require.NoError(t, err)

	out, used, err := l.Apply("greet", map[string]any{"name": "John"}, Env{})
	require.NoError(t, err)
	assert.Equal(t, "Hello John, your score is 0.", out)
	assert.Equal(t, 1, used.UsageCount)

	_, _, err = l.Apply("greet", nil, Env{})
	assert.True(t, chaterr.Is(err, chaterr.VariableMissing))

	got, ok := l.Get("greet")
	require.True(t, ok)
	assert.Equal(t, 1, got.UsageCount)

	_, _, err = l.Apply("nope", nil, Env{})
	assert.Error(t, err)
}

func TestLibrary_BuiltinRendering(t *testing.T) {
	l := newLibrary(t)
	env := Env{
		Selection: "func main() {}",
		Page:      map[string]string{"title": "Effective Go"},
	}

	out, _, err := l.Apply("translate", map[string]any{"language": "brazilian portuguese"}, Env{Selection: "hola"})
	require.NoError(t, err)
	assert.Contains(t, out, "into Brazilian Portuguese.")
	assert.Contains(t, out, "hola")

	out, _, err = l.Apply("key-points", nil, env)
	require.NoError(t, err)
	assert.Equal(t, `List the 5 most important points of "Effective Go" as a numbered list.`, out)

	out, _, err = l.Apply("code-review", map[string]any{"language": "Go"}, env)
	require.NoError(t, err)
	assert.Contains(t, out, "Review this Go code.")
	assert.Contains(t, out, "func main() {}")

	_, _, err = l.Apply("explain", nil, Env{})
	assert.True(t, chaterr.Is(err, chaterr.VariableMissing))
}

func TestLibrary_MatchShortcut(t *testing.T) {
	l := newLibrary(t)

	tests := []struct {
		input  string
		id     string
		values map[string]any
	}{
		{"/ask what is this about?", "ask", map[string]any{"question": "what is this about?"}},
		{"/ASK Why", "ask", map[string]any{"question": "Why"}},
		{"/tr", "translate", map[string]any{}},
		{"/translate german", "translate", map[string]any{"language": "german"}},
		{`/sum short "pricing tables"`, "summarize", map[string]any{"length": "short", "focus": "pricing tables"}},
		{"/sum detailed the history and the people", "summarize", map[string]any{
			"length": "detailed", "focus": "the history and the people",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			m, ok := l.MatchShortcut(tt.input)
			require.True(t, ok)
			assert.Equal(t, tt.id, m.Template.ID)
			assert.Equal(t, tt.values, m.Values)
		})
	}

	for _, miss := range []string{"/summarizer now", "ask /ask", "/unknown", "hello"} {
		_, ok := l.MatchShortcut(miss)
		assert.False(t, ok, miss)
	}
}

func TestLibrary_CloneAndRemove(t *testing.T) {
	l := newLibrary(t)

	cp, err := l.Clone("summarize")
	require.NoError(t, err)
	assert.Equal(t, "summarize_copy", cp.ID)
	assert.False(t, cp.IsBuiltIn)

	got, ok := l.Get("summarize_copy")
	require.True(t, ok)
	assert.Equal(t, cp.Template, got.Template)

	require.NoError(t, l.Remove("summarize_copy"))
	_, ok = l.Get("summarize_copy")
	assert.False(t, ok)

	added, err := l.Add(&Template{Template: "plain"})
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)
}
