package settings

import (
	"regexp"
	"sort"
)

// Version is the configuration layout version this code writes.
const Version = "1.2.0"

// Kind is the declared type of a schema node.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindEnum    Kind = "enum"
	KindPattern Kind = "pattern"
	KindArray   Kind = "array-of"
	KindMap     Kind = "object-of"
	KindObject  Kind = "object"
)

// Field describes one node of the configuration tree.
type Field struct {
	Kind     Kind
	Required bool
	Min      *float64
	Max      *float64
	Pattern  *regexp.Regexp
	Options  []string
	Elem     *Field            // Element schema for KindArray and KindMap.
	Fields   map[string]*Field // Children for KindObject.
	Default  any               // Leaf, array and map defaults. Objects derive theirs.
}

// Optional clears the Required flag and returns f.
func (f *Field) Optional() *Field {
	f.Required = false
	return f
}

// Child returns the schema for the named child, or nil.
func (f *Field) Child(name string) *Field {
	switch f.Kind {
	case KindObject:
		return f.Fields[name]
	case KindMap, KindArray:
		return f.Elem
	default:
		return nil
	}
}

// FieldNames returns the object's child names in sorted order.
func (f *Field) FieldNames() []string {
	names := make([]string, 0, len(f.Fields))
	for n := range f.Fields {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

func ptr(v float64) *float64 { return &v }

func str(def string) *Field { return &Field{Kind: KindString, Required: true, Default: def} }

func number(def, lo, hi float64) *Field {
	return &Field{Kind: KindNumber, Required: true, Min: ptr(lo), Max: ptr(hi), Default: def}
}

func atLeast(def, lo float64) *Field {
	return &Field{Kind: KindNumber, Required: true, Min: ptr(lo), Default: def}
}

func integer(def, lo, hi float64) *Field {
	return &Field{Kind: KindInteger, Required: true, Min: ptr(lo), Max: ptr(hi), Default: def}
}

func boolean(def bool) *Field { return &Field{Kind: KindBoolean, Required: true, Default: def} }

func enum(def string, options ...string) *Field {
	return &Field{Kind: KindEnum, Required: true, Options: options, Default: def}
}

func pattern(def, expr string) *Field {
	return &Field{Kind: KindPattern, Required: true, Pattern: regexp.MustCompile(expr), Default: def}
}

func arrayOf(elem *Field, def []any) *Field {
	return &Field{Kind: KindArray, Required: true, Elem: elem, Default: def}
}

func mapOf(elem *Field, def map[string]any) *Field {
	return &Field{Kind: KindMap, Required: true, Elem: elem, Default: def}
}

func object(fields map[string]*Field) *Field {
	return &Field{Kind: KindObject, Required: true, Fields: fields}
}

const (
	versionPattern  = `^\d+\.\d+\.\d+$`
	endpointPattern = `^(https://[^\s]+|http://(localhost|127\.0\.0\.1)(:\d+)?(/[^\s]*)?)$`
)

// Providers lists the provider names the pipeline knows how to talk to.
var Providers = []string{"deepseek", "openai", "anthropic"}

func modelSchema() *Field {
	return object(map[string]*Field{
		"provider":              enum("deepseek", Providers...),
		"maxTokens":             integer(4096, 1, 200000),
		"contextWindow":         integer(64000, 1024, 2000000).Optional(),
		"temperature":           number(0.7, 0, 2),
		"topP":                  number(1, 0, 1).Optional(),
		"frequencyPenalty":      number(0, -2, 2).Optional(),
		"presencePenalty":       number(0, -2, 2).Optional(),
		"inputPrice":            atLeast(0, 0),
		"outputPrice":           atLeast(0, 0),
		"costPerThousandTokens": atLeast(0, 0).Optional(),
		"contextBudget":         integer(4000, 256, 200000).Optional(),
	})
}

func model(provider string, maxTokens, window, budget int, in, out float64) map[string]any {
	return map[string]any{
		"provider":              provider,
		"maxTokens":             float64(maxTokens),
		"contextWindow":         float64(window),
		"temperature":           0.7,
		"topP":                  1.0,
		"frequencyPenalty":      0.0,
		"presencePenalty":       0.0,
		"inputPrice":            in,
		"outputPrice":           out,
		"costPerThousandTokens": in,
		"contextBudget":         float64(budget),
	}
}

const defaultSystemPrompt = "You are a helpful assistant that answers questions about the web page the user is viewing. " +
	"Use the page context when it is relevant and say so when the page does not contain the answer."

// Schema returns the authoritative configuration schema. Each call returns a
// fresh tree, so callers may not mutate a shared instance by accident.
func Schema() *Field {
	return object(map[string]*Field{
		"version": pattern(Version, versionPattern),
		"api": object(map[string]*Field{
			"provider":   enum("deepseek", Providers...),
			"timeout":    integer(30000, 1000, 300000),
			"maxRetries": integer(3, 0, 10),
			"endpoints": mapOf(pattern("", endpointPattern), map[string]any{
				"deepseek":  "https://api.deepseek.com/v1/chat/completions",
				"openai":    "https://api.openai.com/v1/chat/completions",
				"anthropic": "https://api.anthropic.com/v1/messages",
			}),
		}),
		"model": object(map[string]*Field{
			"default":      str("deepseek-chat"),
			"systemPrompt": str(defaultSystemPrompt),
		}),
		"models": mapOf(modelSchema(), map[string]any{
			"deepseek-chat":            model("deepseek", 4096, 64000, 4000, 0.00027, 0.0011),
			"deepseek-reasoner":        model("deepseek", 8192, 64000, 4000, 0.00055, 0.00219),
			"gpt-4o-mini":              model("openai", 4096, 128000, 6000, 0.00015, 0.0006),
			"gpt-4o":                   model("openai", 4096, 128000, 6000, 0.0025, 0.01),
			"claude-3-5-sonnet-latest": model("anthropic", 4096, 200000, 8000, 0.003, 0.015),
		}),
		"rateLimit": object(map[string]*Field{
			"minIntervalMs": integer(1000, 0, 60000),
			"maxPerHour":    integer(100, 1, 10000),
			"wait":          boolean(false),
		}),
		"cache": object(map[string]*Field{
			"enabled":       boolean(true),
			"ttlMs":         integer(300000, 0, 86400000),
			"maxSize":       integer(100, 1, 10000),
			"pruneSchedule": str("@every 1m"),
		}),
		"context": object(map[string]*Field{
			"maxTokens":       integer(4000, 256, 200000),
			"includeMetadata": boolean(true),
		}),
		"templates": object(map[string]*Field{
			"enabled":        boolean(true),
			"shortcutPrefix": pattern("/", `^/$`),
			"favorites":      arrayOf(str(""), []any{}),
		}),
		"ui": object(map[string]*Field{
			"theme":    enum("auto", "light", "dark", "auto"),
			"language": enum("en", "en", "zh", "es", "fr", "de", "ja"),
			"fontSize": integer(14, 10, 24),
		}),
		"privacy": object(map[string]*Field{
			"saveHistory":      boolean(true),
			"anonymizeContext": boolean(false),
		}),
	})
}

// Defaults materializes the default tree from the schema.
func Defaults() map[string]any {
	tree, _ := defaultOf(Schema()).(map[string]any)
	return tree
}

func defaultOf(f *Field) any {
	if f.Kind != KindObject {
		return cloneValue(f.Default)
	}

	out := make(map[string]any, len(f.Fields))
	for name, child := range f.Fields {
		if v := defaultOf(child); v != nil {
			out[name] = v
		}
	}

	return out
}
