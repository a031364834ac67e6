package settings

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/germanamz/pagechat/pkg/chaterr"
)

// IssueKind classifies a single validation failure.
type IssueKind string

const (
	IssueMissing         IssueKind = "missing"
	IssueWrongType       IssueKind = "wrong-type"
	IssueOutOfRange      IssueKind = "out-of-range"
	IssuePatternMismatch IssueKind = "pattern-mismatch"
	IssueUnknownOption   IssueKind = "unknown-option"
	IssueExtraneousKey   IssueKind = "extraneous-key"
)

// Issue is one failed rule at one path.
type Issue struct {
	Path    string    `json:"path"`
	Kind    IssueKind `json:"kind"`
	Message string    `json:"message"`
}

func (i Issue) String() string {
	path := i.Path
	if path == "" {
		path = "<root>"
	}
	return fmt.Sprintf("%s: %s (%s)", path, i.Message, i.Kind)
}

// ValidationError lists every issue found in a value.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Has reports whether any issue at path has the given kind.
func (e *ValidationError) Has(path string, kind IssueKind) bool {
	return slices.ContainsFunc(e.Issues, func(is Issue) bool {
		return is.Path == path && is.Kind == kind
	})
}

// Validate checks value against f and returns a chaterr validation error
// wrapping a *ValidationError, or nil.
func Validate(f *Field, value any, path string) error {
	var issues []Issue
	validate(f, value, path, true, &issues)

	if len(issues) == 0 {
		return nil
	}

	verr := &ValidationError{Issues: issues}

	return chaterr.Wrap(chaterr.Validation, verr, "configuration rejected")
}

func validate(f *Field, value any, path string, present bool, issues *[]Issue) {
	add := func(kind IssueKind, format string, args ...any) {
		*issues = append(*issues, Issue{Path: path, Kind: kind, Message: fmt.Sprintf(format, args...)})
	}

	if !present || value == nil {
		if f.Required {
			add(IssueMissing, "value is required")
		}
		return
	}

	switch f.Kind {
	case KindObject:
		m, ok := value.(map[string]any)
		if !ok {
			add(IssueWrongType, "expected object, got %s", typeName(value))
			return
		}

		for _, name := range f.FieldNames() {
			v, ok := m[name]
			validate(f.Fields[name], v, joinPath(path, name), ok, issues)
		}

		extra := make([]string, 0)
		for k := range m {
			if _, ok := f.Fields[k]; !ok {
				extra = append(extra, k)
			}
		}
		slices.Sort(extra)

		for _, k := range extra {
			*issues = append(*issues, Issue{
				Path:    joinPath(path, k),
				Kind:    IssueExtraneousKey,
				Message: "key is not part of the schema",
			})
		}

	case KindMap:
		m, ok := value.(map[string]any)
		if !ok {
			add(IssueWrongType, "expected object, got %s", typeName(value))
			return
		}

		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		for _, k := range keys {
			validate(f.Elem, m[k], joinPath(path, k), true, issues)
		}

	case KindArray:
		arr, ok := value.([]any)
		if !ok {
			add(IssueWrongType, "expected array, got %s", typeName(value))
			return
		}

		for i, v := range arr {
			validate(f.Elem, v, joinPath(path, strconv.Itoa(i)), true, issues)
		}

	case KindString, KindPattern, KindEnum:
		s, ok := value.(string)
		if !ok {
			add(IssueWrongType, "expected string, got %s", typeName(value))
			return
		}

		if f.Pattern != nil && !f.Pattern.MatchString(s) {
			add(IssuePatternMismatch, "%q does not match %s", s, f.Pattern.String())
		}

		if f.Kind == KindEnum && !slices.Contains(f.Options, s) {
			add(IssueUnknownOption, "%q is not one of %s", s, strings.Join(f.Options, ", "))
		}

	case KindNumber, KindInteger:
		n, ok := value.(float64)
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			add(IssueWrongType, "expected %s, got %s", f.Kind, typeName(value))
			return
		}

		if f.Kind == KindInteger && n != math.Trunc(n) {
			add(IssueWrongType, "expected integer, got %v", n)
			return
		}

		if f.Min != nil && n < *f.Min {
			add(IssueOutOfRange, "%v is below minimum %v", n, *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			add(IssueOutOfRange, "%v is above maximum %v", n, *f.Max)
		}

	case KindBoolean:
		if _, ok := value.(bool); !ok {
			add(IssueWrongType, "expected boolean, got %s", typeName(value))
		}

	default:
		add(IssueWrongType, "schema declares unknown kind %q", f.Kind)
	}
}

func typeName(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// AsValidationError extracts the *ValidationError from err, if any.
func AsValidationError(err error) (*ValidationError, bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
