package prompts

import (
	"sync"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Library is a concurrency-safe template registry.
type Library struct {
	mu        sync.RWMutex
	templates map[string]*Template
	order     []string
	log       zerolog.Logger
}

// NewLibrary returns a library preloaded with the built-in templates.
func NewLibrary(log zerolog.Logger) (*Library, error) {
	l := &Library{
		templates: make(map[string]*Template),
		log:       log,
	}

	builtins, err := Builtins()
	if err != nil {
		return nil, err
	}

	for _, t := range builtins {
		l.put(t)
	}

	return l, nil
}

func (l *Library) put(t *Template) {
	if _, exists := l.templates[t.ID]; !exists {
		l.order = append(l.order, t.ID)
	}
	l.templates[t.ID] = t
}

// Add validates t and stores a copy. An empty ID is filled with a random one.
// Built-in templates cannot be replaced.
func (l *Library) Add(t *Template) (*Template, error) {
	cp := t.copy()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.IsBuiltIn = false

	if err := cp.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.templates[cp.ID]; ok && existing.IsBuiltIn {
		return nil, chaterr.Newf(chaterr.Validation, "template %s is built in and cannot be replaced", cp.ID)
	}

	l.put(cp)
	l.log.Debug().Str("template", cp.ID).Msg("prompts: added template")

	return cp.copy(), nil
}

// Get returns a copy of the template with id.
func (l *Library) Get(id string) (*Template, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	t, ok := l.templates[id]
	if !ok {
		return nil, false
	}

	return t.copy(), true
}

// List returns copies of every template in insertion order, filtered by
// category when category is not empty.
func (l *Library) List(category string) []*Template {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Template, 0, len(l.order))
	for _, id := range l.order {
		t := l.templates[id]
		if category != "" && t.Category != category {
			continue
		}
		out = append(out, t.copy())
	}

	return out
}

// Remove deletes a user template.
func (l *Library) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.templates[id]
	if !ok {
		return chaterr.Newf(chaterr.Validation, "template %s not found", id)
	}
	if t.IsBuiltIn {
		return chaterr.Newf(chaterr.Validation, "template %s is built in and cannot be removed", id)
	}

	delete(l.templates, id)
	for i, o := range l.order {
		if o == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}

	return nil
}

// Apply renders template id and counts the use. It returns the rendered
// text and a copy of the template as used.
func (l *Library) Apply(id string, values map[string]any, env Env) (string, *Template, error) {
	l.mu.RLock()
	t, ok := l.templates[id]
	var snapshot *Template
	if ok {
		snapshot = t.copy()
	}
	l.mu.RUnlock()

	if !ok {
		return "", nil, chaterr.Newf(chaterr.Validation, "template %s not found", id)
	}

	out, err := snapshot.Render(values, env)
	if err != nil {
		return "", nil, err
	}

	l.mu.Lock()
	if cur, ok := l.templates[id]; ok {
		cur.UsageCount++
		snapshot.UsageCount = cur.UsageCount
	}
	l.mu.Unlock()

	return out, snapshot, nil
}

// MatchShortcut finds the first template, in insertion order, with a
// shortcut that input invokes.
func (l *Library) MatchShortcut(input string) (*Match, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, id := range l.order {
		t := l.templates[id]
		for _, sc := range t.Shortcuts {
			args, ok := matchShortcut(input, sc)
			if !ok {
				continue
			}

			cp := t.copy()

			return &Match{
				Template: cp,
				Shortcut: sc,
				Args:     args,
				Values:   bindArgs(cp, args),
			}, true
		}
	}

	return nil, false
}

// Clone copies template id into a new user template "<id>_copy".
func (l *Library) Clone(id string) (*Template, error) {
	src, ok := l.Get(id)
	if !ok {
		return nil, chaterr.Newf(chaterr.Validation, "template %s not found", id)
	}

	return l.Add(src.Clone())
}
