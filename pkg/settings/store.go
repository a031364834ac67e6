package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/germanamz/pagechat/pkg/chaterr"
	"github.com/germanamz/pagechat/pkg/storage"
	"github.com/rs/zerolog"
)

// Export is the portable form of the configuration.
type Export struct {
	Version   string         `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Config    map[string]any `json:"config"`
}

// Store is the schema-validated, observable configuration tree. All writes go
// through the validator and then a single write barrier that persists the
// tree before swapping it in and notifying listeners.
type Store struct {
	storage    storage.Storage
	schema     *Field
	version    string
	migrations []Migration
	log        zerolog.Logger
	now        func() time.Time

	mu   sync.RWMutex
	tree map[string]any

	writeMu   sync.Mutex
	listeners listenerTrie
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.log = l } }

// WithClock overrides the time source used for export timestamps.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithMigrations replaces the built-in migration chain.
func WithMigrations(m []Migration) Option { return func(s *Store) { s.migrations = m } }

// New creates a Store over st. Until Initialize runs, reads see the defaults.
func New(st storage.Storage, opts ...Option) *Store {
	s := &Store{
		storage:    st,
		schema:     Schema(),
		version:    Version,
		migrations: DefaultMigrations(),
		log:        zerolog.Nop(),
		now:        time.Now,
		tree:       Defaults(),
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

// Initialize loads the persisted tree. A missing tree is materialized from
// defaults and persisted; an older one is migrated, completed from defaults,
// validated and persisted. Calling it again reloads from storage.
func (s *Store) Initialize(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	raw, ok, err := s.storage.Get(ctx, storage.KeyConfig)
	if err != nil {
		return err
	}

	if !ok {
		tree := Defaults()
		if err := s.persist(ctx, tree); err != nil {
			return err
		}
		s.swap(tree)
		s.log.Info().Str("version", s.version).Msg("settings: created from defaults")
		return nil
	}

	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil || tree == nil {
		return chaterr.Wrap(chaterr.Validation, err, "stored configuration is not a JSON object")
	}

	before := cloneTree(tree)

	if stored, _ := tree["version"].(string); stored != s.version {
		applied, err := migrate(tree, s.migrations, s.version)
		if err != nil {
			return err
		}
		s.log.Info().
			Str("from", stored).
			Str("to", s.version).
			Strs("steps", applied).
			Msg("settings: migrated")
	}

	fillDefaults(tree, Defaults())

	var removed []string
	prune(s.schema, tree, "", &removed)
	if len(removed) > 0 {
		sort.Strings(removed)
		s.log.Warn().Strs("paths", removed).Msg("settings: dropped unknown keys")
	}

	if err := Validate(s.schema, tree, ""); err != nil {
		return err
	}

	var changed []string
	changedPaths(before, tree, "", &changed)
	if len(changed) > 0 {
		if err := s.persist(ctx, tree); err != nil {
			return err
		}
	}

	s.swap(tree)

	return nil
}

func (s *Store) persist(ctx context.Context, tree map[string]any) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}

	return s.storage.Set(ctx, storage.KeyConfig, raw)
}

func (s *Store) swap(tree map[string]any) {
	s.mu.Lock()
	s.tree = tree
	s.mu.Unlock()
}

// commit runs build against a private copy of the tree, validates the
// result, persists it and only then makes it visible and notifies.
func (s *Store) commit(ctx context.Context, build func(next map[string]any) (map[string]any, error)) error {
	s.writeMu.Lock()

	s.mu.RLock()
	old := s.tree
	s.mu.RUnlock()

	next, err := build(cloneTree(old))
	if err == nil {
		err = Validate(s.schema, next, "")
	}
	if err == nil {
		err = s.persist(ctx, next)
	}
	if err != nil {
		s.writeMu.Unlock()
		return err
	}

	s.swap(next)

	var changed []string
	changedPaths(old, next, "", &changed)
	notes := s.listeners.collect(changed, old, next)

	s.writeMu.Unlock()

	for _, n := range notes {
		n.fn(n.newValue, n.oldValue, n.path)
	}

	return nil
}

// Get returns a copy of the value at path. The bool is false when any
// segment is missing.
func (s *Store) Get(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := lookup(s.tree, path)
	if !ok {
		return nil, false
	}

	return cloneValue(v), true
}

// GetOr returns the value at path, or fallback when it is missing.
func (s *Store) GetOr(path string, fallback any) any {
	if v, ok := s.Get(path); ok && v != nil {
		return v
	}
	return fallback
}

// Snapshot returns a copy of the whole tree.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneTree(s.tree)
}

// Set validates value against the schema at path and, on success, persists
// it and notifies listeners. A nil value removes an optional key.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	field := schemaAt(s.schema, path)
	if field == nil || path == "" {
		return chaterr.Wrap(chaterr.Validation, &ValidationError{Issues: []Issue{{
			Path: path, Kind: IssueExtraneousKey, Message: "path is not part of the schema",
		}}}, "configuration rejected")
	}

	norm, err := normalize(value)
	if err != nil {
		return chaterr.Wrap(chaterr.Validation, err, "unsupported value")
	}

	if norm != nil || field.Required {
		if err := Validate(field, norm, path); err != nil {
			return err
		}
	}

	return s.commit(ctx, func(next map[string]any) (map[string]any, error) {
		if norm == nil {
			deleteIn(next, path)
			return next, nil
		}
		if err := setIn(next, path, norm); err != nil {
			return nil, chaterr.Wrap(chaterr.Validation, err, "configuration rejected")
		}
		return next, nil
	})
}

// Update merges patch into the tree. The merged tree is validated as a whole
// before anything is written; any failure discards the whole patch.
func (s *Store) Update(ctx context.Context, patch map[string]any) error {
	norm, err := normalize(patch)
	if err != nil {
		return chaterr.Wrap(chaterr.Validation, err, "unsupported value")
	}

	pm, _ := norm.(map[string]any)

	return s.commit(ctx, func(next map[string]any) (map[string]any, error) {
		merge(next, pm)
		return next, nil
	})
}

// Reset restores the defaults for the subtree at path, or for the whole tree
// when path is empty. Paths with no default (custom model entries) are
// removed.
func (s *Store) Reset(ctx context.Context, path string) error {
	defaults := Defaults()

	if path == "" {
		return s.commit(ctx, func(map[string]any) (map[string]any, error) {
			return defaults, nil
		})
	}

	if schemaAt(s.schema, path) == nil {
		return chaterr.Newf(chaterr.Validation, "unknown configuration path %q", path)
	}

	return s.commit(ctx, func(next map[string]any) (map[string]any, error) {
		def, ok := lookup(defaults, path)
		if !ok {
			deleteIn(next, path)
			return next, nil
		}
		if err := setIn(next, path, cloneValue(def)); err != nil {
			return nil, err
		}
		return next, nil
	})
}

// OnChange registers fn for changes under path, or for every change when
// path is Wildcard. The returned func unsubscribes.
func (s *Store) OnChange(path string, fn Listener) func() {
	return s.listeners.add(path, fn)
}

// Export returns the current tree wrapped with its version and a timestamp.
func (s *Store) Export() Export {
	tree := s.Snapshot()
	version, _ := tree["version"].(string)

	return Export{
		Version:   version,
		Timestamp: s.now().UTC(),
		Config:    tree,
	}
}

// Import replaces the tree with payload.Config after migrating it to the
// current version and validating it. On failure nothing changes.
func (s *Store) Import(ctx context.Context, payload Export) error {
	if payload.Config == nil {
		return chaterr.Wrap(chaterr.Validation, &ValidationError{Issues: []Issue{{
			Path: "config", Kind: IssueMissing, Message: "import payload has no config",
		}}}, "configuration rejected")
	}

	norm, err := normalize(payload.Config)
	if err != nil {
		return chaterr.Wrap(chaterr.Validation, err, "unsupported value")
	}

	tree, _ := norm.(map[string]any)
	if _, ok := tree["version"]; !ok && payload.Version != "" {
		tree["version"] = payload.Version
	}

	if v, _ := tree["version"].(string); v != "" && compareVersions(v, s.version) < 0 {
		if _, err := migrate(tree, s.migrations, s.version); err != nil {
			return err
		}
	}

	return s.commit(ctx, func(map[string]any) (map[string]any, error) {
		return tree, nil
	})
}

// ExportJSON renders Export as indented JSON.
func (s *Store) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(s.Export(), "", "  ")
}

// ImportJSON parses raw as an Export payload and imports it.
func (s *Store) ImportJSON(ctx context.Context, raw []byte) error {
	var payload Export
	if err := json.Unmarshal(raw, &payload); err != nil {
		return chaterr.Wrap(chaterr.Validation, err, "import payload is not valid JSON")
	}

	return s.Import(ctx, payload)
}
