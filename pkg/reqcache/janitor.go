package reqcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultPruneSchedule is used when no schedule is configured.
const DefaultPruneSchedule = "@every 1m"

// Janitor prunes a Cache on a cron schedule.
type Janitor struct {
	mu       sync.Mutex
	cache    *Cache
	cron     *cron.Cron
	entry    cron.EntryID
	schedule string
	log      zerolog.Logger
}

// NewJanitor creates a Janitor for c. It does nothing until Start.
func NewJanitor(c *Cache, schedule string, log zerolog.Logger) (*Janitor, error) {
	j := &Janitor{cache: c, cron: cron.New(), log: log}
	if err := j.Reschedule(schedule); err != nil {
		return nil, err
	}
	return j, nil
}

// Schedule returns the active schedule.
func (j *Janitor) Schedule() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.schedule
}

// Reschedule replaces the prune schedule. An invalid schedule leaves the current
// schedule in place.
func (j *Janitor) Reschedule(schedule string) error {
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	id, err := j.cron.AddFunc(schedule, j.prune)
	if err != nil {
		return fmt.Errorf("reqcache: prune schedule %q: %w", schedule, err)
	}
	if j.entry != 0 {
		j.cron.Remove(j.entry)
	}
	j.entry = id
	j.schedule = schedule

	return nil
}

// Follow tracks cache.pruneSchedule. It returns the unsubscribe function.
func (j *Janitor) Follow(s *settings.Store) func() {
	return s.OnChange("cache.pruneSchedule", func(v, _ any, _ string) {
		schedule, _ := v.(string)
		if err := j.Reschedule(schedule); err != nil {
			j.log.Warn().Err(err).Msg("keeping previous prune schedule")
		}
	})
}

func (j *Janitor) prune() {
	if n := j.cache.Prune(); n > 0 {
		j.log.Debug().Int("removed", n).Msg("pruned expired cache entries")
	}
}

// Start runs the schedule in the background.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule. The returned context is done once a running
// prune has finished.
func (j *Janitor) Stop() context.Context { return j.cron.Stop() }
