package settings

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Migration upgrades a stored tree from one layout version to the next.
type Migration struct {
	From  string
	To    string
	Apply func(tree map[string]any) error
}

// DefaultMigrations returns the built-in migration chain, sorted by From.
func DefaultMigrations() []Migration {
	return []Migration{
		{From: "1.0.0", To: "1.1.0", Apply: migrateTimeoutToMillis},
		{From: "1.1.0", To: "1.2.0", Apply: migrateCacheAndRateLimit},
	}
}

// 1.0.0 stored api.timeoutSeconds; 1.1.0 stores api.timeout in milliseconds.
func migrateTimeoutToMillis(tree map[string]any) error {
	api, ok := tree["api"].(map[string]any)
	if !ok {
		return nil
	}

	if secs, ok := api["timeoutSeconds"].(float64); ok {
		api["timeout"] = secs * 1000
	}
	delete(api, "timeoutSeconds")

	return nil
}

// 1.2.0 added the cache subtree and renamed rateLimit.interval.
func migrateCacheAndRateLimit(tree map[string]any) error {
	if _, ok := tree["cache"]; !ok {
		tree["cache"] = Defaults()["cache"]
	}

	rl, ok := tree["rateLimit"].(map[string]any)
	if !ok {
		return nil
	}

	if v, ok := rl["interval"]; ok {
		if _, exists := rl["minIntervalMs"]; !exists {
			rl["minIntervalMs"] = v
		}
		delete(rl, "interval")
	}

	return nil
}

// migrate applies every migration m with m.From <= current < m.To, in order,
// and stamps the tree with target. It returns the list of applied steps.
func migrate(tree map[string]any, migrations []Migration, target string) ([]string, error) {
	current, _ := tree["version"].(string)
	if current == "" {
		current = "0.0.0"
	}

	sorted := slices.Clone(migrations)
	slices.SortStableFunc(sorted, func(a, b Migration) int { return compareVersions(a.From, b.From) })

	var applied []string
	for _, m := range sorted {
		if compareVersions(m.From, current) > 0 || compareVersions(current, m.To) >= 0 {
			continue
		}

		if err := m.Apply(tree); err != nil {
			return applied, fmt.Errorf("settings: migrate %s -> %s: %w", m.From, m.To, err)
		}

		applied = append(applied, m.From+"->"+m.To)
		current = m.To
	}

	tree["version"] = target

	return applied, nil
}

// compareVersions compares MAJOR.MINOR.PATCH strings numerically. Unparseable
// components compare as zero.
func compareVersions(a, b string) int {
	pa, pb := parseVersion(a), parseVersion(b)
	for i := range pa {
		switch {
		case pa[i] < pb[i]:
			return -1
		case pa[i] > pb[i]:
			return 1
		}
	}
	return 0
}

func parseVersion(v string) [3]int {
	var out [3]int
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(part)
		if err == nil {
			out[i] = n
		}
	}
	return out
}
