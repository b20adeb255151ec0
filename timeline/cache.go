package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"nostr-timeline/internal/cache"
)

// cachedQueryResult is the serialized form of a one-shot query result.
type cachedQueryResult struct {
	Events   []Event `json:"events"`
	Eose     bool    `json:"eose"`
	CachedAt int64   `json:"cached_at"`
}

// queryCache memoizes one-shot fan-out results (backfill pages and similar)
// keyed by the relay set and filter. It is optional; a nil queryCache is a
// permanent miss.
type queryCache struct {
	backend cache.Backend
	log     *slog.Logger
}

func newQueryCache(backend cache.Backend, log *slog.Logger) *queryCache {
	if backend == nil {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &queryCache{backend: backend, log: log}
}

// buildQueryKey produces a canonical key: relay and filter slices are sorted
// so equivalent queries hit the same entry.
func buildQueryKey(relays []string, f Filter) string {
	sortedRelays := make([]string, len(relays))
	copy(sortedRelays, relays)
	sort.Strings(sortedRelays)

	sortedAuthors := make([]string, len(f.Authors))
	copy(sortedAuthors, f.Authors)
	sort.Strings(sortedAuthors)

	sortedKinds := make([]int, len(f.Kinds))
	copy(sortedKinds, f.Kinds)
	sort.Ints(sortedKinds)

	var sb strings.Builder
	sb.WriteString("relays:")
	sb.WriteString(strings.Join(sortedRelays, ","))
	sb.WriteString("|authors:")
	sb.WriteString(strings.Join(sortedAuthors, ","))
	sb.WriteString("|kinds:")
	for i, k := range sortedKinds {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "%d", k)
	}
	fmt.Fprintf(&sb, "|limit:%d", f.Limit)
	if f.Since != nil {
		fmt.Fprintf(&sb, "|since:%d", *f.Since)
	}
	if f.Until != nil {
		fmt.Fprintf(&sb, "|until:%d", *f.Until)
	}
	if len(f.Tags) > 0 {
		names := make([]string, 0, len(f.Tags))
		for name := range f.Tags {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			vals := make([]string, len(f.Tags[name]))
			copy(vals, f.Tags[name])
			sort.Strings(vals)
			fmt.Fprintf(&sb, "|#%s:%s", name, strings.Join(vals, ","))
		}
	}
	if f.Search != "" {
		fmt.Fprintf(&sb, "|search:%s", f.Search)
	}
	return sb.String()
}

// queryTTL returns the TTL for a query result based on its shape: broad
// queries have high hit rates and cache longer.
func queryTTL(f Filter) time.Duration {
	if len(f.Authors) == 0 {
		return 60 * time.Second
	}
	if len(f.Authors) <= 5 {
		return 45 * time.Second
	}
	return 30 * time.Second
}

func (c *queryCache) get(ctx context.Context, relays []string, f Filter) ([]Event, bool, bool) {
	if c == nil {
		return nil, false, false
	}

	key := "query:" + buildQueryKey(relays, f)
	data, found, err := c.backend.Get(ctx, key)
	if err != nil || !found {
		queryCacheMissTotal.Add(1)
		return nil, false, false
	}

	var cached cachedQueryResult
	if err := json.Unmarshal(data, &cached); err != nil {
		c.log.Debug("query cache unmarshal error", "error", err)
		queryCacheMissTotal.Add(1)
		return nil, false, false
	}

	queryCacheHitsTotal.Add(1)
	return cached.Events, cached.Eose, true
}

func (c *queryCache) set(ctx context.Context, relays []string, f Filter, events []Event, eose bool) {
	if c == nil {
		return
	}

	cached := cachedQueryResult{
		Events:   events,
		Eose:     eose,
		CachedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(cached)
	if err != nil {
		c.log.Debug("query cache marshal error", "error", err)
		return
	}

	key := "query:" + buildQueryKey(relays, f)
	if err := c.backend.Set(ctx, key, data, queryTTL(f)); err != nil {
		c.log.Debug("query cache set error", "error", err)
	}
}
