package timeline

import (
	"sort"
)

// aggregator maintains the canonical merged view for one logical request:
// deduplicated by event ID, sorted newest-first when needSort is set,
// insertion order otherwise (server-side ordering trusted, e.g. search
// relevance). Not safe for concurrent use; the owning session serializes
// access.
type aggregator struct {
	needSort bool
	events   []Event
	seen     map[string]bool
}

func newAggregator(needSort bool) *aggregator {
	return &aggregator{
		needSort: needSort,
		seen:     make(map[string]bool),
	}
}

// add inserts an event, returning true when it was not seen before. A record
// returned by multiple relays counts once.
func (a *aggregator) add(evt Event) bool {
	if a.seen[evt.ID] {
		return false
	}
	a.seen[evt.ID] = true

	if !a.needSort {
		a.events = append(a.events, evt)
		return true
	}

	// Insert in sorted order: created_at desc, ID desc for a deterministic
	// tie-break.
	idx := sort.Search(len(a.events), func(i int) bool {
		if a.events[i].CreatedAt != evt.CreatedAt {
			return a.events[i].CreatedAt < evt.CreatedAt
		}
		return a.events[i].ID < evt.ID
	})
	a.events = append(a.events, Event{})
	copy(a.events[idx+1:], a.events[idx:])
	a.events[idx] = evt
	return true
}

// appendPage appends backfill results to the tail, skipping duplicates, and
// returns the events actually added in order.
func (a *aggregator) appendPage(events []Event) []Event {
	var added []Event
	for _, evt := range events {
		if a.seen[evt.ID] {
			continue
		}
		a.seen[evt.ID] = true
		a.events = append(a.events, evt)
		added = append(added, evt)
	}
	return added
}

// snapshot returns a copy of the current merged batch.
func (a *aggregator) snapshot() []Event {
	out := make([]Event, len(a.events))
	copy(out, a.events)
	return out
}

func (a *aggregator) size() int {
	return len(a.events)
}

// oldest returns the created_at of the oldest record in the batch, or 0 when
// empty. This is the pagination cursor callers shift by one second.
func (a *aggregator) oldest() int64 {
	if len(a.events) == 0 {
		return 0
	}
	if a.needSort {
		return a.events[len(a.events)-1].CreatedAt
	}
	oldest := a.events[0].CreatedAt
	for _, evt := range a.events[1:] {
		if evt.CreatedAt < oldest {
			oldest = evt.CreatedAt
		}
	}
	return oldest
}
