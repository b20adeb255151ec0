package timeline

import (
	"context"
	"testing"
	"time"

	"nostr-timeline/internal/cache"
)

func TestBuildQueryKeyCanonical(t *testing.T) {
	until := int64(500)
	a := buildQueryKey(
		[]string{"wss://b.example", "wss://a.example"},
		Filter{Authors: []string{"pk2", "pk1"}, Kinds: []int{7, 1}, Until: &until, Limit: 20,
			Tags: map[string][]string{"t": {"nostr", "go"}}},
	)
	b := buildQueryKey(
		[]string{"wss://a.example", "wss://b.example"},
		Filter{Authors: []string{"pk1", "pk2"}, Kinds: []int{1, 7}, Until: &until, Limit: 20,
			Tags: map[string][]string{"t": {"go", "nostr"}}},
	)
	if a != b {
		t.Errorf("equivalent queries produced different keys:\n%s\n%s", a, b)
	}

	otherUntil := int64(400)
	c := buildQueryKey(
		[]string{"wss://a.example", "wss://b.example"},
		Filter{Authors: []string{"pk1", "pk2"}, Kinds: []int{1, 7}, Until: &otherUntil, Limit: 20,
			Tags: map[string][]string{"t": {"go", "nostr"}}},
	)
	if a == c {
		t.Error("different until values must not collide")
	}
}

func TestQueryTTLTiers(t *testing.T) {
	if got := queryTTL(Filter{}); got != 60*time.Second {
		t.Errorf("broad query TTL = %v, want 60s", got)
	}
	if got := queryTTL(Filter{Authors: []string{"a", "b"}}); got != 45*time.Second {
		t.Errorf("small author set TTL = %v, want 45s", got)
	}
	if got := queryTTL(Filter{Authors: make([]string, 20)}); got != 30*time.Second {
		t.Errorf("large author set TTL = %v, want 30s", got)
	}
}

func TestQueryCacheRoundTrip(t *testing.T) {
	backend := cache.NewMemoryCache(100, time.Minute)
	defer backend.Close()
	qc := newQueryCache(backend, nil)

	relays := []string{"wss://a.example"}
	filter := Filter{Kinds: []int{1}, Limit: 5}

	if _, _, ok := qc.get(context.Background(), relays, filter); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	events := []Event{{ID: "aa", CreatedAt: 100}, {ID: "bb", CreatedAt: 90}}
	qc.set(context.Background(), relays, filter, events, true)

	got, eose, ok := qc.get(context.Background(), relays, filter)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if !eose {
		t.Error("eose flag lost in round trip")
	}
	if len(got) != 2 || got[0].ID != "aa" || got[1].ID != "bb" {
		t.Errorf("cached events = %v", ids(got))
	}
}

func TestQueryCacheNilIsAlwaysMiss(t *testing.T) {
	var qc *queryCache
	if _, _, ok := qc.get(context.Background(), nil, Filter{}); ok {
		t.Error("nil cache should always miss")
	}
	qc.set(context.Background(), nil, Filter{}, nil, false) // must not panic
}
