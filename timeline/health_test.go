package timeline

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"nostr-timeline/internal/cache"
)

func newTestHealth(t *testing.T) (*RelayHealth, *clockwork.FakeClock) {
	t.Helper()
	backend := cache.NewMemoryCache(1000, time.Minute)
	t.Cleanup(func() { backend.Close() })
	clock := clockwork.NewFakeClock()
	return NewRelayHealth(backend, clock, nil), clock
}

func TestHealthBackoffEscalates(t *testing.T) {
	h, clock := newTestHealth(t)
	relay := "wss://flaky.example.com"

	h.RecordFailure(relay)
	if !h.ShouldSkip(relay) {
		t.Fatal("relay should be in backoff after first failure")
	}
	clock.Advance(31 * time.Second)
	if h.ShouldSkip(relay) {
		t.Fatal("30s backoff should have expired")
	}

	h.RecordFailure(relay)
	clock.Advance(31 * time.Second)
	if !h.ShouldSkip(relay) {
		t.Fatal("second failure should back off for 60s")
	}
	clock.Advance(30 * time.Second)
	if h.ShouldSkip(relay) {
		t.Fatal("60s backoff should have expired")
	}

	h.RecordFailure(relay)
	clock.Advance(100 * time.Second)
	if !h.ShouldSkip(relay) {
		t.Fatal("third failure should back off for 2m")
	}

	h.RecordSuccess(relay)
	if h.ShouldSkip(relay) {
		t.Fatal("success should clear the backoff")
	}
}

func TestHealthAverageResponseTime(t *testing.T) {
	h, _ := newTestHealth(t)
	relay := "wss://relay.example.com"

	if got := h.AverageResponseTime(relay); got != time.Second {
		t.Errorf("default average = %v, want 1s", got)
	}

	h.RecordResponseTime(relay, 100*time.Millisecond)
	if got := h.AverageResponseTime(relay); got != 100*time.Millisecond {
		t.Errorf("first sample average = %v, want 100ms", got)
	}

	// EMA with alpha 0.3: 0.3*500 + 0.7*100 = 220ms
	h.RecordResponseTime(relay, 500*time.Millisecond)
	if got := h.AverageResponseTime(relay); got != 220*time.Millisecond {
		t.Errorf("EMA average = %v, want 220ms", got)
	}
}

func TestHealthSortByScore(t *testing.T) {
	h, _ := newTestHealth(t)
	fast := "wss://fast.example.com"
	slow := "wss://slow.example.com"
	broken := "wss://broken.example.com"

	for i := 0; i < 5; i++ {
		h.RecordResponseTime(fast, 100*time.Millisecond)
		h.RecordResponseTime(slow, 1500*time.Millisecond)
	}
	h.RecordFailure(broken)
	h.RecordFailure(broken)
	h.RecordFailure(broken)

	sorted := h.SortByScore([]string{broken, slow, fast})
	if sorted[0] != fast {
		t.Errorf("best relay = %s, want %s", sorted[0], fast)
	}
	if sorted[2] != broken {
		t.Errorf("worst relay = %s, want %s", sorted[2], broken)
	}
}

func TestHealthExpectedResponseTimeClamps(t *testing.T) {
	h, _ := newTestHealth(t)

	if got := h.ExpectedResponseTime(nil, 1); got != 500*time.Millisecond {
		t.Errorf("no relays = %v, want 500ms", got)
	}

	fast := "wss://fast.example.com"
	h.RecordResponseTime(fast, 50*time.Millisecond)
	if got := h.ExpectedResponseTime([]string{fast}, 1); got != 200*time.Millisecond {
		t.Errorf("fast relay = %v, want 200ms floor", got)
	}

	slow := "wss://slow.example.com"
	h.RecordResponseTime(slow, 10*time.Second)
	if got := h.ExpectedResponseTime([]string{slow}, 1); got != 2*time.Second {
		t.Errorf("slow relay = %v, want 2s ceiling", got)
	}

	// minRelays beyond the set clamps to the slowest member.
	if got := h.ExpectedResponseTime([]string{fast}, 5); got != 200*time.Millisecond {
		t.Errorf("minRelays overflow = %v, want 200ms", got)
	}
}
