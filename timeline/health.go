package timeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"nostr-timeline/internal/cache"
)

// relayStats is the persisted per-relay health record.
type relayStats struct {
	AvgResponseTimeMs int64 `json:"avg_ms"`
	ResponseCount     int   `json:"count"`
	LastResponse      int64 `json:"last"`
	FailureCount      int   `json:"failures"`
	BackoffUntil      int64 `json:"backoff_until"`
}

const relayStatsTTL = 1 * time.Hour

// RelayHealth tracks per-relay responsiveness through the cache backend so
// the numbers survive across engine instances when Redis is configured. All
// reads fail open: a broken backend never blocks a dispatch.
type RelayHealth struct {
	backend cache.Backend
	prefix  string
	clock   clockwork.Clock
	log     *slog.Logger
}

func NewRelayHealth(backend cache.Backend, clock clockwork.Clock, log *slog.Logger) *RelayHealth {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &RelayHealth{
		backend: backend,
		prefix:  "relay_health:",
		clock:   clock,
		log:     log,
	}
}

func (h *RelayHealth) getStats(relayURL string) *relayStats {
	data, found, err := h.backend.Get(context.Background(), h.prefix+relayURL)
	if err != nil || !found {
		return &relayStats{}
	}
	var stats relayStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return &relayStats{}
	}
	return &stats
}

func (h *RelayHealth) setStats(relayURL string, stats *relayStats) {
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	h.backend.Set(context.Background(), h.prefix+relayURL, data, relayStatsTTL)
}

// ShouldSkip reports whether the relay is inside a failure backoff window.
func (h *RelayHealth) ShouldSkip(relayURL string) bool {
	stats := h.getStats(relayURL)
	return stats.BackoffUntil > 0 && h.clock.Now().Unix() < stats.BackoffUntil
}

// RecordFailure escalates the backoff window per consecutive failure.
func (h *RelayHealth) RecordFailure(relayURL string) {
	stats := h.getStats(relayURL)
	stats.FailureCount++

	var backoff time.Duration
	switch {
	case stats.FailureCount <= 1:
		backoff = 30 * time.Second
	case stats.FailureCount == 2:
		backoff = 60 * time.Second
	case stats.FailureCount == 3:
		backoff = 2 * time.Minute
	default:
		backoff = 5 * time.Minute
	}

	stats.BackoffUntil = h.clock.Now().Add(backoff).Unix()
	h.setStats(relayURL, stats)

	h.log.Warn("relay connection failed",
		"relay", relayURL,
		"failure_count", stats.FailureCount,
		"backoff_until", time.Unix(stats.BackoffUntil, 0).Format("15:04:05"))
}

// RecordSuccess clears failure state.
func (h *RelayHealth) RecordSuccess(relayURL string) {
	stats := h.getStats(relayURL)
	stats.FailureCount = 0
	stats.BackoffUntil = 0
	h.setStats(relayURL, stats)
}

// RecordResponseTime folds one observed time-to-EOSE into the relay's moving
// average.
func (h *RelayHealth) RecordResponseTime(relayURL string, duration time.Duration) {
	stats := h.getStats(relayURL)

	// Exponential moving average (alpha=0.3)
	durationMs := duration.Milliseconds()
	if stats.ResponseCount == 0 {
		stats.AvgResponseTimeMs = durationMs
	} else {
		alpha := 0.3
		stats.AvgResponseTimeMs = int64(alpha*float64(durationMs) + (1-alpha)*float64(stats.AvgResponseTimeMs))
	}

	stats.ResponseCount++
	stats.LastResponse = h.clock.Now().Unix()
	h.setStats(relayURL, stats)
}

// AverageResponseTime returns the relay's observed average, or 1s when
// nothing has been recorded.
func (h *RelayHealth) AverageResponseTime(relayURL string) time.Duration {
	stats := h.getStats(relayURL)
	if stats.ResponseCount == 0 {
		return 1 * time.Second
	}
	return time.Duration(stats.AvgResponseTimeMs) * time.Millisecond
}

func (h *RelayHealth) score(relayURL string) int {
	stats := h.getStats(relayURL)
	score := 50

	if stats.ResponseCount > 0 {
		switch {
		case stats.AvgResponseTimeMs < 200:
			score = 50
		case stats.AvgResponseTimeMs < 500:
			score = 40
		case stats.AvgResponseTimeMs < 1000:
			score = 25
		default:
			score = 10
		}

		bonus := stats.ResponseCount
		if bonus > 10 {
			bonus = 10
		}
		score += bonus
	}

	penalty := stats.FailureCount * 10
	if penalty > 30 {
		penalty = 30
	}
	score -= penalty

	if stats.BackoffUntil > 0 && h.clock.Now().Unix() < stats.BackoffUntil {
		score -= 20
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// SortByScore returns the relays ordered best-first.
func (h *RelayHealth) SortByScore(relays []string) []string {
	if len(relays) <= 1 {
		return relays
	}

	scores := make(map[string]int, len(relays))
	for _, relay := range relays {
		scores[relay] = h.score(relay)
	}

	sorted := make([]string, len(relays))
	copy(sorted, relays)
	sort.SliceStable(sorted, func(i, j int) bool {
		return scores[sorted[i]] > scores[sorted[j]]
	})
	return sorted
}

// ExpectedResponseTime estimates how long it should take for minRelays of the
// given set to answer, clamped to a sane window.
func (h *RelayHealth) ExpectedResponseTime(relays []string, minRelays int) time.Duration {
	if len(relays) == 0 {
		return 500 * time.Millisecond
	}

	times := make([]time.Duration, 0, len(relays))
	for _, relay := range relays {
		times = append(times, h.AverageResponseTime(relay))
	}
	sort.Slice(times, func(i, j int) bool {
		return times[i] < times[j]
	})

	idx := minRelays - 1
	if idx >= len(times) {
		idx = len(times) - 1
	}
	if idx < 0 {
		idx = 0
	}

	expected := times[idx] + times[idx]/2 // +50% buffer
	if expected < 200*time.Millisecond {
		expected = 200 * time.Millisecond
	}
	if expected > 2*time.Second {
		expected = 2 * time.Second
	}
	return expected
}
