package timeline

import (
	"sync/atomic"
	"time"
)

// Engine-wide counters. These are observational only and never feed back into
// query policy.
var (
	droppedLiveTotal    atomic.Int64
	subBufferDropTotal  atomic.Int64
	malformedDropTotal  atomic.Int64
	queryCacheHitsTotal atomic.Int64
	queryCacheMissTotal atomic.Int64
)

// DroppedLiveEvents returns how many live events were discarded because a
// session consumer's live channel was full.
func DroppedLiveEvents() int64 {
	return droppedLiveTotal.Load()
}

// SubscriptionBufferDrops returns how many inbound events were discarded
// because a subscription's receive buffer was full before dispatch could
// drain it.
func SubscriptionBufferDrops() int64 {
	return subBufferDropTotal.Load()
}

// MalformedEventsDropped returns how many inbound events failed verification.
func MalformedEventsDropped() int64 {
	return malformedDropTotal.Load()
}

// QueryCacheStats returns query cache hit/miss counts.
func QueryCacheStats() (hits, misses int64) {
	return queryCacheHitsTotal.Load(), queryCacheMissTotal.Load()
}

// maxMetricsHistory bounds the EOSE manager's per-query metrics history.
const maxMetricsHistory = 100

// QueryMetrics is the timing snapshot recorded when a query's state is torn
// down. Zero time values mean the corresponding milestone never happened.
type QueryMetrics struct {
	Key              string
	Preset           Preset
	StartTime        time.Time
	FirstEoseTime    time.Time
	InitialBatchTime time.Time
	AllCompleteTime  time.Time
	TotalRequests    int
	EosedCount       int
}

// PresetStats is the per-preset slice of a metrics summary.
type PresetStats struct {
	Count           int
	AvgInitialBatch time.Duration
}

// MetricsSummary aggregates the recorded history.
type MetricsSummary struct {
	Queries         int
	AvgFirstEose    time.Duration
	AvgInitialBatch time.Duration
	AvgComplete     time.Duration
	ByPreset        map[Preset]PresetStats
}

// summarize computes averages across history entries, skipping milestones
// that never happened for a given query.
func summarize(history []QueryMetrics) MetricsSummary {
	s := MetricsSummary{
		Queries:  len(history),
		ByPreset: make(map[Preset]PresetStats),
	}

	var firstEoseSum, initialBatchSum, completeSum time.Duration
	var firstEoseN, initialBatchN, completeN int
	presetSums := make(map[Preset]time.Duration)

	for _, m := range history {
		if !m.FirstEoseTime.IsZero() {
			firstEoseSum += m.FirstEoseTime.Sub(m.StartTime)
			firstEoseN++
		}

		ps := s.ByPreset[m.Preset]
		ps.Count++
		if !m.InitialBatchTime.IsZero() {
			d := m.InitialBatchTime.Sub(m.StartTime)
			initialBatchSum += d
			initialBatchN++
			presetSums[m.Preset] += d
		}
		s.ByPreset[m.Preset] = ps

		if !m.AllCompleteTime.IsZero() {
			completeSum += m.AllCompleteTime.Sub(m.StartTime)
			completeN++
		}
	}

	if firstEoseN > 0 {
		s.AvgFirstEose = firstEoseSum / time.Duration(firstEoseN)
	}
	if initialBatchN > 0 {
		s.AvgInitialBatch = initialBatchSum / time.Duration(initialBatchN)
	}
	if completeN > 0 {
		s.AvgComplete = completeSum / time.Duration(completeN)
	}

	for preset, ps := range s.ByPreset {
		if ps.Count > 0 {
			if sum, ok := presetSums[preset]; ok {
				// Average only over queries that reached an initial batch.
				n := 0
				for _, m := range history {
					if m.Preset == preset && !m.InitialBatchTime.IsZero() {
						n++
					}
				}
				if n > 0 {
					ps.AvgInitialBatch = sum / time.Duration(n)
				}
			}
			s.ByPreset[preset] = ps
		}
	}

	return s
}
