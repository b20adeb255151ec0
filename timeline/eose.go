package timeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// queryState tracks EOSE progress for one logical request. Both timers are
// owned here and cancelled as a unit; a stale timer can never outlive its
// query.
type queryState struct {
	key           string
	preset        Preset
	totalRequests int
	eosedCount    int

	initialBatchEmitted bool // one-way
	allComplete         bool // one-way

	startTime        time.Time
	firstEoseTime    time.Time
	initialBatchTime time.Time
	allCompleteTime  time.Time

	settleTimer  clockwork.Timer
	maxWaitTimer clockwork.Timer

	emit func()
}

// EoseManager decides when "close enough" backfill becomes "show it now".
// One instance per Engine; tests may run several isolated instances.
type EoseManager struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	log     *slog.Logger
	queries map[string]*queryState
	history []QueryMetrics
}

// NewEoseManager builds a manager around the given clock. A nil clock means
// the real one.
func NewEoseManager(clock clockwork.Clock, log *slog.Logger) *EoseManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &EoseManager{
		clock:   clock,
		log:     log,
		queries: make(map[string]*queryState),
	}
}

// Register creates the query state for a logical request. totalRequests is
// fixed at dispatch time. emit is invoked (once, off-lock) when the policy or
// a timer decides the initial batch should go out; it must be safe to call
// from a timer goroutine.
func (m *EoseManager) Register(key string, totalRequests int, preset Preset, emit func()) {
	cfg := preset.Config()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queries[key]; ok {
		return
	}

	st := &queryState{
		key:           key,
		preset:        preset,
		totalRequests: totalRequests,
		startTime:     m.clock.Now(),
		emit:          emit,
	}
	// Hard ceiling: fires unconditionally if the batch is still pending.
	st.maxWaitTimer = m.clock.AfterFunc(cfg.MaxWait, func() {
		m.fireMaxWait(key)
	})
	m.queries[key] = st
}

// RecordEose registers one sub-query reporting end-of-stored-events (or an
// EOSE-equivalent such as a dead connection). It returns true when the caller
// should emit the initial batch right now, which happens only on allComplete.
// Otherwise progress (re-)arms the settle timer once the preset's minimum is
// met, giving a short grace window for more relays to land.
func (m *EoseManager) RecordEose(key string) (emitNow bool) {
	m.mu.Lock()
	st, ok := m.queries[key]
	if !ok || st.allComplete {
		m.mu.Unlock()
		return false
	}

	st.eosedCount++
	if st.firstEoseTime.IsZero() {
		st.firstEoseTime = m.clock.Now()
	}

	cfg := st.preset.Config()

	if st.eosedCount >= st.totalRequests {
		st.allComplete = true
		st.allCompleteTime = m.clock.Now()
		st.stopTimers()
		emitNow = !st.initialBatchEmitted
		m.mu.Unlock()
		return emitNow
	}

	if st.eosedCount >= cfg.MinRelaysBeforeTimeout && !st.initialBatchEmitted {
		if st.settleTimer == nil {
			st.settleTimer = m.clock.AfterFunc(cfg.EoseTimeout, func() {
				m.fireSettle(key)
			})
		} else {
			st.settleTimer.Reset(cfg.EoseTimeout)
		}
	}
	m.mu.Unlock()
	return false
}

// ShouldEmitInitialBatch applies the emission policy: never twice, always on
// allComplete, otherwise only once enough sub-queries reported EOSE.
func (m *EoseManager) ShouldEmitInitialBatch(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.queries[key]
	if !ok || st.initialBatchEmitted {
		return false
	}
	if st.allComplete {
		return true
	}
	return st.eosedCount >= st.preset.Config().MinRelaysBeforeTimeout
}

// MarkInitialBatchEmitted flips the one-way emitted flag and clears both
// timers. Returns false when the batch was already emitted (or the query is
// gone), so emission paths can race safely.
func (m *EoseManager) MarkInitialBatchEmitted(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.queries[key]
	if !ok || st.initialBatchEmitted {
		return false
	}
	st.initialBatchEmitted = true
	st.initialBatchTime = m.clock.Now()
	st.stopTimers()
	return true
}

// AllComplete reports whether every sub-query of the request reached EOSE.
func (m *EoseManager) AllComplete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.queries[key]
	return ok && st.allComplete
}

// EosedCount returns the number of sub-queries that reported EOSE so far.
func (m *EoseManager) EosedCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.queries[key]; ok {
		return st.eosedCount
	}
	return 0
}

// Cleanup tears down the query state and records one metrics snapshot.
// Idempotent: the second call for the same key is a no-op.
func (m *EoseManager) Cleanup(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.queries[key]
	if !ok {
		return
	}
	st.stopTimers()
	delete(m.queries, key)

	m.history = append(m.history, QueryMetrics{
		Key:              st.key,
		Preset:           st.preset,
		StartTime:        st.startTime,
		FirstEoseTime:    st.firstEoseTime,
		InitialBatchTime: st.initialBatchTime,
		AllCompleteTime:  st.allCompleteTime,
		TotalRequests:    st.totalRequests,
		EosedCount:       st.eosedCount,
	})
	if len(m.history) > maxMetricsHistory {
		m.history = m.history[len(m.history)-maxMetricsHistory:]
	}
}

// Summary aggregates the recorded metrics history.
func (m *EoseManager) Summary() MetricsSummary {
	m.mu.Lock()
	history := make([]QueryMetrics, len(m.history))
	copy(history, m.history)
	m.mu.Unlock()
	return summarize(history)
}

// History returns a copy of the recorded per-query metrics, newest last.
func (m *EoseManager) History() []QueryMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueryMetrics, len(m.history))
	copy(out, m.history)
	return out
}

func (m *EoseManager) fireSettle(key string) {
	m.mu.Lock()
	st, ok := m.queries[key]
	if !ok || st.initialBatchEmitted {
		m.mu.Unlock()
		return
	}
	if !st.allComplete && st.eosedCount < st.preset.Config().MinRelaysBeforeTimeout {
		m.mu.Unlock()
		return
	}
	emit := st.emit
	m.mu.Unlock()

	m.log.Debug("eose settle timer fired", "key", key)
	emit()
}

func (m *EoseManager) fireMaxWait(key string) {
	m.mu.Lock()
	st, ok := m.queries[key]
	if !ok || st.initialBatchEmitted {
		m.mu.Unlock()
		return
	}
	emit := st.emit
	eosed := st.eosedCount
	m.mu.Unlock()

	m.log.Warn("eose max wait reached, emitting best available batch", "key", key, "eosed", eosed)
	emit()
}

// stopTimers is idempotent; callers hold m.mu.
func (st *queryState) stopTimers() {
	if st.settleTimer != nil {
		st.settleTimer.Stop()
		st.settleTimer = nil
	}
	if st.maxWaitTimer != nil {
		st.maxWaitTimer.Stop()
		st.maxWaitTimer = nil
	}
}
