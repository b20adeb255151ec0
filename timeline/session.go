package timeline

import (
	"context"
	"sync"
	"sync/atomic"
)

// Batch is one delivery of the merged result set. Eosed is true exactly once
// per session, on the initial batch emission; earlier batches stream partial
// progress.
type Batch struct {
	Records []Event
	Eosed   bool
}

// TimelineSession is the caller-facing handle for one logical request. Batch
// updates arrive on Batches (capacity 1, coalescing: a slow consumer always
// sees the newest merged state), records arriving after the initial emission
// on Live (bounded, dropped and counted on overflow).
type TimelineSession struct {
	Key string

	engine   *Engine
	groups   []RelayGroup
	preset   Preset
	needSort bool

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	agg         *aggregator
	emitted     bool
	genuineEose int // EOSEs from live relays, as opposed to closed-as-EOSE
	hasMore     bool
	closed      bool

	batches chan Batch
	live    chan Event

	loading   atomic.Bool
	closeOnce sync.Once
}

// Batches returns the merged-batch stream. The channel closes on Close.
func (s *TimelineSession) Batches() <-chan Batch {
	return s.batches
}

// Live returns the post-emission live record stream. The channel closes on
// Close.
func (s *TimelineSession) Live() <-chan Event {
	return s.live
}

// HasMore reports whether older records may still exist. It stays true when
// the initial batch was forced out by the max-wait ceiling with nothing
// confirmed; it turns false only once a relay-confirmed empty batch or an
// empty backfill page proves the end.
func (s *TimelineSession) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Size returns the current merged batch length.
func (s *TimelineSession) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.size()
}

// NextCursor returns the timestamp to pass to LoadMore: one second before the
// oldest visible record, or 0 when the batch is empty.
func (s *TimelineSession) NextCursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldest := s.agg.oldest()
	if oldest == 0 {
		return 0
	}
	return oldest - 1
}

// Close tears the session down: cancels both timers, closes every sub-query
// handle and makes both channels permanently quiet. Safe to call repeatedly;
// messages still in flight are discarded.
func (s *TimelineSession) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.batches)
		close(s.live)
		s.mu.Unlock()

		s.cancel()
		s.engine.eose.Cleanup(s.Key)
		s.engine.removeSession(s.Key)
	})
}

// LoadMore fetches records older than before (inclusive) and appends the
// non-duplicates to the session. An empty page clears hasMore. Overlapping
// calls are rejected with ErrLoadInProgress; callers gate on resolution.
func (s *TimelineSession) LoadMore(ctx context.Context, before int64, limit int) ([]Event, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}

	if !s.loading.CompareAndSwap(false, true) {
		return nil, ErrLoadInProgress
	}
	defer s.loading.Store(false)

	// Same filters, shifted time window.
	groups := make([]RelayGroup, len(s.groups))
	for i, g := range s.groups {
		f := g.Filter.Clone()
		until := before
		f.Until = &until
		if limit > 0 {
			f.Limit = limit
		}
		groups[i] = RelayGroup{Name: g.Name, Addresses: g.Addresses, Filter: f}
	}

	events, _, err := s.engine.fetchOnce(ctx, groups, s.preset, s.needSort, limit)
	if err != nil {
		return nil, err
	}

	// Relays are not all strict about until; enforce the cursor here.
	page := make([]Event, 0, len(events))
	for _, evt := range events {
		if evt.CreatedAt <= before {
			page = append(page, evt)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	added := s.agg.appendPage(page)
	if len(added) == 0 {
		s.hasMore = false
	}
	return added, nil
}

// ingest folds one inbound record into the merged view. Pre-emission it
// streams the updated batch; post-emission new records go out individually on
// Live.
func (s *TimelineSession) ingest(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.agg.add(evt) {
		return
	}

	if s.emitted {
		s.sendLiveLocked(evt)
		return
	}
	s.sendBatchLocked(Batch{Records: s.agg.snapshot()})
}

// noteEose records one sub-query finishing. genuine distinguishes a real EOSE
// from a dead connection counted as one. sendProgress streams the current
// batch unless the final emission is about to happen anyway.
func (s *TimelineSession) noteEose(genuine, sendProgress bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if genuine {
		s.genuineEose++
	}
	if sendProgress && !s.emitted {
		s.sendBatchLocked(Batch{Records: s.agg.snapshot()})
	}
}

// emitInitial locks in the initial batch. Monotonic: the manager's emitted
// flag flips exactly once, every later call is a no-op.
func (s *TimelineSession) emitInitial() {
	if !s.engine.eose.MarkInitialBatchEmitted(s.Key) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.emitted = true
	records := s.agg.snapshot()
	if len(records) == 0 && s.genuineEose > 0 {
		// Confirmed empty, not timed-out empty.
		s.hasMore = false
	}
	s.sendBatchLocked(Batch{Records: records, Eosed: true})
}

// sendBatchLocked delivers on the coalescing batch channel: when the consumer
// lags, the stale batch is replaced by the current one.
func (s *TimelineSession) sendBatchLocked(b Batch) {
	select {
	case s.batches <- b:
		return
	default:
	}
	select {
	case <-s.batches:
	default:
	}
	select {
	case s.batches <- b:
	default:
	}
}

func (s *TimelineSession) sendLiveLocked(evt Event) {
	select {
	case s.live <- evt:
	default:
		droppedLiveTotal.Add(1)
	}
}
