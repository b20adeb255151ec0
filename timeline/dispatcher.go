package timeline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"nostr-timeline/internal/cache"
)

const defaultLiveBuffer = 64

// Options configures an Engine. Zero values give a real clock, an in-memory
// cache backend, the default logger, no signer and the default live buffer.
type Options struct {
	// Clock is swapped for a fake in tests to drive the EOSE timers.
	Clock clockwork.Clock

	// CacheBackend stores relay health and one-shot query results. Nil gets
	// an in-memory backend.
	CacheBackend cache.Backend

	// Signer answers relay AUTH challenges and signs outgoing events that
	// arrive unsigned. Optional.
	Signer Signer

	Logger *slog.Logger

	// LiveBuffer caps each session's live channel. Records beyond it are
	// dropped and counted.
	LiveBuffer int
}

// SubscribeOptions tunes one timeline dispatch.
type SubscribeOptions struct {
	Preset Preset

	// DisableSort keeps relay arrival order instead of created_at ordering.
	DisableSort bool
}

// Engine owns the relay pool, the EOSE manager and the live sessions. One
// Engine per process is typical, but nothing here is global: tests run several
// side by side.
type Engine struct {
	pool   *RelayPool
	eose   *EoseManager
	health *RelayHealth
	qcache *queryCache
	signer Signer
	clock  clockwork.Clock
	log    *slog.Logger

	liveBuffer int

	mu       sync.Mutex
	sessions map[string]*TimelineSession
}

func NewEngine(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	backend := opts.CacheBackend
	if backend == nil {
		backend = cache.NewMemoryCache(10000, 2*time.Minute)
	}
	liveBuffer := opts.LiveBuffer
	if liveBuffer <= 0 {
		liveBuffer = defaultLiveBuffer
	}

	var authFn AuthFunc
	if opts.Signer != nil {
		authFn = authFromSigner(opts.Signer)
	}

	return &Engine{
		pool:       NewRelayPool(authFn, log),
		eose:       NewEoseManager(clock, log),
		health:     NewRelayHealth(backend, clock, log),
		qcache:     newQueryCache(backend, log),
		signer:     opts.Signer,
		clock:      clock,
		log:        log,
		liveBuffer: liveBuffer,
		sessions:   make(map[string]*TimelineSession),
	}
}

// Eose exposes the engine's EOSE manager, mainly for metrics summaries.
func (e *Engine) Eose() *EoseManager {
	return e.eose
}

// Health exposes the relay health tracker.
func (e *Engine) Health() *RelayHealth {
	return e.health
}

// SubscribeTimeline dispatches one sub-query per (group, relay address) and
// returns a live session. The expected EOSE count is fixed here, before any
// connection is attempted, so late failures shrink nothing.
func (e *Engine) SubscribeTimeline(ctx context.Context, groups []RelayGroup, opts SubscribeOptions) (*TimelineSession, error) {
	total := 0
	for _, g := range groups {
		total += len(g.Addresses)
	}
	if total == 0 {
		return nil, ErrNoRelays
	}

	key := newTimelineKey()
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s := &TimelineSession{
		Key:      key,
		engine:   e,
		groups:   cloneGroups(groups),
		preset:   opts.Preset,
		needSort: !opts.DisableSort,
		ctx:      sctx,
		cancel:   cancel,
		agg:      newAggregator(!opts.DisableSort),
		hasMore:  true,
		batches:  make(chan Batch, 1),
		live:     make(chan Event, e.liveBuffer),
	}

	e.mu.Lock()
	e.sessions[key] = s
	e.mu.Unlock()

	e.eose.Register(key, total, opts.Preset, s.emitInitial)

	for _, g := range groups {
		for _, relayURL := range e.health.SortByScore(g.Addresses) {
			go e.runSubQuery(sctx, s, relayURL, g.Filter)
		}
	}

	e.log.Debug("timeline dispatched",
		"key", key,
		"groups", len(groups),
		"relays", total,
		"preset", opts.Preset.String())
	return s, nil
}

// Session returns the live session for a timeline key.
func (e *Engine) Session(key string) (*TimelineSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[key]
	if !ok {
		return nil, ErrUnknownTimeline
	}
	return s, nil
}

// LoadMoreTimeline pages the identified timeline back in time. See
// TimelineSession.LoadMore.
func (e *Engine) LoadMoreTimeline(ctx context.Context, key string, before int64, limit int) ([]Event, error) {
	s, err := e.Session(key)
	if err != nil {
		return nil, err
	}
	return s.LoadMore(ctx, before, limit)
}

// Close shuts down every session and the relay pool.
func (e *Engine) Close() {
	e.mu.Lock()
	sessions := make([]*TimelineSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	e.pool.Close()
}

func (e *Engine) removeSession(key string) {
	e.mu.Lock()
	delete(e.sessions, key)
	e.mu.Unlock()
}

// runSubQuery drives one relay subscription for a session. Every terminal
// outcome (EOSE, CLOSED, dial failure, backoff skip) counts toward the
// session's expected EOSE total exactly once; only a real EOSE keeps the
// sub-query alive for live records afterward.
func (e *Engine) runSubQuery(ctx context.Context, s *TimelineSession, relayURL string, filter Filter) {
	if e.health.ShouldSkip(relayURL) {
		e.log.Debug("skipping relay in backoff", "relay", relayURL, "key", s.Key)
		e.finishSubQuery(s, false)
		return
	}

	start := e.clock.Now()
	sub, err := e.pool.Subscribe(ctx, relayURL, newSubID(s.Key), filter)
	if err != nil {
		e.health.RecordFailure(relayURL)
		e.log.Debug("sub-query dial failed", "relay", relayURL, "key", s.Key, "error", err)
		e.finishSubQuery(s, false)
		return
	}
	defer e.pool.Unsubscribe(relayURL, sub)

	eoseSeen := false
	for {
		select {
		case <-ctx.Done():
			return

		case evt := <-sub.Events:
			s.ingest(evt)

		case <-sub.Eose:
			// The read loop delivers events before the EOSE marker on the
			// same goroutine, so draining the buffer here guarantees every
			// stored record reaches the aggregator first.
			drainEvents(sub, s)
			if !eoseSeen {
				eoseSeen = true
				e.health.RecordSuccess(relayURL)
				e.health.RecordResponseTime(relayURL, e.clock.Since(start))
				e.finishSubQuery(s, true)
			}

		case reason := <-sub.Closed:
			drainEvents(sub, s)
			if !eoseSeen {
				e.log.Debug("sub-query closed by relay", "relay", relayURL, "key", s.Key, "reason", reason)
				e.finishSubQuery(s, false)
			}
			return

		case <-sub.Done:
			drainEvents(sub, s)
			if !eoseSeen {
				e.finishSubQuery(s, false)
			}
			return
		}
	}
}

func drainEvents(sub *Subscription, s *TimelineSession) {
	for {
		select {
		case evt := <-sub.Events:
			s.ingest(evt)
		default:
			return
		}
	}
}

// finishSubQuery feeds one terminal sub-query outcome through the EOSE
// manager and the session, in that order: the settle timer must be armed
// before the session streams its progress batch.
func (e *Engine) finishSubQuery(s *TimelineSession, genuine bool) {
	emitNow := e.eose.RecordEose(s.Key)
	s.noteEose(genuine, !emitNow)
	if emitNow {
		s.emitInitial()
	}
	if e.eose.AllComplete(s.Key) {
		e.eose.Cleanup(s.Key)
	}
}

// fetchOnce runs a one-shot bounded fan-out: subscribe everywhere, collect
// until every sub-query reaches EOSE or is closed, or the preset's max wait
// runs
// out. Used for backfill pages, where no live tail is wanted.
func (e *Engine) fetchOnce(ctx context.Context, groups []RelayGroup, preset Preset, needSort bool, limit int) ([]Event, bool, error) {
	type subUnit struct {
		relayURL string
		filter   Filter
	}
	var units []subUnit
	for _, g := range groups {
		for _, relayURL := range g.Addresses {
			if e.health.ShouldSkip(relayURL) {
				continue
			}
			units = append(units, subUnit{relayURL: relayURL, filter: g.Filter})
		}
	}
	if len(units) == 0 {
		return nil, false, ErrNoRelays
	}

	// Single-group fetches are cacheable: the key covers relays and filter.
	cacheable := e.qcache != nil && len(groups) == 1
	if cacheable {
		if events, eose, ok := e.qcache.get(ctx, groups[0].Addresses, groups[0].Filter); ok {
			return events, eose, nil
		}
	}

	cfg := preset.Config()
	fctx, cancel := context.WithTimeout(ctx, cfg.MaxWait)
	defer cancel()

	eventCh := make(chan Event, 256)
	outcomeCh := make(chan bool, len(units))

	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func(relayURL string, filter Filter) {
			defer wg.Done()
			start := e.clock.Now()
			sub, err := e.pool.Subscribe(fctx, relayURL, "page-"+randomID(6), filter)
			if err != nil {
				e.health.RecordFailure(relayURL)
				outcomeCh <- false
				return
			}
			defer e.pool.Unsubscribe(relayURL, sub)

			for {
				select {
				case <-fctx.Done():
					return
				case evt := <-sub.Events:
					select {
					case eventCh <- evt:
					case <-fctx.Done():
						return
					}
				case <-sub.Eose:
					for {
						select {
						case evt := <-sub.Events:
							select {
							case eventCh <- evt:
							case <-fctx.Done():
								return
							}
						default:
							e.health.RecordSuccess(relayURL)
							e.health.RecordResponseTime(relayURL, e.clock.Since(start))
							outcomeCh <- true
							return
						}
					}
				case <-sub.Closed:
					outcomeCh <- false
					return
				case <-sub.Done:
					outcomeCh <- false
					return
				}
			}
		}(u.relayURL, u.filter)
	}

	go func() {
		wg.Wait()
		close(eventCh)
		close(outcomeCh)
	}()

	seen := make(map[string]bool)
	var events []Event
	for evt := range eventCh {
		if seen[evt.ID] {
			continue
		}
		seen[evt.ID] = true
		events = append(events, evt)
	}

	eosed := 0
	for ok := range outcomeCh {
		if ok {
			eosed++
		}
	}
	allEose := eosed == len(units)

	if needSort {
		sort.Slice(events, func(i, j int) bool {
			if events[i].CreatedAt != events[j].CreatedAt {
				return events[i].CreatedAt > events[j].CreatedAt
			}
			return events[i].ID > events[j].ID
		})
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	if cacheable {
		e.qcache.set(ctx, groups[0].Addresses, groups[0].Filter, events, allEose)
	}
	return events, allEose, nil
}

func cloneGroups(groups []RelayGroup) []RelayGroup {
	out := make([]RelayGroup, len(groups))
	for i, g := range groups {
		addrs := make([]string, len(g.Addresses))
		copy(addrs, g.Addresses)
		out[i] = RelayGroup{Name: g.Name, Addresses: addrs, Filter: g.Filter.Clone()}
	}
	return out
}

// authFromSigner builds a kind 22242 challenge response per NIP-42.
func authFromSigner(signer Signer) AuthFunc {
	return func(ctx context.Context, relayURL, challenge string) (*Event, error) {
		evt := &Event{
			Kind:      22242,
			CreatedAt: time.Now().Unix(),
			Tags: [][]string{
				{"relay", relayURL},
				{"challenge", challenge},
			},
		}
		if err := signer(ctx, evt); err != nil {
			return nil, err
		}
		return evt, nil
	}
}

func newTimelineKey() string {
	return "tl-" + randomID(8)
}

func newSubID(key string) string {
	return key + "-" + randomID(4)
}

func randomID(nBytes int) string {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// Key uniqueness is load-bearing: a zero-byte key would silently
		// collide sessions and subscriptions.
		panic("timeline: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
