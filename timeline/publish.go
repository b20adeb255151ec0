package timeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// PublishPolicy decides how many relay acceptances count as success.
type PublishPolicy int

const (
	// PublishAny succeeds when at least one relay accepts.
	PublishAny PublishPolicy = iota
	// PublishMajority succeeds when more than half of the relays accept.
	PublishMajority
	// PublishAll succeeds only when every relay accepts.
	PublishAll
)

// PublishResult is the per-relay outcome of a publish.
type PublishResult struct {
	Relay  string
	OK     bool
	Reason string
}

type PublishResults []PublishResult

// Accepted returns how many relays accepted the event.
func (rs PublishResults) Accepted() int {
	n := 0
	for _, r := range rs {
		if r.OK {
			n++
		}
	}
	return n
}

// Satisfies reports whether the outcomes meet the policy.
func (rs PublishResults) Satisfies(policy PublishPolicy) bool {
	accepted := rs.Accepted()
	switch policy {
	case PublishAll:
		return accepted == len(rs)
	case PublishMajority:
		return accepted*2 > len(rs)
	default:
		return accepted > 0
	}
}

const maxConcurrentPublishes = 8

// Publish sends the event to every relay concurrently and reports each
// relay's OK verdict. An unsigned event is signed with the engine's signer
// first; without one the call fails up front. Per-relay failures land in the
// results, not the error.
func (e *Engine) Publish(ctx context.Context, relays []string, evt Event) (PublishResults, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}

	if evt.Sig == "" {
		if e.signer == nil {
			return nil, ErrUnsignedEvent
		}
		if err := e.signer(ctx, &evt); err != nil {
			return nil, fmt.Errorf("signing event: %w", err)
		}
	}

	results := make(PublishResults, len(relays))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPublishes)
	for i, relayURL := range relays {
		i, relayURL := i, relayURL
		g.Go(func() error {
			accepted, reason, err := e.pool.PublishEvent(gctx, relayURL, evt)
			if err != nil {
				results[i] = PublishResult{Relay: relayURL, Reason: err.Error()}
				return nil
			}
			results[i] = PublishResult{Relay: relayURL, OK: accepted, Reason: reason}
			return nil
		})
	}
	g.Wait()

	e.log.Info("event published",
		"event_id", shortID(evt.ID),
		"kind", evt.Kind,
		"accepted", results.Accepted(),
		"relays", len(relays))
	return results, nil
}
