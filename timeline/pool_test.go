package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// fakeRelay is an in-process relay speaking just enough NIP-01 for the pool
// and engine tests: REQ answered from a stored set (honoring since/until/
// limit), EVENT answered with OK, CLOSE honored. stall suppresses EOSE,
// closeReason answers REQ with CLOSED instead.
type fakeRelay struct {
	t   *testing.T
	srv *httptest.Server
	URL string

	mu           sync.Mutex
	stored       []Event
	stall        bool
	closeReason  string
	rejectReason string
	reqDelay     time.Duration
	conns        []*fakeRelayConn
}

type fakeRelayConn struct {
	mu   sync.Mutex
	ws   *websocket.Conn
	subs map[string]bool
}

func (fc *fakeRelayConn) write(v interface{}) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.ws.WriteJSON(v)
}

func (fc *fakeRelayConn) subIDs() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]string, 0, len(fc.subs))
	for id := range fc.subs {
		out = append(out, id)
	}
	return out
}

func newFakeRelay(t *testing.T) *fakeRelay {
	fr := &fakeRelay{t: t}
	fr.srv = httptest.NewServer(http.HandlerFunc(fr.handle))
	fr.URL = "ws" + strings.TrimPrefix(fr.srv.URL, "http")
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeRelay) setStored(events []Event) {
	fr.mu.Lock()
	fr.stored = append([]Event(nil), events...)
	fr.mu.Unlock()
}

func (fr *fakeRelay) setReject(reason string) {
	fr.mu.Lock()
	fr.rejectReason = reason
	fr.mu.Unlock()
}

// broadcast pushes a live event to every open subscription.
func (fr *fakeRelay) broadcast(evt Event) {
	fr.mu.Lock()
	conns := append([]*fakeRelayConn(nil), fr.conns...)
	fr.mu.Unlock()

	for _, fc := range conns {
		for _, subID := range fc.subIDs() {
			fc.write([]interface{}{"EVENT", subID, &evt})
		}
	}
}

func (fr *fakeRelay) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeRelayConn{ws: ws, subs: make(map[string]bool)}
	fr.mu.Lock()
	fr.conns = append(fr.conns, fc)
	fr.mu.Unlock()

	for {
		var msg []json.RawMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		var typ string
		if err := json.Unmarshal(msg[0], &typ); err != nil {
			continue
		}

		switch typ {
		case "REQ":
			var subID string
			json.Unmarshal(msg[1], &subID)
			var filter map[string]interface{}
			if len(msg) >= 3 {
				json.Unmarshal(msg[2], &filter)
			}
			fr.serveReq(fc, subID, filter)

		case "EVENT":
			var evt Event
			if err := json.Unmarshal(msg[1], &evt); err != nil {
				continue
			}
			fr.mu.Lock()
			reject := fr.rejectReason
			if reject == "" {
				fr.stored = append(fr.stored, evt)
			}
			fr.mu.Unlock()
			if reject != "" {
				fc.write([]interface{}{"OK", evt.ID, false, reject})
			} else {
				fc.write([]interface{}{"OK", evt.ID, true, ""})
			}

		case "CLOSE":
			var subID string
			json.Unmarshal(msg[1], &subID)
			fc.mu.Lock()
			delete(fc.subs, subID)
			fc.mu.Unlock()
		}
	}
}

func (fr *fakeRelay) serveReq(fc *fakeRelayConn, subID string, filter map[string]interface{}) {
	fr.mu.Lock()
	delay := fr.reqDelay
	closeReason := fr.closeReason
	stall := fr.stall
	stored := append([]Event(nil), fr.stored...)
	fr.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if closeReason != "" {
		fc.write([]interface{}{"CLOSED", subID, closeReason})
		return
	}

	fc.mu.Lock()
	fc.subs[subID] = true
	fc.mu.Unlock()

	var since, until int64 = -1 << 62, 1 << 62
	limit := 0
	if v, ok := filter["since"].(float64); ok {
		since = int64(v)
	}
	if v, ok := filter["until"].(float64); ok {
		until = int64(v)
	}
	if v, ok := filter["limit"].(float64); ok {
		limit = int(v)
	}

	sent := 0
	for i := range stored {
		evt := stored[i]
		if evt.CreatedAt < since || evt.CreatedAt > until {
			continue
		}
		if limit > 0 && sent >= limit {
			break
		}
		fc.write([]interface{}{"EVENT", subID, &evt})
		sent++
	}
	if !stall {
		fc.write([]interface{}{"EOSE", subID})
	}
}

// signedEvents builds n verifiable events with descending created_at starting
// at newest.
func signedEvents(t *testing.T, n int, newest int64) []Event {
	t.Helper()
	signer, err := NewLocalSigner(testSecretHex)
	if err != nil {
		t.Fatalf("NewLocalSigner: %v", err)
	}
	events := make([]Event, n)
	for i := 0; i < n; i++ {
		evt := Event{
			Kind:      1,
			CreatedAt: newest - int64(i),
			Content:   fmt.Sprintf("note %d", i),
		}
		if err := signer(context.Background(), &evt); err != nil {
			t.Fatalf("sign: %v", err)
		}
		events[i] = evt
	}
	return events
}

func TestPoolSubscribeDeliversEventsThenEose(t *testing.T) {
	fr := newFakeRelay(t)
	fr.setStored(signedEvents(t, 3, 1000))

	pool := NewRelayPool(nil, nil)
	defer pool.Close()

	sub, err := pool.Subscribe(context.Background(), fr.URL, "sub1", Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer pool.Unsubscribe(fr.URL, sub)

	got := 0
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-sub.Events:
			if len(evt.RelaysSeen) != 1 || evt.RelaysSeen[0] != fr.URL {
				t.Errorf("RelaysSeen = %v, want [%s]", evt.RelaysSeen, fr.URL)
			}
			got++
		case <-sub.Eose:
			// Events are delivered ahead of the EOSE marker on the same
			// connection, so the buffer is drained by now.
			for {
				select {
				case <-sub.Events:
					got++
					continue
				default:
				}
				break
			}
			if got != 3 {
				t.Errorf("events before EOSE = %d, want 3", got)
			}
			return
		case reason := <-sub.Closed:
			t.Fatalf("unexpected CLOSED: %s", reason)
		case <-deadline:
			t.Fatal("timed out waiting for EOSE")
		}
	}
}

func TestPoolDropsEventsFailingVerification(t *testing.T) {
	fr := newFakeRelay(t)
	evts := signedEvents(t, 2, 1000)
	evts[1].Content = "tampered after signing"
	fr.setStored(evts)

	pool := NewRelayPool(nil, nil)
	defer pool.Close()

	sub, err := pool.Subscribe(context.Background(), fr.URL, "sub1", Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer pool.Unsubscribe(fr.URL, sub)

	select {
	case <-sub.Eose:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for EOSE")
	}

	got := 0
	for {
		select {
		case evt := <-sub.Events:
			if evt.ID != evts[0].ID {
				t.Errorf("unexpected event %s survived verification", shortID(evt.ID))
			}
			got++
			continue
		default:
		}
		break
	}
	if got != 1 {
		t.Errorf("delivered events = %d, want 1 (tampered one dropped)", got)
	}
}

func TestPoolDuplicateSubscriptionID(t *testing.T) {
	fr := newFakeRelay(t)

	pool := NewRelayPool(nil, nil)
	defer pool.Close()

	sub, err := pool.Subscribe(context.Background(), fr.URL, "dup", Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer pool.Unsubscribe(fr.URL, sub)

	if _, err := pool.Subscribe(context.Background(), fr.URL, "dup", Filter{}); err != ErrDuplicateSubscription {
		t.Errorf("second subscribe error = %v, want ErrDuplicateSubscription", err)
	}
}

func TestPoolClosedDeliversReason(t *testing.T) {
	fr := newFakeRelay(t)
	fr.closeReason = "auth-required: join first"

	pool := NewRelayPool(nil, nil)
	defer pool.Close()

	sub, err := pool.Subscribe(context.Background(), fr.URL, "sub1", Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer pool.Unsubscribe(fr.URL, sub)

	select {
	case reason := <-sub.Closed:
		if reason != fr.closeReason {
			t.Errorf("reason = %q, want %q", reason, fr.closeReason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for CLOSED")
	}
}

func TestPoolPublishEvent(t *testing.T) {
	fr := newFakeRelay(t)

	pool := NewRelayPool(nil, nil)
	defer pool.Close()

	evt := signedEvents(t, 1, 1000)[0]
	accepted, reason, err := pool.PublishEvent(context.Background(), fr.URL, evt)
	if err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if !accepted {
		t.Errorf("accepted = false, reason %q", reason)
	}

	fr.setReject("blocked: rate limited")
	evt2 := signedEvents(t, 1, 2000)[0]
	accepted, reason, err = pool.PublishEvent(context.Background(), fr.URL, evt2)
	if err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if accepted {
		t.Error("expected rejection")
	}
	if reason != "blocked: rate limited" {
		t.Errorf("reason = %q, want %q", reason, "blocked: rate limited")
	}
}

func TestPoolSharesConnectionAcrossSubscriptions(t *testing.T) {
	fr := newFakeRelay(t)

	pool := NewRelayPool(nil, nil)
	defer pool.Close()

	a, err := pool.Subscribe(context.Background(), fr.URL, "a", Filter{})
	if err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	defer pool.Unsubscribe(fr.URL, a)
	b, err := pool.Subscribe(context.Background(), fr.URL, "b", Filter{})
	if err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	defer pool.Unsubscribe(fr.URL, b)

	if n := pool.ConnectionStats(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
	fr.mu.Lock()
	conns := len(fr.conns)
	fr.mu.Unlock()
	if conns != 1 {
		t.Errorf("relay saw %d connections, want 1", conns)
	}
}

func TestPoolCountsSubscriptionBufferDrops(t *testing.T) {
	fr := newFakeRelay(t)
	fr.setStored(signedEvents(t, subEventBuffer+20, 1_000_000))

	pool := NewRelayPool(nil, nil)
	defer pool.Close()

	liveBefore := DroppedLiveEvents()
	bufBefore := SubscriptionBufferDrops()

	sub, err := pool.Subscribe(context.Background(), fr.URL, "full", Filter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer pool.Unsubscribe(fr.URL, sub)

	// Nothing consumes Events, so everything past the buffer must be counted
	// as a subscription buffer drop, not a live-channel drop.
	select {
	case <-sub.Eose:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for EOSE")
	}

	if got := SubscriptionBufferDrops() - bufBefore; got != 20 {
		t.Errorf("subscription buffer drops = %d, want 20", got)
	}
	if got := DroppedLiveEvents() - liveBefore; got != 0 {
		t.Errorf("live channel drops = %d, want 0", got)
	}
}

func TestPoolBlocksUnsafeURLs(t *testing.T) {
	pool := NewRelayPool(nil, nil)
	defer pool.Close()

	for _, bad := range []string{
		"http://example.com",
		"ws://10.0.0.5/relay",
		"ws://169.254.169.254/",
		"ws://",
	} {
		if _, err := pool.Subscribe(context.Background(), bad, "s", Filter{}); err == nil {
			t.Errorf("Subscribe(%q) should be rejected", bad)
		}
	}
}
