package timeline

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	subEventBuffer = 256
	writeTimeout   = 10 * time.Second
	okReplyTimeout = 10 * time.Second

	idleCheckInterval = 60 * time.Second
	idleConnTimeout   = 2 * time.Minute
)

// AuthFunc produces a signed NIP-42 auth event for a relay challenge.
type AuthFunc func(ctx context.Context, relayURL, challenge string) (*Event, error)

// isRelayURLSafe validates that a relay URL is safe to connect to.
// Allows localhost for development but blocks other private IP ranges.
func isRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}

	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}

	// Allow localhost for development
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable may still be a valid external host, but block
		// obvious internal names.
		if strings.HasSuffix(host, ".") || strings.Contains(host, ".local") || strings.Contains(host, ".internal") {
			return false
		}
		return true
	}

	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}
	return true
}

func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip.IsUnspecified() {
		return false
	}
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return false
	}
	if ip.IsMulticast() {
		return false
	}
	return true
}

// Subscription is one active sub-query on a relay connection. Closed carries
// a single closed-with-reason signal (relay CLOSED, read error, or dial
// failure) which dispatch treats as an EOSE-equivalent so a dead relay cannot
// block progress.
type Subscription struct {
	ID     string
	Events chan Event
	Eose   chan struct{}
	Closed chan string
	Done   chan struct{}

	closeOnce sync.Once
}

// close makes the subscription permanently quiet; safe to call repeatedly.
func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.Done)
	})
}

// notifyClosed delivers the close reason once, without blocking.
func (s *Subscription) notifyClosed(reason string) {
	select {
	case s.Closed <- reason:
	default:
	}
	s.close()
}

type okReply struct {
	accepted bool
	reason   string
}

// relayConn manages a single websocket connection with multiple subscriptions.
type relayConn struct {
	conn     *websocket.Conn
	relayURL string

	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*Subscription
	pendingOKs    map[string]chan okReply
	closed        bool
	lastActivity  time.Time

	authFn AuthFunc
	log    *slog.Logger
}

// RelayPool owns one logical connection per relay address. No other component
// writes to a relay connection directly.
type RelayPool struct {
	mu          sync.RWMutex
	connections map[string]*relayConn

	authFn AuthFunc
	log    *slog.Logger
	stopCh chan struct{}
	once   sync.Once
}

// NewRelayPool creates a connection pool. authFn may be nil when no signing
// callback is available; AUTH challenges are then ignored.
func NewRelayPool(authFn AuthFunc, log *slog.Logger) *RelayPool {
	if log == nil {
		log = slog.Default()
	}
	pool := &RelayPool{
		connections: make(map[string]*relayConn),
		authFn:      authFn,
		log:         log,
		stopCh:      make(chan struct{}),
	}
	go pool.cleanupLoop()
	return pool
}

// getOrCreateConn gets an existing connection or creates a new one
func (p *RelayPool) getOrCreateConn(ctx context.Context, relayURL string) (*relayConn, error) {
	if !isRelayURLSafe(relayURL) {
		return nil, errors.New("relay URL blocked: unsafe destination")
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()

	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	rc = p.connections[relayURL]
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.log.Debug("pool: creating connection", "relay", relayURL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, err
	}

	rc = &relayConn{
		conn:          conn,
		relayURL:      relayURL,
		subscriptions: make(map[string]*Subscription),
		pendingOKs:    make(map[string]chan okReply),
		lastActivity:  time.Now(),
		authFn:        p.authFn,
		log:           p.log,
	}
	p.connections[relayURL] = rc

	go rc.readLoop()
	return rc, nil
}

// Subscribe opens a sub-query on the relay. At most one active subscription
// may exist per (relay URL, subscription ID).
func (p *RelayPool) Subscribe(ctx context.Context, relayURL string, subID string, filter Filter) (*Subscription, error) {
	const maxRetries = 3
	var rc *relayConn
	var connected bool

	for attempt := 0; attempt < maxRetries; attempt++ {
		var err error
		rc, err = p.getOrCreateConn(ctx, relayURL)
		if err != nil {
			return nil, err
		}

		rc.mu.Lock()
		if rc.closed {
			rc.mu.Unlock()
			// Connection died since lookup, drop it and retry
			p.mu.Lock()
			if p.connections[relayURL] == rc {
				delete(p.connections, relayURL)
			}
			p.mu.Unlock()
			continue
		}
		connected = true
		break
	}

	if !connected {
		return nil, errors.New("failed to establish connection after retries")
	}

	if _, exists := rc.subscriptions[subID]; exists {
		rc.mu.Unlock()
		return nil, ErrDuplicateSubscription
	}

	sub := &Subscription{
		ID:     subID,
		Events: make(chan Event, subEventBuffer),
		Eose:   make(chan struct{}, 1),
		Closed: make(chan string, 1),
		Done:   make(chan struct{}),
	}
	rc.subscriptions[subID] = sub
	rc.mu.Unlock()

	req := []interface{}{"REQ", subID, filter.wire()}
	if err := rc.writeJSON(req); err != nil {
		rc.mu.Lock()
		delete(rc.subscriptions, subID)
		rc.mu.Unlock()
		rc.markClosed("write failed: " + err.Error())
		return nil, err
	}

	rc.touch()
	return sub, nil
}

// Unsubscribe closes a subscription, sending CLOSE when the connection is
// still up.
func (p *RelayPool) Unsubscribe(relayURL string, sub *Subscription) {
	if sub == nil {
		return
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()

	if rc == nil {
		sub.close()
		return
	}

	rc.mu.Lock()
	_, exists := rc.subscriptions[sub.ID]
	shouldSendClose := !rc.closed && exists
	if exists {
		delete(rc.subscriptions, sub.ID)
	}
	rc.mu.Unlock()

	// Best effort; connection may already be gone
	if shouldSendClose {
		rc.writeJSON([]interface{}{"CLOSE", sub.ID})
	}

	sub.close()
}

// PublishEvent sends the event to one relay and waits for its OK reply.
func (p *RelayPool) PublishEvent(ctx context.Context, relayURL string, evt Event) (bool, string, error) {
	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		return false, "", err
	}

	replyCh := make(chan okReply, 1)
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return false, "", errors.New("connection closed")
	}
	rc.pendingOKs[evt.ID] = replyCh
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		delete(rc.pendingOKs, evt.ID)
		rc.mu.Unlock()
	}()

	if err := rc.writeJSON([]interface{}{"EVENT", &evt}); err != nil {
		rc.markClosed("write failed: " + err.Error())
		return false, "", err
	}

	select {
	case reply := <-replyCh:
		return reply.accepted, reply.reason, nil
	case <-ctx.Done():
		return false, "", ctx.Err()
	case <-time.After(okReplyTimeout):
		return false, "", errors.New("timed out waiting for OK")
	}
}

// CloseRelay closes a specific relay connection.
func (p *RelayPool) CloseRelay(relayURL string) {
	p.mu.Lock()
	rc := p.connections[relayURL]
	delete(p.connections, relayURL)
	p.mu.Unlock()

	if rc != nil {
		rc.markClosed("pool closed relay")
	}
}

// Close shuts down the pool and every connection it owns.
func (p *RelayPool) Close() {
	p.once.Do(func() {
		close(p.stopCh)
	})

	p.mu.Lock()
	conns := make([]*relayConn, 0, len(p.connections))
	for _, rc := range p.connections {
		conns = append(conns, rc)
	}
	p.connections = make(map[string]*relayConn)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.markClosed("pool shutdown")
	}
}

// ConnectionStats returns the number of live pooled connections.
func (p *RelayPool) ConnectionStats() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// readLoop continuously reads from the connection and routes messages.
func (rc *relayConn) readLoop() {
	defer rc.markClosed("read loop ended")

	for {
		var msg []interface{}
		err := rc.conn.ReadJSON(&msg)
		if err != nil {
			if !rc.isClosed() {
				rc.log.Debug("pool: read error", "relay", rc.relayURL, "error", err)
			}
			return
		}

		rc.touch()

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}

			evt, ok := parseEvent(msg[2])
			if !ok {
				continue
			}
			if !VerifyEvent(&evt) {
				malformedDropTotal.Add(1)
				rc.log.Debug("dropping event failing verification",
					"relay", rc.relayURL, "event_id", shortID(evt.ID))
				continue
			}
			evt.RelaysSeen = []string{rc.relayURL}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()

			if sub != nil {
				select {
				case sub.Events <- evt:
				case <-sub.Done:
				default:
					// Receive buffer full, drop event
					subBufferDropTotal.Add(1)
				}
			}

		case "EOSE":
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()

			if sub != nil {
				select {
				case sub.Eose <- struct{}{}:
				default:
				}
			}

		case "CLOSED":
			subID, _ := msg[1].(string)
			reason := ""
			if len(msg) >= 3 {
				reason, _ = msg[2].(string)
			}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			if sub != nil {
				delete(rc.subscriptions, subID)
			}
			rc.mu.Unlock()

			if sub != nil {
				sub.notifyClosed(reason)
			}

		case "OK":
			if len(msg) < 3 {
				continue
			}
			eventID, _ := msg[1].(string)
			accepted, _ := msg[2].(bool)
			reason := ""
			if len(msg) >= 4 {
				reason, _ = msg[3].(string)
			}

			rc.mu.Lock()
			replyCh := rc.pendingOKs[eventID]
			rc.mu.Unlock()

			if replyCh != nil {
				select {
				case replyCh <- okReply{accepted: accepted, reason: reason}:
				default:
				}
			}

		case "AUTH":
			challenge, _ := msg[1].(string)
			if rc.authFn != nil && challenge != "" {
				go rc.answerAuth(challenge)
			}

		case "NOTICE":
			notice, _ := msg[1].(string)
			rc.log.Debug("pool: notice", "relay", rc.relayURL, "notice", notice)
		}
	}
}

// answerAuth signs the NIP-42 challenge and sends it back.
func (rc *relayConn) answerAuth(challenge string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	evt, err := rc.authFn(ctx, rc.relayURL, challenge)
	if err != nil || evt == nil {
		rc.log.Debug("pool: auth signing failed", "relay", rc.relayURL, "error", err)
		return
	}
	if err := rc.writeJSON([]interface{}{"AUTH", evt}); err != nil {
		rc.log.Debug("pool: auth write failed", "relay", rc.relayURL, "error", err)
	}
}

func (rc *relayConn) writeJSON(v interface{}) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()

	rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer rc.conn.SetWriteDeadline(time.Time{})
	return rc.conn.WriteJSON(v)
}

func (rc *relayConn) touch() {
	rc.mu.Lock()
	rc.lastActivity = time.Now()
	rc.mu.Unlock()
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// markClosed marks the connection as closed and delivers the reason to every
// remaining subscription so dispatch can count them as EOSE-equivalents.
func (rc *relayConn) markClosed(reason string) {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	rc.conn.Close()

	subs := rc.subscriptions
	rc.subscriptions = make(map[string]*Subscription)
	rc.mu.Unlock()

	for _, sub := range subs {
		sub.notifyClosed(reason)
	}
}

// cleanupLoop periodically removes stale connections.
func (p *RelayPool) cleanupLoop() {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// cleanup removes connections that are dead or have been idle too long.
func (p *RelayPool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for url, rc := range p.connections {
		rc.mu.Lock()
		idle := len(rc.subscriptions) == 0 && now.Sub(rc.lastActivity) > idleConnTimeout
		dead := rc.closed
		rc.mu.Unlock()

		if dead || idle {
			if !dead {
				p.log.Debug("pool: closing idle connection", "relay", url)
				rc.markClosed("idle")
			}
			delete(p.connections, url)
		}
	}
}
