package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Pechulyak/polymarket-bot/internal/config"
)

var (
	// ErrConfig is fatal: missing endpoint or rejected credentials.
	ErrConfig = errors.New("stream: config error")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("stream: client closed")
	// ErrBadFrame marks a frame that failed to parse.
	ErrBadFrame = errors.New("stream: bad frame")
)

const (
	parseFailLimit  = 10
	parseFailWindow = 30 * time.Second
	minEventBuffer  = 256
)

type subscribeMsg struct {
	AssetIDs  []string `json:"assets_ids"`
	Type      string   `json:"type,omitempty"`
	Operation string   `json:"operation,omitempty"`
}

// Client maintains a single market WebSocket: subscription set,
// heartbeat, reconnect with jittered backoff, and fan-out of parsed
// events to one Handler. The subscription set is the source of truth
// and is re-sent in full on every (re)connect.
type Client struct {
	cfg     config.StreamConfig
	handler Handler

	mu      sync.Mutex
	desired map[string]bool
	conn    *websocket.Conn

	sendCh chan []byte
	queue  *eventQueue

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	failMu     sync.Mutex
	parseFails []time.Time
}

// NewClient builds a stream client. The handler is mandatory; a client
// without a consumer cannot exist.
func NewClient(cfg config.StreamConfig, handler Handler) (*Client, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrConfig)
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		desired: make(map[string]bool),
		sendCh:  make(chan []byte, 64),
	}, nil
}

// Open validates configuration, starts the dispatcher, and dials the
// broker. With RetryForever the first dial failure only schedules the
// reconnect loop; without it the error is returned.
func (c *Client) Open(ctx context.Context) error {
	if c.cfg.URL == "" {
		return fmt.Errorf("%w: websocket endpoint missing", ErrConfig)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.queue = newEventQueue(c.bufferCap())

	c.wg.Add(1)
	go c.dispatchLoop()

	c.emit(ConnectionStateChange{State: StateConnecting})

	conn, err := c.dial()
	if err != nil {
		if isAuthRejection(err) {
			c.Close()
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		if !c.cfg.RetryForever {
			c.Close()
			return fmt.Errorf("stream: dial %s: %w", c.cfg.URL, err)
		}
		log.Warn().Err(err).Msg("initial stream dial failed, retrying in background")
	} else {
		c.setConn(conn)
	}

	c.wg.Add(1)
	go c.runLoop()
	return nil
}

// Subscribe adds asset IDs to the desired set and, when connected,
// sends an incremental subscribe frame.
func (c *Client) Subscribe(assetIDs []string) error {
	added := make([]string, 0, len(assetIDs))
	c.mu.Lock()
	for _, id := range assetIDs {
		if !c.desired[id] {
			c.desired[id] = true
			added = append(added, id)
		}
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if c.queue != nil {
		c.queue.setCap(c.bufferCap())
	}

	if len(added) == 0 || !connected {
		return nil
	}
	return c.send(subscribeMsg{AssetIDs: added, Operation: "subscribe"})
}

// Unsubscribe removes asset IDs from the desired set.
func (c *Client) Unsubscribe(assetIDs []string) error {
	removed := make([]string, 0, len(assetIDs))
	c.mu.Lock()
	for _, id := range assetIDs {
		if c.desired[id] {
			delete(c.desired, id)
			removed = append(removed, id)
		}
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if len(removed) == 0 || !connected {
		return nil
	}
	return c.send(subscribeMsg{AssetIDs: removed, Operation: "unsubscribe"})
}

// Subscribed returns the current desired subscription set.
func (c *Client) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.desired))
	for id := range c.desired {
		out = append(out, id)
	}
	return out
}

// Close is idempotent: it cancels the reconnect loop, closes the
// connection and drains the dispatcher.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		if c.queue != nil {
			c.queue.close()
		}
		c.wg.Wait()
	})
}

func (c *Client) bufferCap() int {
	if c.cfg.BufferSize > 0 {
		return c.cfg.BufferSize
	}
	c.mu.Lock()
	n := len(c.desired)
	c.mu.Unlock()
	if 4*n > minEventBuffer {
		return 4 * n
	}
	return minEventBuffer
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, resp, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("handshake rejected: status %d", resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// runLoop owns the connection lifecycle: serve until the read side
// fails, then back off and redial, re-sending the full subscription
// set on every successful connect.
func (c *Client) runLoop() {
	defer c.wg.Done()

	backoff := c.cfg.ReconnectMin
	for {
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > c.cfg.ReconnectMax {
				backoff = c.cfg.ReconnectMax
			}

			c.emit(ConnectionStateChange{State: StateConnecting})
			next, err := c.dial()
			if err != nil {
				log.Warn().Err(err).Dur("backoff", backoff).Msg("stream reconnect failed")
				continue
			}
			c.setConn(next)
			conn = next
		}

		gotFrame, err := c.serveConn(conn)
		if gotFrame {
			// A fully-established read resets the backoff schedule.
			backoff = c.cfg.ReconnectMin
		}
		if c.ctx.Err() != nil {
			return
		}
		c.emit(ConnectionStateChange{State: StateDisconnected, Reason: errString(err)})
		log.Warn().Err(err).Msg("stream disconnected")

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}
}

// serveConn runs one connection: initial subscribe, write pump with
// heartbeat, and the read loop. Returns when the connection dies,
// reporting whether any frame was fully read.
func (c *Client) serveConn(conn *websocket.Conn) (bool, error) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.desired))
	for id := range c.desired {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	if len(ids) > 0 {
		frame, _ := json.Marshal(subscribeMsg{AssetIDs: ids, Type: "market"})
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return false, fmt.Errorf("subscribe: %w", err)
		}
	}

	c.emit(ConnectionStateChange{State: StateConnected})
	log.Info().Int("assets", len(ids)).Msg("stream connected")

	writeCtx, stopWrite := context.WithCancel(c.ctx)
	defer stopWrite()
	go c.writePump(writeCtx, conn)

	gotFrame := false
	for {
		if c.ctx.Err() != nil {
			return gotFrame, c.ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return gotFrame, fmt.Errorf("read: %w", err)
		}
		gotFrame = true

		if msgType == websocket.BinaryMessage {
			data, err = decompressBrotli(data)
			if err != nil {
				if c.recordParseFailure() {
					return gotFrame, fmt.Errorf("%w: repeated decode failures", ErrBadFrame)
				}
				continue
			}
		}

		if bytes.Equal(bytes.TrimSpace(data), []byte("PONG")) {
			c.emit(Heartbeat{Timestamp: time.Now().UTC()})
			continue
		}

		events, err := parseFrame(data)
		if err != nil {
			log.Debug().Err(err).Msg("skipping unparsable frame")
			if c.recordParseFailure() {
				return gotFrame, fmt.Errorf("%w: repeated parse failures", ErrBadFrame)
			}
			continue
		}
		for _, e := range events {
			c.emit(e)
		}
	}
}

// writePump is the single writer: outbound frames and the PING
// heartbeat both pass through here.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.sendCh:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn().Err(err).Msg("stream write failed")
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				log.Warn().Err(err).Msg("stream ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) send(msg subscribeMsg) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- frame:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// recordParseFailure returns true once failures exceed the escalation
// threshold inside the sliding window.
func (c *Client) recordParseFailure() bool {
	now := time.Now()
	c.failMu.Lock()
	defer c.failMu.Unlock()

	cutoff := now.Add(-parseFailWindow)
	kept := c.parseFails[:0]
	for _, t := range c.parseFails {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.parseFails = append(kept, now)
	return len(c.parseFails) > parseFailLimit
}

func (c *Client) emit(e Event) {
	if dropped := c.queue.push(e); dropped {
		c.queue.push(ConnectionStateChange{State: StateDegraded, Reason: "backpressure"})
	}
}

func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	for {
		e, ok := c.queue.pop()
		if !ok {
			return
		}
		c.handler.HandleEvent(e)
	}
}

// jitter spreads reconnect attempts by ±20%.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

func decompressBrotli(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("brotli: %w", err)
	}
	return out, nil
}

func isAuthRejection(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "status 403") ||
		strings.Contains(s, "status 401") ||
		strings.Contains(s, "handshake rejected")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// eventQueue is the bounded buffer between the read path and the
// handler. When full it evicts the oldest orderbook delta; trades are
// never dropped (the queue grows instead).
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	cap    int
	closed bool
}

func newEventQueue(capacity int) *eventQueue {
	q := &eventQueue{cap: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) setCap(capacity int) {
	q.mu.Lock()
	if capacity > q.cap {
		q.cap = capacity
	}
	q.mu.Unlock()
}

// push appends an event and reports whether anything was dropped.
func (q *eventQueue) push(e Event) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	if len(q.items) >= q.cap {
		for i, old := range q.items {
			if _, isDelta := old.(OrderbookDelta); isDelta {
				q.items = append(q.items[:i], q.items[i+1:]...)
				dropped = true
				break
			}
		}
		// No delta to evict: all remaining events must be kept.
	}

	q.items = append(q.items, e)
	q.cond.Signal()
	return dropped
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
