package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/repolens/analysis-client/internal/progress"
)

// BackoffPolicy controls reconnection after an abnormal close or dial
// failure: delay(n) = BaseDelay × Multiplier^n for attempt n, up to
// MaxAttempts scheduled reconnects. The attempt counter resets to zero on
// every successful open.
type BackoffPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultBackoff matches the reference behavior: 1s base, ×1.5 per attempt,
// 5 attempts, no jitter.
var DefaultBackoff = BackoffPolicy{
	BaseDelay:   time.Second,
	Multiplier:  1.5,
	MaxAttempts: 5,
}

// Delay returns the reconnect delay for the given attempt number.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt)))
}

// Scheduler schedules fn after d and returns a cancel func. Injectable so
// tests can drive timers deterministically.
type Scheduler func(d time.Duration, fn func()) (cancel func())

func timerScheduler(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Client owns the live connection lifecycle for one analysis job: connect,
// receive, detect terminal conditions, reconnect with backoff. Every received
// event is committed to the shared progress store; no business data flows
// anywhere else.
type Client struct {
	store     *progress.Store
	transport Transport
	policy    BackoffPolicy
	schedule  Scheduler
	onStatus  func(Status)

	mu          sync.Mutex
	ctx         context.Context
	analysisID  string
	state       State
	attempt     int
	conn        Conn
	gen         int
	cancelRetry func()
	closed      bool
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff overrides the reconnect policy.
func WithBackoff(p BackoffPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithScheduler overrides the timer used for reconnect delays.
func WithScheduler(s Scheduler) Option {
	return func(c *Client) { c.schedule = s }
}

// WithStatusFunc registers a callback invoked on every connection-status
// change. The callback runs under the client lock and must not call back
// into the client.
func WithStatusFunc(fn func(Status)) Option {
	return func(c *Client) { c.onStatus = fn }
}

// NewClient creates a stream client bound to the shared store.
func NewClient(store *progress.Store, transport Transport, opts ...Option) *Client {
	c := &Client{
		store:     store,
		transport: transport,
		policy:    DefaultBackoff,
		schedule:  timerScheduler,
		state:     StateConnecting,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Attempt: c.attempt}
}

// Start begins streaming events for the given analysis id. The context bounds
// every dial; cancelling it tears the connection down on the next signal.
func (c *Client) Start(ctx context.Context, analysisID string) {
	c.mu.Lock()
	c.ctx = ctx
	c.analysisID = analysisID
	if c.onStatus != nil {
		c.onStatus(Status{State: c.state, Attempt: c.attempt})
	}
	c.mu.Unlock()

	go c.connect()
}

// Reconnect clears the attempt budget and re-enters connecting. It is the
// manual retry affordance for the error state; a no-op once complete.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.closed || c.state == StateComplete {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	c.mu.Unlock()

	go c.connect()
}

// Close tears the client down: pending reconnect timers are cancelled, the
// transport is closed, and any late-arriving signal is ignored.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// connect performs one dial attempt and feeds the outcome into the state
// machine. The store is consulted first: if the job already reached a
// terminal status (e.g. the poll fallback won the race), the client
// short-circuits to complete without touching the transport.
func (c *Client) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.store.Terminal() {
		c.completeLocked()
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	ctx, analysisID := c.ctx, c.analysisID
	c.mu.Unlock()

	conn, err := c.transport.Dial(ctx, analysisID)
	if err != nil {
		c.transition(Signal{Kind: SignalError, Err: err})
		return
	}
	c.transition(Signal{Kind: SignalOpened, Conn: conn})
}

// transition is the single state-machine step. All transport signals, from
// whichever goroutine produced them, funnel through here.
func (c *Client) transition(sig Signal) {
	c.mu.Lock()

	if c.closed || c.state == StateComplete {
		c.mu.Unlock()
		if sig.Kind == SignalOpened && sig.Conn != nil {
			sig.Conn.Close()
		}
		return
	}

	switch sig.Kind {
	case SignalOpened:
		c.conn = sig.Conn
		c.attempt = 0
		c.gen++
		gen := c.gen
		c.setStateLocked(StateConnected)
		c.mu.Unlock()
		go c.readLoop(sig.Conn, gen)
		return

	case SignalMessage:
		c.mu.Unlock()
		c.handleMessage(sig.Payload)
		return

	case SignalClosed:
		// A clean close means the server finished and hung up, racing the
		// terminal event delivery; treat it as terminal. Likewise if the poll
		// fallback already concluded the job, do not revive the stream.
		if sig.Clean || c.store.Terminal() {
			c.completeLocked()
			c.mu.Unlock()
			return
		}
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return

	case SignalError:
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.mu.Unlock()
}

// readLoop pumps inbound messages for one connection generation. Signals from
// a superseded connection are dropped by the generation check.
func (c *Client) readLoop(conn Conn, gen int) {
	for {
		payload, err := conn.ReadMessage()

		c.mu.Lock()
		stale := gen != c.gen || c.closed
		c.mu.Unlock()
		if stale {
			return
		}

		if err != nil {
			clean := errors.Is(err, ErrNormalClosure)
			if !clean {
				log.Printf("Stream connection lost for analysis %s: %v", c.analysisID, err)
			}
			c.transition(Signal{Kind: SignalClosed, Err: err, Clean: clean})
			return
		}

		c.transition(Signal{Kind: SignalMessage, Payload: payload})

		c.mu.Lock()
		done := c.state == StateComplete
		c.mu.Unlock()
		if done {
			return
		}
	}
}

// handleMessage decodes and commits one inbound event. A malformed message is
// logged and discarded without tearing down the connection: no job-state
// information could be extracted from it anyway.
func (c *Client) handleMessage(payload []byte) {
	var event progress.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("Discarding undecodable stream message for analysis %s: %v", c.analysisID, err)
		return
	}

	c.store.Apply(event)

	if event.Stage.Terminal() && !event.Keepalive {
		c.mu.Lock()
		c.completeLocked()
		c.mu.Unlock()
	}
}

// scheduleReconnectLocked enters disconnected and arms the backoff timer, or
// escalates to the error state once the attempt budget is exhausted.
func (c *Client) scheduleReconnectLocked() {
	c.closeConnLocked()

	if c.attempt >= c.policy.MaxAttempts {
		c.setStateLocked(StateError)
		return
	}

	delay := c.policy.Delay(c.attempt)
	c.attempt++
	c.setStateLocked(StateDisconnected)
	log.Printf("Stream disconnected for analysis %s, reconnecting in %s (attempt %d/%d)",
		c.analysisID, delay, c.attempt, c.policy.MaxAttempts)
	c.cancelRetry = c.schedule(delay, c.connect)
}

// completeLocked is terminal for the lifetime of this job id.
func (c *Client) completeLocked() {
	c.closeConnLocked()
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	c.setStateLocked(StateComplete)
}

func (c *Client) closeConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.gen++
}

func (c *Client) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	if c.onStatus != nil {
		c.onStatus(Status{State: state, Attempt: c.attempt})
	}
}
