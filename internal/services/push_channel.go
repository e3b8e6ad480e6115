package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/guy-noel/sigfox-platform/internal/models"
	"github.com/guy-noel/sigfox-platform/internal/observability"
)

// ChannelState is the connection state of a PushChannel
type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelClosed       ChannelState = "closed"
)

var (
	// ErrChannelExhausted is matched by every ChannelExhaustedError
	ErrChannelExhausted = errors.New("push channel reconnect attempts exhausted")
	ErrChannelClosed    = errors.New("push channel closed")
	ErrChannelOpen      = errors.New("push channel already open")
)

// ChannelExhaustedError reports that the channel gave up reconnecting
type ChannelExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ChannelExhaustedError) Error() string {
	return fmt.Sprintf("push channel gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ChannelExhaustedError) Unwrap() error { return e.Err }

func (e *ChannelExhaustedError) Is(target error) bool { return target == ErrChannelExhausted }

// Conn is one established push connection
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens push connections
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebSocketDialer dials push connections with gorilla/websocket
type WebSocketDialer struct {
	Dialer    *websocket.Dialer
	Header    http.Header
	ReadLimit int64
}

// NewWebSocketDialer returns a dialer with a bounded handshake and frame size
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		ReadLimit: 4 << 20,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial push transport: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial push transport: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return conn, nil
}

// PushURL builds the authenticated websocket URL. http(s) schemes become ws(s).
func PushURL(base, accessToken string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse push url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported push url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("access_token", accessToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ChannelListener receives what a PushChannel produces. Either func may be nil.
type ChannelListener struct {
	OnEvent     func(models.PushEvent)
	OnExhausted func(error)
}

// PushChannelOptions configures a PushChannel
type PushChannelOptions struct {
	URL               string
	AccessToken       string
	MinReconnectDelay time.Duration
	MaxAttempts       int
	// RandomizationFactor is the backoff jitter; nil keeps the backoff default
	RandomizationFactor *float64
	Dialer              Dialer
	Metrics             *observability.FeedMetrics
	Logger              *observability.Logger
}

// PushChannel keeps one reconnecting push connection and delivers its events,
// in arrival order, to a single listener.
type PushChannel struct {
	opts     PushChannelOptions
	listener ChannelListener
	logger   *observability.Logger

	mu     sync.Mutex
	state  ChannelState
	conn   Conn
	opened bool
	closed bool
	cancel context.CancelFunc
	done   chan struct{}

	// held while calling the listener; Close waits on it
	deliverMu     sync.Mutex
	exhaustedOnce sync.Once
	closeOnce     sync.Once
}

// NewPushChannel creates a channel in the disconnected state
func NewPushChannel(opts PushChannelOptions, listener ChannelListener) *PushChannel {
	if opts.MinReconnectDelay <= 0 {
		opts.MinReconnectDelay = 500 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebSocketDialer()
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &PushChannel{
		opts:     opts,
		listener: listener,
		logger:   logger.WithField("component", "push_channel"),
		state:    ChannelDisconnected,
		done:     make(chan struct{}),
	}
}

// Open starts connecting in the background. It fails only on a bad URL or reuse.
func (c *PushChannel) Open(ctx context.Context) error {
	target, err := PushURL(c.opts.URL, c.opts.AccessToken)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.opened {
		return ErrChannelOpen
	}
	c.opened = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx, target)
	return nil
}

// Close stops the channel. It is idempotent, safe before Open, and once it
// returns the listener is never called again.
func (c *PushChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.state = ChannelClosed
		conn := c.conn
		c.conn = nil
		cancel := c.cancel
		opened := c.opened
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		if !opened {
			close(c.done)
		}

		// wait out an in-flight delivery
		c.deliverMu.Lock()
		c.deliverMu.Unlock()
	})
	return nil
}

// State returns the current connection state
func (c *PushChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the background loop has exited
func (c *PushChannel) Done() <-chan struct{} {
	return c.done
}

func (c *PushChannel) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.MinReconnectDelay
	b.MaxInterval = time.Duration(math.MaxInt64)
	if c.opts.RandomizationFactor != nil {
		b.RandomizationFactor = *c.opts.RandomizationFactor
	}
	b.Reset()
	return b
}

func (c *PushChannel) run(ctx context.Context, target string) {
	defer close(c.done)

	policy := c.newBackOff()
	failures := 0
	for {
		if !c.setState(ChannelConnecting) {
			return
		}
		conn, err := c.opts.Dialer.Dial(ctx, target)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		c.opts.Metrics.RecordConnectAttempt(ctx, err == nil)

		if err != nil {
			failures++
			c.setState(ChannelDisconnected)
			if failures >= c.opts.MaxAttempts {
				c.exhaust(ctx, failures, err)
				return
			}
			delay := policy.NextBackOff()
			c.logger.WithError(err).Debugf("push connect attempt %d/%d failed, retrying in %s", failures, c.opts.MaxAttempts, delay)
			if waitWithDelay(ctx, delay) != nil {
				return
			}
			continue
		}

		failures = 0
		policy.Reset()
		if !c.attach(conn) {
			_ = conn.Close()
			return
		}
		c.logger.Debug("push channel connected")
		readErr := c.readLoop(conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return
		}
		c.setState(ChannelDisconnected)
		c.logger.WithError(readErr).Info("push channel dropped, reconnecting")
		if waitWithDelay(ctx, policy.NextBackOff()) != nil {
			return
		}
	}
}

func (c *PushChannel) readLoop(conn Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		event, ok := models.DecodePushFrame(data)
		if !ok {
			continue
		}
		c.deliver(event)
	}
}

func (c *PushChannel) deliver(event models.PushEvent) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.isClosed() || c.listener.OnEvent == nil {
		return
	}
	c.listener.OnEvent(event)
}

func (c *PushChannel) exhaust(ctx context.Context, attempts int, lastErr error) {
	c.exhaustedOnce.Do(func() {
		err := &ChannelExhaustedError{Attempts: attempts, Err: lastErr}
		c.opts.Metrics.RecordExhausted(ctx)
		c.logger.WithError(lastErr).Warnf("push channel exhausted after %d attempts", attempts)

		c.deliverMu.Lock()
		defer c.deliverMu.Unlock()
		if c.isClosed() || c.listener.OnExhausted == nil {
			return
		}
		c.listener.OnExhausted(err)
	})
}

func (c *PushChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// setState reports false once the channel is closed
func (c *PushChannel) setState(state ChannelState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.state = state
	return true
}

func (c *PushChannel) attach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	c.state = ChannelConnected
	return true
}

func (c *PushChannel) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func waitWithDelay(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PushChannelFactory opens one PushChannel per sync generation
type PushChannelFactory struct {
	Options PushChannelOptions
}

// NewPushChannelFactory creates a factory sharing opts across channels
func NewPushChannelFactory(opts PushChannelOptions) *PushChannelFactory {
	return &PushChannelFactory{Options: opts}
}

// OpenChannel creates and opens a channel delivering to listener
func (f *PushChannelFactory) OpenChannel(ctx context.Context, listener ChannelListener) (EventChannel, error) {
	ch := NewPushChannel(f.Options, listener)
	if err := ch.Open(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}
