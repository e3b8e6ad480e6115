package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/guy-noel/sigfox-platform/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameConn replays frames from a channel; closing the channel drops the connection
type frameConn struct {
	frames    chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func newFrameConn() *frameConn {
	return &frameConn{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *frameConn) ReadMessage() (int, []byte, error) {
	select {
	case frame, ok := <-c.frames:
		if !ok {
			return 0, nil, errors.New("connection dropped")
		}
		return websocket.TextMessage, frame, nil
	case <-c.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *frameConn) Close() error {
	c.closed.Store(true)
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// scriptedDialer fails or succeeds according to its plan; past the plan it fails
type scriptedDialer struct {
	mu       sync.Mutex
	plan     []Conn
	attempts int
	urls     []string
}

func (d *scriptedDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	d.urls = append(d.urls, rawURL)
	if len(d.plan) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.plan[0]
	d.plan = d.plan[1:]
	if next == nil {
		return nil, errors.New("connection refused")
	}
	return next, nil
}

func (d *scriptedDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

type eventRecorder struct {
	mu        sync.Mutex
	events    []models.PushEvent
	exhausted []error
}

func (r *eventRecorder) listener() ChannelListener {
	return ChannelListener{
		OnEvent: func(e models.PushEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, e)
		},
		OnExhausted: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.exhausted = append(r.exhausted, err)
		},
	}
}

func (r *eventRecorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) exhaustedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exhausted)
}

func noJitter() *float64 {
	zero := 0.0
	return &zero
}

func testChannel(dialer Dialer, listener ChannelListener) *PushChannel {
	return NewPushChannel(PushChannelOptions{
		URL:                 "http://push.local:2333",
		AccessToken:         "tok",
		MinReconnectDelay:   time.Millisecond,
		MaxAttempts:         5,
		RandomizationFactor: noJitter(),
		Dialer:              dialer,
	}, listener)
}

func frame(t *testing.T, action models.PushAction, m models.Message) []byte {
	t.Helper()
	data, err := models.EncodePushFrame(models.PushEvent{Action: action, Message: m})
	require.NoError(t, err)
	return data
}

func TestPushChannel_ReconnectBudget(t *testing.T) {
	t.Run("gives up after five failed attempts", func(t *testing.T) {
		dialer := &scriptedDialer{}
		rec := &eventRecorder{}
		ch := testChannel(dialer, rec.listener())
		defer ch.Close()

		require.NoError(t, ch.Open(context.Background()))

		select {
		case <-ch.Done():
		case <-time.After(waitFor):
			t.Fatal("channel did not give up")
		}
		assert.Equal(t, 5, dialer.attemptCount())
		assert.Never(t, func() bool { return dialer.attemptCount() > 5 }, 50*time.Millisecond, tick)
		require.Equal(t, 1, rec.exhaustedCount())

		var exhausted *ChannelExhaustedError
		require.ErrorAs(t, rec.exhausted[0], &exhausted)
		assert.Equal(t, 5, exhausted.Attempts)
		assert.ErrorIs(t, rec.exhausted[0], ErrChannelExhausted)
		assert.Equal(t, ChannelDisconnected, ch.State())
	})

	t.Run("a successful connection resets the budget", func(t *testing.T) {
		dropped := newFrameConn()
		close(dropped.frames)
		dialer := &scriptedDialer{plan: []Conn{nil, nil, nil, nil, dropped}}
		rec := &eventRecorder{}
		ch := testChannel(dialer, rec.listener())
		defer ch.Close()

		require.NoError(t, ch.Open(context.Background()))

		select {
		case <-ch.Done():
		case <-time.After(waitFor):
			t.Fatal("channel did not give up")
		}
		// 4 failures, 1 success that drops, then 5 fresh failures
		assert.Equal(t, 10, dialer.attemptCount())
		assert.Equal(t, 1, rec.exhaustedCount())
		assert.True(t, dropped.closed.Load())
	})

	t.Run("backoff grows from the minimum delay without a cap", func(t *testing.T) {
		ch := NewPushChannel(PushChannelOptions{
			URL:                 "ws://push.local",
			MinReconnectDelay:   500 * time.Millisecond,
			RandomizationFactor: noJitter(),
		}, ChannelListener{})
		policy := ch.newBackOff()

		assert.Equal(t, 500*time.Millisecond, policy.NextBackOff())
		assert.Equal(t, 750*time.Millisecond, policy.NextBackOff())
		prev := 750 * time.Millisecond
		for i := 0; i < 20; i++ {
			next := policy.NextBackOff()
			assert.Greater(t, next, prev)
			prev = next
		}
	})
}

func TestPushChannel_Delivery(t *testing.T) {
	conn := newFrameConn()
	dialer := &scriptedDialer{plan: []Conn{conn}}
	rec := &eventRecorder{}
	ch := testChannel(dialer, rec.listener())
	defer ch.Close()

	require.NoError(t, ch.Open(context.Background()))
	require.Eventually(t, func() bool { return ch.State() == ChannelConnected }, waitFor, tick)

	conn.frames <- frame(t, models.PushActionCreate, msg("m1", 1))
	conn.frames <- []byte(`not json`)
	conn.frames <- []byte(`{"payload":{"action":"CREATE"}}`)
	conn.frames <- []byte(`{"message":{"id":"m9"}}`)
	conn.frames <- []byte(`{"payload":{"action":"UPDATE","message":{"id":"m1"}}}`)
	conn.frames <- []byte(`{"payload":{"action":"DELETE","message":{"id":""}}}`)
	conn.frames <- frame(t, models.PushActionCreate, msg("m2", 2))
	conn.frames <- frame(t, models.PushActionDelete, models.Message{ID: "m1"})

	require.Eventually(t, func() bool { return rec.eventCount() == 3 }, waitFor, tick)
	assert.Never(t, func() bool { return rec.eventCount() > 3 }, 50*time.Millisecond, tick)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, models.PushActionCreate, rec.events[0].Action)
	assert.Equal(t, "m1", rec.events[0].Message.ID)
	assert.Equal(t, "m2", rec.events[1].Message.ID)
	assert.Equal(t, models.PushActionDelete, rec.events[2].Action)
	assert.Equal(t, "m1", rec.events[2].Message.ID)

	require.Len(t, dialer.urls, 1)
	assert.Equal(t, "ws://push.local:2333?access_token=tok", dialer.urls[0])
}

func TestPushChannel_Close(t *testing.T) {
	t.Run("idempotent and safe before open", func(t *testing.T) {
		ch := testChannel(&scriptedDialer{}, ChannelListener{})

		assert.NoError(t, ch.Close())
		assert.NoError(t, ch.Close())
		assert.Equal(t, ChannelClosed, ch.State())
		assert.ErrorIs(t, ch.Open(context.Background()), ErrChannelClosed)

		select {
		case <-ch.Done():
		default:
			t.Fatal("done not closed")
		}
	})

	t.Run("open twice fails", func(t *testing.T) {
		ch := testChannel(&scriptedDialer{plan: []Conn{newFrameConn()}}, ChannelListener{})
		defer ch.Close()

		require.NoError(t, ch.Open(context.Background()))
		assert.ErrorIs(t, ch.Open(context.Background()), ErrChannelOpen)
	})

	t.Run("no delivery after close", func(t *testing.T) {
		conn := newFrameConn()
		rec := &eventRecorder{}
		ch := testChannel(&scriptedDialer{plan: []Conn{conn}}, rec.listener())

		require.NoError(t, ch.Open(context.Background()))
		conn.frames <- frame(t, models.PushActionCreate, msg("m1", 1))
		require.Eventually(t, func() bool { return rec.eventCount() == 1 }, waitFor, tick)

		require.NoError(t, ch.Close())
		conn.frames <- frame(t, models.PushActionCreate, msg("m2", 2))

		assert.Never(t, func() bool { return rec.eventCount() > 1 }, 50*time.Millisecond, tick)
		assert.True(t, conn.closed.Load())
		assert.Equal(t, ChannelClosed, ch.State())
		assert.Equal(t, 0, rec.exhaustedCount())
	})

	t.Run("waits for an in-flight delivery", func(t *testing.T) {
		conn := newFrameConn()
		entered := make(chan struct{})
		release := make(chan struct{})
		var delivered atomic.Int32
		ch := testChannel(&scriptedDialer{plan: []Conn{conn}}, ChannelListener{
			OnEvent: func(models.PushEvent) {
				if delivered.Add(1) == 1 {
					close(entered)
					<-release
				}
			},
		})

		require.NoError(t, ch.Open(context.Background()))
		conn.frames <- frame(t, models.PushActionCreate, msg("m1", 1))
		conn.frames <- frame(t, models.PushActionCreate, msg("m2", 2))
		<-entered

		closed := make(chan struct{})
		go func() {
			_ = ch.Close()
			close(closed)
		}()

		select {
		case <-closed:
			t.Fatal("Close returned during a delivery")
		case <-time.After(30 * time.Millisecond):
		}
		close(release)
		<-closed

		assert.Never(t, func() bool { return delivered.Load() > 1 }, 50*time.Millisecond, tick)
	})

	t.Run("close during reconnect wait reports nothing", func(t *testing.T) {
		rec := &eventRecorder{}
		ch := NewPushChannel(PushChannelOptions{
			URL:               "ws://push.local",
			MinReconnectDelay: time.Hour,
			Dialer:            &scriptedDialer{},
		}, rec.listener())

		require.NoError(t, ch.Open(context.Background()))
		require.NoError(t, ch.Close())

		select {
		case <-ch.Done():
		case <-time.After(waitFor):
			t.Fatal("loop did not stop")
		}
		assert.Equal(t, 0, rec.exhaustedCount())
	})
}

func TestPushURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://localhost:2333", "ws://localhost:2333?access_token=a%2Fb"},
		{"https://push.example.com/primus", "wss://push.example.com/primus?access_token=a%2Fb"},
		{"wss://push.example.com", "wss://push.example.com?access_token=a%2Fb"},
	}
	for _, tc := range cases {
		t.Run(tc.base, func(t *testing.T) {
			got, err := PushURL(tc.base, "a/b")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := PushURL("ftp://push.example.com", "tok")
	assert.Error(t, err)
}

func TestPushChannel_WebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotToken atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.URL.Query().Get("access_token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := models.EncodePushFrame(models.PushEvent{Action: models.PushActionCreate, Message: models.Message{ID: "ws-1", DeviceID: "D1"}})
		_ = conn.WriteMessage(websocket.TextMessage, data)
		// hold the connection until the client goes away
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	rec := &eventRecorder{}
	factory := NewPushChannelFactory(PushChannelOptions{
		URL:         server.URL,
		AccessToken: "secret",
	})
	channel, err := factory.OpenChannel(context.Background(), rec.listener())
	require.NoError(t, err)
	defer channel.Close()

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, waitFor, tick)
	assert.Equal(t, "secret", gotToken.Load())

	rec.mu.Lock()
	assert.Equal(t, "ws-1", rec.events[0].Message.ID)
	rec.mu.Unlock()
}
