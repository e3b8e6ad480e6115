package services

import (
	"context"
	"errors"
	"sync"

	"github.com/guy-noel/sigfox-platform/internal/models"
	"github.com/guy-noel/sigfox-platform/internal/observability"
)

// SyncState is the state of the current sync generation
type SyncState string

const (
	SyncIdle     SyncState = "idle"
	SyncFetching SyncState = "fetching"
	SyncLive     SyncState = "live"
	SyncFailed   SyncState = "failed"
)

// ConditionKind names a failure that leaves the controller
type ConditionKind string

const (
	ConditionFetchFailed      ConditionKind = "fetch_failed"
	ConditionChannelExhausted ConditionKind = "channel_exhausted"
)

// Condition is a FetchFailed or ChannelExhausted report for one generation
type Condition struct {
	Kind       ConditionKind
	Generation uint64
	Err        error
}

// ErrControllerStopped is returned by SetFilter once Run has returned
var ErrControllerStopped = errors.New("sync controller stopped")

// SnapshotSource fetches the baseline of a generation
type SnapshotSource interface {
	Fetch(ctx context.Context, scope models.Scope, filter models.FilterDescriptor) ([]models.Message, error)
}

// EventChannel is an open push subscription
type EventChannel interface {
	Close() error
}

// ChannelFactory opens the push subscription of a generation
type ChannelFactory interface {
	OpenChannel(ctx context.Context, listener ChannelListener) (EventChannel, error)
}

// FeedNotifier is told about every feed mutation
type FeedNotifier interface {
	NotifyFeedChange(change models.FeedChange)
}

// FeedStatus is a point-in-time summary of the controller
type FeedStatus struct {
	State      SyncState
	Generation uint64
	Ready      bool
	Count      int
	Degraded   bool
	Scope      models.Scope
	Filter     models.FilterDescriptor
	HasFilter  bool
}

type setFilterRequest struct {
	filter models.FilterDescriptor
	scope  models.Scope
	reply  chan uint64
}

type fetchResult struct {
	gen      uint64
	messages []models.Message
	err      error
}

type pushDelivery struct {
	gen   uint64
	event models.PushEvent
}

type channelExhausted struct {
	gen uint64
	err error
}

type generation struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	channel EventChannel
}

// SyncController keeps a FeedStore consistent with one scope and filter.
// All store mutation happens on the Run goroutine; results from a superseded
// generation are dropped.
type SyncController struct {
	store    *FeedStore
	fetcher  SnapshotSource
	channels ChannelFactory
	notifier FeedNotifier
	metrics  *observability.FeedMetrics
	logger   *observability.Logger

	inbox      chan any
	conditions chan Condition
	done       chan struct{}
	runOnce    sync.Once

	// owned by the Run goroutine
	gen    uint64
	active *generation

	mu     sync.RWMutex
	status FeedStatus
}

// ControllerOption customizes a SyncController
type ControllerOption func(*SyncController)

// WithNotifier registers a FeedNotifier
func WithNotifier(n FeedNotifier) ControllerOption {
	return func(c *SyncController) { c.notifier = n }
}

// WithControllerMetrics records feed metrics
func WithControllerMetrics(m *observability.FeedMetrics) ControllerOption {
	return func(c *SyncController) { c.metrics = m }
}

// WithControllerLogger sets the logger
func WithControllerLogger(l *observability.Logger) ControllerOption {
	return func(c *SyncController) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewSyncController creates an idle controller. channels may be nil to run without push.
func NewSyncController(store *FeedStore, fetcher SnapshotSource, channels ChannelFactory, opts ...ControllerOption) *SyncController {
	c := &SyncController{
		store:      store,
		fetcher:    fetcher,
		channels:   channels,
		logger:     observability.GetLogger(),
		inbox:      make(chan any, 64),
		conditions: make(chan Condition, 16),
		done:       make(chan struct{}),
		status:     FeedStatus{State: SyncIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("component", "sync_controller")
	return c
}

// Store returns the store this controller writes to
func (c *SyncController) Store() *FeedStore {
	return c.store
}

// Conditions delivers FetchFailed and ChannelExhausted reports
func (c *SyncController) Conditions() <-chan Condition {
	return c.conditions
}

// Status returns the current state of the feed
func (c *SyncController) Status() FeedStatus {
	c.mu.RLock()
	status := c.status
	c.mu.RUnlock()
	status.Ready = c.store.Ready()
	status.Count = c.store.Len()
	return status
}

// Done is closed when Run returns
func (c *SyncController) Done() <-chan struct{} {
	return c.done
}

// SetFilter starts a new generation for filter and scope and returns its number.
// Run must be running.
func (c *SyncController) SetFilter(filter models.FilterDescriptor, scope models.Scope) (uint64, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	if filter.Limit() <= 0 {
		return 0, models.ErrInvalidLimit
	}
	req := setFilterRequest{filter: filter, scope: scope, reply: make(chan uint64, 1)}
	select {
	case c.inbox <- req:
	case <-c.done:
		return 0, ErrControllerStopped
	}
	select {
	case gen := <-req.reply:
		return gen, nil
	case <-c.done:
		return 0, ErrControllerStopped
	}
}

// Run processes requests and results until ctx ends, then tears down the live generation
func (c *SyncController) Run(ctx context.Context) {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return
	}
	defer close(c.done)
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.inbox:
			switch ev := ev.(type) {
			case setFilterRequest:
				ev.reply <- c.startGeneration(ctx, ev.filter, ev.scope)
			case fetchResult:
				c.handleFetch(ev)
			case pushDelivery:
				c.handlePush(ev)
			case channelExhausted:
				c.handleExhausted(ev)
			}
		}
	}
}

func (c *SyncController) startGeneration(ctx context.Context, filter models.FilterDescriptor, scope models.Scope) uint64 {
	c.gen++
	gen := c.gen
	c.teardown()

	genCtx, cancel := context.WithCancel(ctx)
	c.active = &generation{id: gen, ctx: genCtx, cancel: cancel}

	c.store.MarkPending()
	c.updateStatus(func(s *FeedStatus) {
		s.State = SyncFetching
		s.Generation = gen
		s.Degraded = false
		s.Scope = scope
		s.Filter = filter
		s.HasFilter = true
	})
	c.metrics.RecordGeneration(genCtx, string(scope.Kind))
	c.logger.WithFields(map[string]interface{}{
		"generation": gen,
		"scope":      scope.String(),
	}).Infof("sync generation started: %s", filter)
	c.notify(models.FeedChangePending, "")

	go func() {
		messages, err := c.fetcher.Fetch(genCtx, scope, filter)
		select {
		case c.inbox <- fetchResult{gen: gen, messages: messages, err: err}:
		case <-genCtx.Done():
			c.metrics.RecordStaleDiscard(context.Background(), "fetch")
		}
	}()
	return gen
}

func (c *SyncController) handleFetch(res fetchResult) {
	if !c.isCurrent(res.gen) {
		c.discard("fetch", res.gen)
		return
	}
	gen := c.active

	if res.err != nil {
		c.updateStatus(func(s *FeedStatus) { s.State = SyncFailed })
		c.logger.WithError(res.err).WithField("generation", res.gen).Warn("snapshot fetch failed")
		c.emit(Condition{Kind: ConditionFetchFailed, Generation: res.gen, Err: res.err})
		c.notify(models.FeedChangePending, "")
		return
	}

	c.store.Replace(res.messages)
	c.updateStatus(func(s *FeedStatus) { s.State = SyncLive })
	c.notify(models.FeedChangeReplaced, "")

	if c.channels == nil {
		return
	}
	genID := gen.id
	genCtx := gen.ctx
	listener := ChannelListener{
		OnEvent: func(event models.PushEvent) {
			c.post(genCtx, pushDelivery{gen: genID, event: event})
		},
		OnExhausted: func(err error) {
			c.post(genCtx, channelExhausted{gen: genID, err: err})
		},
	}
	channel, err := c.channels.OpenChannel(genCtx, listener)
	if err != nil {
		c.handleExhausted(channelExhausted{gen: genID, err: &ChannelExhaustedError{Err: err}})
		return
	}
	gen.channel = channel
}

func (c *SyncController) handlePush(d pushDelivery) {
	if !c.isCurrent(d.gen) {
		c.discard("push", d.gen)
		return
	}
	var applied bool
	var kind models.FeedChangeKind
	switch d.event.Action {
	case models.PushActionCreate:
		applied = c.store.ApplyCreate(d.event.Message)
		kind = models.FeedChangeCreated
	case models.PushActionDelete:
		applied = c.store.ApplyDelete(d.event.Message.ID)
		kind = models.FeedChangeDeleted
	default:
		return
	}
	c.metrics.RecordPushEvent(c.active.ctx, string(d.event.Action), applied)
	if applied {
		c.notify(kind, d.event.Message.ID)
	}
}

func (c *SyncController) handleExhausted(ev channelExhausted) {
	if !c.isCurrent(ev.gen) {
		c.discard("exhausted", ev.gen)
		return
	}
	c.updateStatus(func(s *FeedStatus) { s.Degraded = true })
	c.logger.WithError(ev.err).WithField("generation", ev.gen).Warn("live updates stopped")
	c.emit(Condition{Kind: ConditionChannelExhausted, Generation: ev.gen, Err: ev.err})
}

// post hands a channel callback to the loop, giving up once the generation ends
func (c *SyncController) post(genCtx context.Context, ev any) {
	select {
	case c.inbox <- ev:
	case <-genCtx.Done():
	}
}

func (c *SyncController) isCurrent(gen uint64) bool {
	return c.active != nil && c.active.id == gen
}

func (c *SyncController) discard(kind string, gen uint64) {
	c.metrics.RecordStaleDiscard(context.Background(), kind)
	c.logger.WithFields(map[string]interface{}{
		"generation": gen,
		"current":    c.gen,
	}).Debugf("discarded stale %s", kind)
}

// teardown cancels the active generation before closing its channel so a
// listener blocked in post can return.
func (c *SyncController) teardown() {
	if c.active == nil {
		return
	}
	c.active.cancel()
	if c.active.channel != nil {
		if err := c.active.channel.Close(); err != nil {
			c.logger.WithError(err).Warn("closing push channel")
		}
	}
	c.active = nil
}

func (c *SyncController) shutdown() {
	c.teardown()
	c.updateStatus(func(s *FeedStatus) { s.State = SyncIdle })
	c.logger.Debug("sync controller stopped")
}

func (c *SyncController) updateStatus(fn func(*FeedStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
}

func (c *SyncController) emit(cond Condition) {
	select {
	case c.conditions <- cond:
	default:
		c.logger.WithField("kind", cond.Kind).Warn("condition buffer full, dropping")
	}
}

func (c *SyncController) notify(kind models.FeedChangeKind, messageID string) {
	if c.notifier == nil {
		return
	}
	c.notifier.NotifyFeedChange(models.FeedChange{
		Kind:       kind,
		Generation: c.gen,
		Ready:      c.store.Ready(),
		Count:      c.store.Len(),
		MessageID:  messageID,
	})
}
