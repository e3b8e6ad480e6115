package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/guy-noel/sigfox-platform/internal/models"
)

func msg(id string, minute int) models.Message {
	return models.Message{
		ID:        id,
		DeviceID:  "D1",
		CreatedAt: time.Date(2024, 1, 1, 0, minute, 0, 0, time.UTC),
	}
}

func ids(messages []models.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

// pendingFetch is one Fetch call waiting for a test to answer it
type pendingFetch struct {
	scope  models.Scope
	filter models.FilterDescriptor
	reply  chan fetchReply
}

type fetchReply struct {
	messages []models.Message
	err      error
}

func (p pendingFetch) respond(messages ...models.Message) {
	p.reply <- fetchReply{messages: messages}
}

func (p pendingFetch) fail(err error) {
	p.reply <- fetchReply{err: err}
}

// scriptedSource hands every Fetch to the test and ignores cancellation,
// so a superseded fetch can still resolve late.
type scriptedSource struct {
	calls chan pendingFetch
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{calls: make(chan pendingFetch, 16)}
}

func (s *scriptedSource) Fetch(ctx context.Context, scope models.Scope, filter models.FilterDescriptor) ([]models.Message, error) {
	call := pendingFetch{scope: scope, filter: filter, reply: make(chan fetchReply, 1)}
	s.calls <- call
	r := <-call.reply
	return r.messages, r.err
}

type fakeChannel struct {
	mu       sync.Mutex
	closed   int
	listener ChannelListener
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeChannelFactory struct {
	mu       sync.Mutex
	channels []*fakeChannel
	err      error
}

func (f *fakeChannelFactory) OpenChannel(ctx context.Context, listener ChannelListener) (EventChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := &fakeChannel{listener: listener}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeChannelFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakeChannelFactory) channel(i int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[i]
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []models.FeedChange
}

func (n *recordingNotifier) NotifyFeedChange(change models.FeedChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
}

func (n *recordingNotifier) kinds() []models.FeedChangeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.FeedChangeKind, 0, len(n.changes))
	for _, c := range n.changes {
		out = append(out, c.Kind)
	}
	return out
}

// fakeMessageRepo serves fixed listings and records deletes
type fakeMessageRepo struct {
	mu         sync.Mutex
	userMsgs   []models.Message
	orgMsgs    []models.Message
	err        error
	lastOwner  string
	lastFilter models.FilterDescriptor
	deleted    []string
	deleteErr  error
}

func (r *fakeMessageRepo) ListUserMessages(ctx context.Context, userID string, filter models.FilterDescriptor) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastOwner = "user:" + userID
	r.lastFilter = filter
	return r.userMsgs, r.err
}

func (r *fakeMessageRepo) ListOrganizationMessages(ctx context.Context, organizationID string, filter models.FilterDescriptor) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastOwner = "organization:" + organizationID
	r.lastFilter = filter
	return r.orgMsgs, r.err
}

func (r *fakeMessageRepo) DeleteMessage(ctx context.Context, userID, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	r.deleted = append(r.deleted, userID+"/"+messageID)
	return nil
}

type fakeOrgRepo struct {
	orgs map[string]models.Organization
}

var errNoOrganization = errors.New("organization not found")

func (r *fakeOrgRepo) GetUserOrganization(ctx context.Context, userID, organizationID string) (*models.Organization, error) {
	org, ok := r.orgs[organizationID]
	if !ok {
		return nil, errNoOrganization
	}
	return &org, nil
}
