package services

import (
	"sync"

	"github.com/guy-noel/sigfox-platform/internal/models"
)

// FeedStore holds the ordered, id-unique messages of the current feed.
// Reads are safe from any goroutine; SyncController is the only writer.
type FeedStore struct {
	mu       sync.RWMutex
	messages []models.Message
	index    map[string]struct{}
	ready    bool
}

// NewFeedStore creates an empty, not-ready store
func NewFeedStore() *FeedStore {
	return &FeedStore{index: make(map[string]struct{})}
}

// Replace swaps in a snapshot and marks the feed ready.
// Repeated ids in the snapshot keep their first occurrence.
func (s *FeedStore) Replace(snapshot []models.Message) {
	messages := make([]models.Message, 0, len(snapshot))
	index := make(map[string]struct{}, len(snapshot))
	for _, m := range snapshot {
		if _, dup := index[m.ID]; dup {
			continue
		}
		index[m.ID] = struct{}{}
		messages = append(messages, m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = messages
	s.index = index
	s.ready = true
}

// ApplyCreate inserts m at the head. It reports false when the id is already present.
func (s *FeedStore) ApplyCreate(m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[m.ID]; exists {
		return false
	}
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[1:], s.messages)
	s.messages[0] = m
	s.index[m.ID] = struct{}{}
	return true
}

// ApplyDelete removes the message with id. It reports false when nothing matched.
func (s *FeedStore) ApplyDelete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[id]; !exists {
		return false
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	delete(s.index, id)
	return true
}

// MarkPending starts a fetch cycle: the feed is no longer ready but keeps its contents
func (s *FeedStore) MarkPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
}

// View returns a copy of the current feed, newest first
func (s *FeedStore) View() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view := make([]models.Message, len(s.messages))
	copy(view, s.messages)
	return view
}

// Ready reports whether the current fetch cycle has completed
func (s *FeedStore) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Len returns the number of messages in the feed
func (s *FeedStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
