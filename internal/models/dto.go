package models

import "time"

// HealthResponse is returned by health check
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// FeedResponse for GET /api/feed
type FeedResponse struct {
	Ready      bool        `json:"ready"`
	State      string      `json:"state"`
	Generation uint64      `json:"generation"`
	Degraded   bool        `json:"degraded"`
	Scope      Scope       `json:"scope"`
	Route      RouteParams `json:"route"`
	Limit      int         `json:"limit"`
	Presets    []int       `json:"presets"`
	Count      int         `json:"count"`
	Messages   []Message   `json:"messages"`
}

// GenerationResponse is returned when an action starts a new sync generation
type GenerationResponse struct {
	Generation uint64 `json:"generation"`
}

// DeleteMessageResponse for DELETE /api/feed/messages/{id}
type DeleteMessageResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SetLimitRequest for PUT /api/feed/limit
type SetLimitRequest struct {
	Limit int `json:"limit"`
}

// SetRouteRequest for PUT /api/feed/route
type SetRouteRequest struct {
	ParentOrganizationID string `json:"parentOrganizationId"`
	DeviceID             string `json:"deviceId"`
}

// FeedChangeKind names what happened to the feed
type FeedChangeKind string

const (
	FeedChangeReplaced FeedChangeKind = "replaced"
	FeedChangeCreated  FeedChangeKind = "created"
	FeedChangeDeleted  FeedChangeKind = "deleted"
	FeedChangePending  FeedChangeKind = "pending"
)

// FeedChange is broadcast to presentation clients after each feed mutation
type FeedChange struct {
	Kind       FeedChangeKind `json:"kind"`
	Generation uint64         `json:"generation"`
	Ready      bool           `json:"ready"`
	Count      int            `json:"count"`
	MessageID  string         `json:"messageId,omitempty"`
}
