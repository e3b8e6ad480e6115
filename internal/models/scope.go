package models

import (
	"strings"
)

// ScopeKind selects which listing endpoint family serves a feed
type ScopeKind string

const (
	ScopeUser         ScopeKind = "user"
	ScopeOrganization ScopeKind = "organization"
)

// Scope is the ownership context of a feed: a user or an organization
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// UserScope returns the scope of messages owned by a user
func UserScope(userID string) Scope {
	return Scope{Kind: ScopeUser, ID: strings.TrimSpace(userID)}
}

// OrganizationScope returns the scope of messages shared with an organization
func OrganizationScope(organizationID string) Scope {
	return Scope{Kind: ScopeOrganization, ID: strings.TrimSpace(organizationID)}
}

// Validate checks the scope names exactly one owner
func (s Scope) Validate() error {
	if s.Kind != ScopeUser && s.Kind != ScopeOrganization {
		return ErrInvalidScope
	}
	if s.ID == "" {
		return ErrEmptyScopeID
	}
	return nil
}

func (s Scope) IsOrganization() bool {
	return s.Kind == ScopeOrganization
}

func (s Scope) String() string {
	return string(s.Kind) + ":" + s.ID
}

// RouteParams is the navigation context a feed is opened from
type RouteParams struct {
	ParentOrganizationID string `json:"parentOrganizationId,omitempty"`
	DeviceID             string `json:"deviceId,omitempty"`
}

// Normalize trims both fields
func (r RouteParams) Normalize() RouteParams {
	return RouteParams{
		ParentOrganizationID: strings.TrimSpace(r.ParentOrganizationID),
		DeviceID:             strings.TrimSpace(r.DeviceID),
	}
}
