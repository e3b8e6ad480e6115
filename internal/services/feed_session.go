package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/guy-noel/sigfox-platform/internal/models"
	"github.com/guy-noel/sigfox-platform/internal/observability"
	"github.com/guy-noel/sigfox-platform/internal/repository"
)

// FilterSetter starts sync generations
type FilterSetter interface {
	SetFilter(filter models.FilterDescriptor, scope models.Scope) (uint64, error)
}

// SessionState is what the presentation surface navigated to
type SessionState struct {
	Route        models.RouteParams
	Scope        models.Scope
	Limit        int
	Organization *models.Organization
}

// FeedSession turns navigation and "show N" actions into sync generations
// for one signed-in user.
type FeedSession struct {
	controller   FilterSetter
	orgs         repository.OrganizationRepo
	messages     repository.MessageRepo
	userID       string
	defaultLimit int
	logger       *observability.Logger

	mu    sync.Mutex
	state SessionState
}

// NewFeedSession creates a session for userID. A non-positive defaultLimit means DefaultLimit.
func NewFeedSession(controller FilterSetter, orgs repository.OrganizationRepo, messages repository.MessageRepo, userID string, defaultLimit int, logger *observability.Logger) *FeedSession {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if logger == nil {
		logger = observability.GetLogger()
	}
	userID = strings.TrimSpace(userID)
	return &FeedSession{
		controller:   controller,
		orgs:         orgs,
		messages:     messages,
		userID:       userID,
		defaultLimit: defaultLimit,
		logger:       logger.WithField("component", "feed_session"),
		state: SessionState{
			Scope: models.UserScope(userID),
			Limit: defaultLimit,
		},
	}
}

// Navigate re-syncs the feed for route with the default limit.
// When the organization cannot be resolved the feed is left as it was.
func (s *FeedSession) Navigate(ctx context.Context, route models.RouteParams) (uint64, error) {
	route = route.Normalize()
	ctx, span := observability.StartServiceSpan(ctx, "session", "navigate",
		observability.UserID(s.userID), observability.DeviceID(route.DeviceID))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	scope := models.UserScope(s.userID)
	var org *models.Organization
	if route.ParentOrganizationID != "" {
		resolved, err := s.resolveOrganization(ctx, route.ParentOrganizationID)
		if err != nil {
			observability.RecordError(span, err)
			return 0, err
		}
		org = resolved
		scope = models.OrganizationScope(resolved.ID)
	}

	limit := s.defaultLimit
	gen, err := s.controller.SetFilter(BuildFilter(route.DeviceID, limit), scope)
	if err != nil {
		observability.RecordError(span, err)
		return 0, err
	}
	span.SetAttributes(observability.Generation(gen))
	observability.SetSuccess(span)
	s.state = SessionState{Route: route, Scope: scope, Limit: limit, Organization: org}
	return gen, nil
}

// SetLimit re-syncs the current route with a new limit
func (s *FeedSession) SetLimit(limit int) (uint64, error) {
	if limit <= 0 {
		return 0, models.ErrInvalidLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	gen, err := s.controller.SetFilter(BuildFilter(s.state.Route.DeviceID, limit), s.state.Scope)
	if err != nil {
		return 0, err
	}
	s.state.Limit = limit
	return gen, nil
}

// DeleteMessage asks the backend to delete a message. The feed is updated by
// the DELETE push event that follows, not here.
func (s *FeedSession) DeleteMessage(ctx context.Context, messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return models.ErrEmptyMessageID
	}
	ctx, span := observability.StartServiceSpan(ctx, "session", "delete_message",
		observability.UserID(s.userID), observability.MessageID(messageID))
	defer span.End()

	if err := s.messages.DeleteMessage(ctx, s.userID, messageID); err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("deleting message %s: %w", messageID, err)
	}
	observability.SetSuccess(span)
	s.logger.WithContext(ctx).WithField("message_id", messageID).Info("message deleted")
	return nil
}

// Current returns the last applied navigation
func (s *FeedSession) Current() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *FeedSession) resolveOrganization(ctx context.Context, organizationID string) (*models.Organization, error) {
	ctx, span := observability.StartServiceSpan(ctx, "session", "resolve_organization",
		observability.UserID(s.userID), observability.OrganizationID(organizationID))
	defer span.End()

	org, err := s.orgs.GetUserOrganization(ctx, s.userID, organizationID)
	if err != nil {
		observability.RecordError(span, err)
		s.logger.WithContext(ctx).WithError(err).Warnf("resolving organization %s", organizationID)
		return nil, fmt.Errorf("resolving organization %s: %w", organizationID, err)
	}
	if org.ID == "" {
		org.ID = organizationID
	}
	observability.SetSuccess(span)
	return org, nil
}
