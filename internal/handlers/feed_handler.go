package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/guy-noel/sigfox-platform/internal/models"
	"github.com/guy-noel/sigfox-platform/internal/observability"
	"github.com/guy-noel/sigfox-platform/internal/repository"
	"github.com/guy-noel/sigfox-platform/internal/services"
)

// FeedStatusReader is the read side of the sync controller
type FeedStatusReader interface {
	Status() services.FeedStatus
}

// FeedActions is what the presentation surface can ask of a session
type FeedActions interface {
	Navigate(ctx context.Context, route models.RouteParams) (uint64, error)
	SetLimit(limit int) (uint64, error)
	DeleteMessage(ctx context.Context, messageID string) error
	Current() services.SessionState
}

// FeedHandler serves the live feed
type FeedHandler struct {
	status  FeedStatusReader
	store   *services.FeedStore
	session FeedActions
	logger  *observability.Logger
}

// NewFeedHandler creates a new FeedHandler
func NewFeedHandler(status FeedStatusReader, store *services.FeedStore, session FeedActions, logger *observability.Logger) *FeedHandler {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &FeedHandler{
		status:  status,
		store:   store,
		session: session,
		logger:  logger.WithField("component", "feed_handler"),
	}
}

// Routes mounts the feed endpoints
func (h *FeedHandler) Routes(r chi.Router) {
	r.Get("/", h.Get)
	r.Put("/limit", h.SetLimit)
	r.Put("/route", h.SetRoute)
	r.Delete("/messages/{id}", h.DeleteMessage)
}

// Get returns readiness, sync state and the current messages
func (h *FeedHandler) Get(w http.ResponseWriter, r *http.Request) {
	status := h.status.Status()
	session := h.session.Current()
	messages := h.store.View()

	limit := session.Limit
	if status.HasFilter {
		limit = status.Filter.Limit()
	}

	respondJSON(w, http.StatusOK, models.FeedResponse{
		Ready:      status.Ready,
		State:      string(status.State),
		Generation: status.Generation,
		Degraded:   status.Degraded,
		Scope:      session.Scope,
		Route:      session.Route,
		Limit:      limit,
		Presets:    services.LimitPresets,
		Count:      len(messages),
		Messages:   messages,
	})
}

// SetLimit handles the "show N" action
func (h *FeedHandler) SetLimit(w http.ResponseWriter, r *http.Request) {
	var req models.SetLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	if req.Limit <= 0 {
		respondError(w, http.StatusBadRequest, "Limit must be a positive integer.")
		return
	}

	gen, err := h.session.SetLimit(req.Limit)
	if err != nil {
		h.respondActionError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, models.GenerationResponse{Generation: gen})
}

// SetRoute handles navigation to a device or organization
func (h *FeedHandler) SetRoute(w http.ResponseWriter, r *http.Request) {
	var req models.SetRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	gen, err := h.session.Navigate(r.Context(), models.RouteParams{
		ParentOrganizationID: req.ParentOrganizationID,
		DeviceID:             req.DeviceID,
	})
	if err != nil {
		h.respondActionError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, models.GenerationResponse{Generation: gen})
}

// DeleteMessage asks the backend to delete a message; the feed follows the push event
func (h *FeedHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.session.DeleteMessage(r.Context(), id); err != nil {
		h.respondActionError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, models.DeleteMessageResponse{ID: id, Status: "requested"})
}

func (h *FeedHandler) respondActionError(w http.ResponseWriter, r *http.Request, err error) {
	var modelErr models.ModelError
	switch {
	case errors.As(err, &modelErr):
		respondError(w, http.StatusBadRequest, modelErr.Error())
	case errors.Is(err, repository.ErrNotFound):
		respondError(w, http.StatusNotFound, "Not found.")
	case errors.Is(err, services.ErrControllerStopped):
		respondError(w, http.StatusServiceUnavailable, "Feed is shutting down.")
	default:
		h.logger.WithContext(r.Context()).WithError(err).Warnf("%s %s failed", r.Method, r.URL.Path)
		respondError(w, http.StatusBadGateway, "Backend request failed.")
	}
}
