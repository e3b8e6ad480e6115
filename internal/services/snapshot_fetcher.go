package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guy-noel/sigfox-platform/internal/models"
	"github.com/guy-noel/sigfox-platform/internal/observability"
	"github.com/guy-noel/sigfox-platform/internal/repository"
	"go.opentelemetry.io/otel/attribute"
)

// ErrFetchFailed is matched by every FetchError
var ErrFetchFailed = errors.New("snapshot fetch failed")

// FetchError is a failed snapshot query for one scope
type FetchError struct {
	Scope models.Scope
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.Scope, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetchFailed }

// SnapshotFetcher runs the bounded listing query for a scope
type SnapshotFetcher struct {
	repo    repository.MessageRepo
	metrics *observability.FeedMetrics
}

// NewSnapshotFetcher creates a fetcher; metrics may be nil
func NewSnapshotFetcher(repo repository.MessageRepo, metrics *observability.FeedMetrics) *SnapshotFetcher {
	return &SnapshotFetcher{repo: repo, metrics: metrics}
}

// Fetch returns the listing for scope in server order. It does not retry.
func (f *SnapshotFetcher) Fetch(ctx context.Context, scope models.Scope, filter models.FilterDescriptor) ([]models.Message, error) {
	ctx, span := observability.StartServiceSpan(ctx, "snapshot", "fetch",
		attribute.String("feed.scope", scope.String()),
		attribute.Int("feed.limit", filter.Limit()),
	)
	defer span.End()

	if err := scope.Validate(); err != nil {
		err = &FetchError{Scope: scope, Err: err}
		observability.RecordError(span, err)
		return nil, err
	}

	start := time.Now()
	var (
		messages []models.Message
		err      error
	)
	if scope.IsOrganization() {
		messages, err = f.repo.ListOrganizationMessages(ctx, scope.ID, filter)
	} else {
		messages, err = f.repo.ListUserMessages(ctx, scope.ID, filter)
	}
	span.SetAttributes(observability.Duration(time.Since(start)))
	f.metrics.RecordSnapshotFetch(ctx, string(scope.Kind), len(messages), err)
	if err != nil {
		err = &FetchError{Scope: scope, Err: err}
		observability.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("feed.size", len(messages)))
	observability.SetSuccess(span)
	return messages, nil
}
