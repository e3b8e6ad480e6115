package repository

import (
	"context"

	"github.com/guy-noel/sigfox-platform/internal/models"
)

// MessageRepo defines the listing endpoints a feed is fetched from
type MessageRepo interface {
	ListUserMessages(ctx context.Context, userID string, filter models.FilterDescriptor) ([]models.Message, error)
	ListOrganizationMessages(ctx context.Context, organizationID string, filter models.FilterDescriptor) ([]models.Message, error)
	DeleteMessage(ctx context.Context, userID, messageID string) error
}

// OrganizationRepo resolves organizations the user belongs to
type OrganizationRepo interface {
	GetUserOrganization(ctx context.Context, userID, organizationID string) (*models.Organization, error)
}
