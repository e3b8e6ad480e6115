package services

import (
	"strings"

	"github.com/guy-noel/sigfox-platform/internal/models"
)

// DefaultLimit is the feed size until a "show N" action overrides it
const DefaultLimit = 100

// LimitPresets are the "show N" choices offered by the presentation surface
var LimitPresets = []int{100, 500, 1000, 10000}

var feedIncludes = []models.Relation{models.RelationDevice, models.RelationGeolocs}

// BuildFilter returns the listing filter for a feed, newest first.
// An empty deviceID lists every device; a non-positive limit means DefaultLimit.
func BuildFilter(deviceID string, limit int) models.FilterDescriptor {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var where []models.Predicate
	if deviceID = strings.TrimSpace(deviceID); deviceID != "" {
		where = []models.Predicate{{Field: "deviceId", Value: deviceID}}
	}
	// limit is positive and the relations are known, so this cannot fail
	filter, _ := models.NewFilterDescriptor(
		models.OrderBy{Field: "createdAt", Direction: models.SortDesc},
		limit,
		feedIncludes,
		where,
	)
	return filter
}
