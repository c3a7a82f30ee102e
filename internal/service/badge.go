package service

import "context"

// BadgeRecalculator recomputes achievement badges after a full regeneration
type BadgeRecalculator interface {
	RecalculateAllBadges(ctx context.Context, userID int64) error
}
