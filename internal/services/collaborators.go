package services

import (
	"context"
	"time"

	"scadenze/internal/core"
)

// ScheduleStore persists recurring-transaction schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *core.Schedule) error
	GetSchedule(ctx context.Context, id int64) (*core.Schedule, error)
	// UpdateSchedule replaces the schedule's mutable fields. prevNextDue is
	// the next due date read before the mutation; the update must fail with
	// core.ErrConflict when the stored value no longer matches, so two
	// concurrent MarkDone calls cannot both advance from the same state.
	UpdateSchedule(ctx context.Context, s *core.Schedule, prevNextDue core.Date) error
	MarkScheduleDeleted(ctx context.Context, id int64) error
	// ListActiveSchedulesDueBefore returns active schedules whose next due
	// date is on or before the given calendar date and whose notification
	// watermark is earlier than notifiedBefore.
	ListActiveSchedulesDueBefore(ctx context.Context, due core.Date, notifiedBefore time.Time) ([]*core.Schedule, error)
}

// TransactionStore materializes completed occurrences as standalone
// transaction records. Owned by the transaction-CRUD subsystem.
type TransactionStore interface {
	// CompleteOccurrence persists the advanced schedule and the
	// materialized transaction in one atomic write. prevNextDue carries
	// the same optimistic guard as ScheduleStore.UpdateSchedule; on
	// core.ErrConflict or core.ErrNotFound neither write is applied.
	CompleteOccurrence(ctx context.Context, s *core.Schedule, prevNextDue core.Date, t *core.Transaction) (int64, error)
}

// TokenStore resolves and prunes device push tokens.
type TokenStore interface {
	ListDeviceTokens(ctx context.Context, ownerIDs []string) ([]core.DeviceToken, error)
	DeleteDeviceTokens(ctx context.Context, tokens []string) error
}

// WatermarkStore advances the per-owner notification watermark. The
// update must never move a watermark backward.
type WatermarkStore interface {
	AdvanceNotifiedWatermark(ctx context.Context, ownerIDs []string, windowEnd time.Time) error
}

// TimezoneProvider resolves an owner's IANA timezone.
type TimezoneProvider interface {
	LocationFor(ctx context.Context, ownerID string) (*time.Location, error)
}

// TransactionEventPublisher announces materialized transactions to the
// rest of the system. Publishing is best-effort; the transaction record
// is already persisted when it is called.
type TransactionEventPublisher interface {
	PublishTransactionCreated(ctx context.Context, txID, scheduleID int64) error
}
