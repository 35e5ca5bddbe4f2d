package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"scadenze/internal/calendar"
	"scadenze/internal/core"
)

// ScheduleService owns the recurring-transaction lifecycle: create, edit,
// mark-done, skip and delete, including the due-date advancement rules.
type ScheduleService struct {
	store     ScheduleStore
	txStore   TransactionStore
	timezones TimezoneProvider
	events    TransactionEventPublisher
	// now is the clock; replaced in tests.
	now func() time.Time
}

func NewScheduleService(store ScheduleStore, txStore TransactionStore, timezones TimezoneProvider, events TransactionEventPublisher) *ScheduleService {
	return &ScheduleService{
		store:     store,
		txStore:   txStore,
		timezones: timezones,
		events:    events,
		now:       time.Now,
	}
}

// Create validates and persists a new schedule. The first occurrence is
// the anchor date itself.
func (s *ScheduleService) Create(ctx context.Context, sched *core.Schedule) error {
	sched.Status = core.StatusActive
	sched.NextDueDate = sched.AnchorDate
	sched.LastNotifiedWindowEnd = time.Time{}
	if err := sched.Validate(); err != nil {
		return err
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}

	slog.InfoContext(ctx, "Schedule created",
		"schedule_id", sched.ID,
		"owner_id", sched.OwnerID,
		"unit", sched.Unit,
		"interval", sched.Interval,
		"anchor_date", sched.AnchorDate.String())
	return nil
}

// EditRequest carries the replacement fields for an existing schedule.
type EditRequest struct {
	AnchorDate core.Date
	Unit       core.OccurrenceUnit
	Interval   int
	Template   core.TransactionTemplate
}

// Edit replaces a schedule's fields. When the recurrence rule itself
// changes (anchor, unit or interval), the next due date is recomputed
// from the new anchor relative to the owner's current local date.
func (s *ScheduleService) Edit(ctx context.Context, ownerID string, id int64, req EditRequest) (*core.Schedule, error) {
	sched, err := s.ownedSchedule(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	prevNextDue := sched.NextDueDate
	ruleChanged := !req.AnchorDate.Equal(sched.AnchorDate) ||
		req.Unit != sched.Unit ||
		req.Interval != sched.Interval

	sched.AnchorDate = req.AnchorDate
	sched.Unit = req.Unit
	sched.Interval = req.Interval
	sched.Template = req.Template

	if ruleChanged {
		today, err := s.localToday(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		sched.NextDueDate = NextDueDate(sched.AnchorDate, sched.Unit, sched.Interval, today)
		// A future anchor is its own first occurrence.
		if sched.AnchorDate.After(today) {
			sched.NextDueDate = sched.AnchorDate
		}
	}

	if err := sched.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSchedule(ctx, sched, prevNextDue); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}

	slog.InfoContext(ctx, "Schedule edited",
		"schedule_id", sched.ID,
		"owner_id", ownerID,
		"rule_changed", ruleChanged,
		"next_due_date", sched.NextDueDate.String())
	return sched, nil
}

// MarkDone resolves the current occurrence: it materializes a transaction
// from the payload template dated at the due date, then advances the next
// due date. Fails with core.ErrNotDueYet when the schedule is not yet due.
func (s *ScheduleService) MarkDone(ctx context.Context, ownerID string, id int64) (*core.Transaction, error) {
	sched, err := s.dueSchedule(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	tx := &core.Transaction{
		OwnerID:     sched.OwnerID,
		ScheduleID:  sched.ID,
		Date:        sched.NextDueDate,
		Amount:      sched.Template.Amount,
		Type:        sched.Template.Type,
		Category:    sched.Template.Category,
		PaymentMode: sched.Template.PaymentMode,
		Description: sched.Template.Description,
	}

	// Advance and materialize as one write: the loser of a concurrent
	// advance race must not leave a duplicate transaction behind.
	prev := sched.NextDueDate
	sched.NextDueDate = NextDueDate(sched.AnchorDate, sched.Unit, sched.Interval, prev)
	txID, err := s.txStore.CompleteOccurrence(ctx, sched, prev, tx)
	if err != nil {
		sched.NextDueDate = prev
		return nil, fmt.Errorf("complete occurrence: %w", err)
	}
	tx.ID = txID

	if s.events != nil {
		if err := s.events.PublishTransactionCreated(ctx, txID, sched.ID); err != nil {
			// The transaction is persisted; the event is best-effort.
			slog.ErrorContext(ctx, "Failed to publish transaction-created event",
				"transaction_id", txID,
				"schedule_id", sched.ID,
				"error", err)
		}
	}

	slog.InfoContext(ctx, "Occurrence completed",
		"schedule_id", sched.ID,
		"owner_id", ownerID,
		"transaction_id", txID,
		"transaction_date", tx.Date.String(),
		"next_due_date", sched.NextDueDate.String())
	return tx, nil
}

// Skip resolves the current occurrence without materializing a
// transaction. The next due date advances exactly as in MarkDone.
func (s *ScheduleService) Skip(ctx context.Context, ownerID string, id int64) (*core.Schedule, error) {
	sched, err := s.dueSchedule(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := s.advance(ctx, sched); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Occurrence skipped",
		"schedule_id", sched.ID,
		"owner_id", ownerID,
		"next_due_date", sched.NextDueDate.String())
	return sched, nil
}

// Delete logically removes the schedule; it is excluded from all future
// aggregation. Materialized transactions are untouched.
func (s *ScheduleService) Delete(ctx context.Context, ownerID string, id int64) error {
	sched, err := s.ownedSchedule(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.store.MarkScheduleDeleted(ctx, sched.ID); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}

	slog.InfoContext(ctx, "Schedule deleted",
		"schedule_id", sched.ID,
		"owner_id", ownerID)
	return nil
}

// advance moves the schedule to its next occurrence, guarded against
// concurrent writers via the previously read due date.
func (s *ScheduleService) advance(ctx context.Context, sched *core.Schedule) error {
	prev := sched.NextDueDate
	sched.NextDueDate = NextDueDate(sched.AnchorDate, sched.Unit, sched.Interval, prev)
	if err := s.store.UpdateSchedule(ctx, sched, prev); err != nil {
		return fmt.Errorf("advance due date: %w", err)
	}
	return nil
}

func (s *ScheduleService) ownedSchedule(ctx context.Context, ownerID string, id int64) (*core.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched == nil || !sched.IsActive() {
		return nil, core.ErrNotFound
	}
	if sched.OwnerID != ownerID {
		return nil, core.ErrForbidden
	}
	return sched, nil
}

// dueSchedule loads an owned schedule and rejects the transition when the
// schedule is not yet due in the owner's timezone, so a stale client
// cannot advance occurrences prematurely.
func (s *ScheduleService) dueSchedule(ctx context.Context, ownerID string, id int64) (*core.Schedule, error) {
	sched, err := s.ownedSchedule(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	today, err := s.localToday(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if sched.NextDueDate.After(today) {
		return nil, core.ErrNotDueYet
	}
	return sched, nil
}

func (s *ScheduleService) localToday(ctx context.Context, ownerID string) (core.Date, error) {
	loc, err := s.timezones.LocationFor(ctx, ownerID)
	if err != nil {
		return core.Date{}, fmt.Errorf("resolve timezone: %w", err)
	}
	return calendar.LocalDate(s.now(), loc), nil
}
