package core

import (
	"errors"
	"strings"
	"time"
)

const (
	Day   OccurrenceUnit = "day"
	Week  OccurrenceUnit = "week"
	Month OccurrenceUnit = "month"
	Year  OccurrenceUnit = "year"
)

const (
	StatusActive  ScheduleStatus = "active"
	StatusDeleted ScheduleStatus = "deleted"
)

const (
	Expense TransactionType = "expense"
	Income  TransactionType = "income"
)

type (
	OccurrenceUnit  string
	ScheduleStatus  string
	TransactionType string

	// Date is a timezone-naive calendar date, stored as UTC midnight.
	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	// TransactionTemplate holds the transaction fields materialized
	// when a recurring occurrence is completed.
	TransactionTemplate struct {
		Amount      Money
		Type        TransactionType
		Category    string
		PaymentMode string
		Description string
	}

	// Schedule is a recurring-transaction rule: one occurrence every
	// Interval units starting at AnchorDate, next unresolved occurrence
	// at NextDueDate.
	Schedule struct {
		ID       int64
		OwnerID  string
		Unit     OccurrenceUnit
		Interval int
		// AnchorDate is the first occurrence; NextDueDate never precedes it.
		AnchorDate  Date
		NextDueDate Date
		// LastNotifiedWindowEnd is the latest aggregation-window end this
		// schedule has already been notified for. Zero means never notified.
		// Once set it only moves forward.
		LastNotifiedWindowEnd time.Time
		Status                ScheduleStatus
		Template              TransactionTemplate
	}

	// Transaction is a standalone record materialized from a completed
	// recurring occurrence.
	Transaction struct {
		ID          int64
		OwnerID     string
		ScheduleID  int64
		Date        Date
		Amount      Money
		Type        TransactionType
		Category    string
		PaymentMode string
		Description string
	}

	DeviceToken struct {
		OwnerID string
		Token   string
	}
)

var (
	ErrInvalidDate     = errors.New("invalid date")
	ErrInvalidUnit     = errors.New("invalid occurrence unit")
	ErrInvalidInterval = errors.New("interval must be at least 1")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidType     = errors.New("invalid transaction type")
	ErrEmptyOwner      = errors.New("empty owner id")
	ErrEmptyCategory   = errors.New("empty category")

	// Lifecycle transition failures.
	ErrNotFound  = errors.New("schedule not found")
	ErrForbidden = errors.New("schedule not owned by caller")
	ErrNotDueYet = errors.New("schedule is not due yet")
	ErrConflict  = errors.New("schedule was modified concurrently")
)

// NewDate creates a calendar date at UTC midnight.
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) Validate() error {
	if d.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

// Before reports whether d is an earlier calendar day than other.
func (d Date) Before(other Date) bool {
	return d.Time.Before(other.Time)
}

// After reports whether d is a later calendar day than other.
func (d Date) After(other Date) bool {
	return d.Time.After(other.Time)
}

func (d Date) Equal(other Date) bool {
	return d.Time.Equal(other.Time)
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return d.Format("2006-01-02")
}

func (u OccurrenceUnit) Validate() error {
	switch u {
	case Day, Week, Month, Year:
		return nil
	default:
		return ErrInvalidUnit
	}
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (t TransactionTemplate) Validate() error {
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	switch t.Type {
	case Expense, Income:
	default:
		return ErrInvalidType
	}
	if strings.TrimSpace(t.Category) == "" {
		return ErrEmptyCategory
	}
	if len(t.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	return nil
}

func (s Schedule) Validate() error {
	if strings.TrimSpace(s.OwnerID) == "" {
		return ErrEmptyOwner
	}
	if err := s.Unit.Validate(); err != nil {
		return err
	}
	if s.Interval < 1 {
		return ErrInvalidInterval
	}
	if err := s.AnchorDate.Validate(); err != nil {
		return err
	}
	if !s.NextDueDate.IsZero() && s.NextDueDate.Before(s.AnchorDate) {
		return errors.New("next due date precedes anchor date")
	}
	return s.Template.Validate()
}

// IsActive reports whether the schedule participates in aggregation.
func (s Schedule) IsActive() bool {
	return s.Status == StatusActive
}
