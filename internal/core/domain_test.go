package core

import (
	"errors"
	"testing"
)

func validSchedule() Schedule {
	return Schedule{
		OwnerID:     "user-1",
		Unit:        Month,
		Interval:    1,
		AnchorDate:  NewDate(2024, 1, 15),
		NextDueDate: NewDate(2024, 1, 15),
		Status:      StatusActive,
		Template: TransactionTemplate{
			Amount:      Money{Cents: 1999},
			Type:        Expense,
			Category:    "subscriptions",
			PaymentMode: "card",
			Description: "Streaming service",
		},
	}
}

func TestSchedule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Schedule)
		wantErr error
	}{
		{
			name:    "valid schedule",
			mutate:  func(*Schedule) {},
			wantErr: nil,
		},
		{
			name:    "empty owner",
			mutate:  func(s *Schedule) { s.OwnerID = "  " },
			wantErr: ErrEmptyOwner,
		},
		{
			name:    "unknown unit",
			mutate:  func(s *Schedule) { s.Unit = "fortnight" },
			wantErr: ErrInvalidUnit,
		},
		{
			name:    "zero interval",
			mutate:  func(s *Schedule) { s.Interval = 0 },
			wantErr: ErrInvalidInterval,
		},
		{
			name:    "negative interval",
			mutate:  func(s *Schedule) { s.Interval = -2 },
			wantErr: ErrInvalidInterval,
		},
		{
			name:    "zero anchor date",
			mutate:  func(s *Schedule) { s.AnchorDate = Date{} },
			wantErr: ErrInvalidDate,
		},
		{
			name:    "zero amount",
			mutate:  func(s *Schedule) { s.Template.Amount = Money{} },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "bad transaction type",
			mutate:  func(s *Schedule) { s.Template.Type = "transfer" },
			wantErr: ErrInvalidType,
		},
		{
			name:    "empty category",
			mutate:  func(s *Schedule) { s.Template.Category = "" },
			wantErr: ErrEmptyCategory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSchedule()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchedule_Validate_NextDueBeforeAnchor(t *testing.T) {
	s := validSchedule()
	s.NextDueDate = NewDate(2024, 1, 1)
	if err := s.Validate(); err == nil {
		t.Error("expected error when next due date precedes anchor date")
	}
}

func TestDate_Ordering(t *testing.T) {
	a := NewDate(2024, 1, 31)
	b := NewDate(2024, 2, 1)

	if !a.Before(b) {
		t.Errorf("%s should be before %s", a, b)
	}
	if !b.After(a) {
		t.Errorf("%s should be after %s", b, a)
	}
	if !a.Equal(NewDate(2024, 1, 31)) {
		t.Error("identical dates should be equal")
	}
}

func TestDate_String(t *testing.T) {
	d := NewDate(2024, 3, 5)
	if got := d.String(); got != "2024-03-05" {
		t.Errorf("String() = %q, want 2024-03-05", got)
	}
}

func TestSchedule_IsActive(t *testing.T) {
	s := validSchedule()
	if !s.IsActive() {
		t.Error("active schedule should report IsActive")
	}
	s.Status = StatusDeleted
	if s.IsActive() {
		t.Error("deleted schedule should not report IsActive")
	}
}
