// Package storage persists schedules, materialized transactions, device
// tokens and owner settings in SQLite. It implements every storage
// collaborator consumed by the services package.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"scadenze/internal/core"
)

const dateLayout = "2006-01-02"

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// CreateSchedule implements services.ScheduleStore.
func (r *SQLiteRepository) CreateSchedule(ctx context.Context, s *core.Schedule) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules (
			owner_id, unit, interval, anchor_date, next_due_date,
			last_notified_window_end, status,
			amount_cents, tx_type, category, payment_mode, description
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.OwnerID, string(s.Unit), s.Interval,
		s.AnchorDate.String(), s.NextDueDate.String(),
		nullableInstant(s.LastNotifiedWindowEnd), string(s.Status),
		s.Template.Amount.Cents, string(s.Template.Type),
		s.Template.Category, s.Template.PaymentMode, s.Template.Description,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("schedule insert id: %w", err)
	}
	s.ID = id
	return nil
}

// GetSchedule implements services.ScheduleStore. A missing schedule is
// (nil, nil); the caller decides how absence maps onto its error taxonomy.
func (r *SQLiteRepository) GetSchedule(ctx context.Context, id int64) (*core.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, unit, interval, anchor_date, next_due_date,
		       last_notified_window_end, status,
		       amount_cents, tx_type, category, payment_mode, description
		FROM schedules WHERE id = ?`, id)

	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %d: %w", id, err)
	}
	return s, nil
}

// UpdateSchedule implements services.ScheduleStore. The write is guarded
// by the next due date read before the mutation, so concurrent advancers
// cannot both succeed from the same starting state.
func (r *SQLiteRepository) UpdateSchedule(ctx context.Context, s *core.Schedule, prevNextDue core.Date) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE schedules
		SET unit = ?, interval = ?, anchor_date = ?, next_due_date = ?,
		    amount_cents = ?, tx_type = ?, category = ?, payment_mode = ?,
		    description = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'active' AND next_due_date = ?`,
		string(s.Unit), s.Interval, s.AnchorDate.String(), s.NextDueDate.String(),
		s.Template.Amount.Cents, string(s.Template.Type), s.Template.Category,
		s.Template.PaymentMode, s.Template.Description,
		s.ID, prevNextDue.String(),
	)
	if err != nil {
		return fmt.Errorf("update schedule %d: %w", s.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update schedule %d rows affected: %w", s.ID, err)
	}
	if affected == 0 {
		existing, err := r.GetSchedule(ctx, s.ID)
		if err != nil {
			return err
		}
		if existing == nil || !existing.IsActive() {
			return core.ErrNotFound
		}
		return core.ErrConflict
	}
	return nil
}

// MarkScheduleDeleted implements services.ScheduleStore.
func (r *SQLiteRepository) MarkScheduleDeleted(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET status = 'deleted', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete schedule %d rows affected: %w", id, err)
	}
	if affected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ListActiveSchedulesDueBefore implements services.ScheduleStore.
func (r *SQLiteRepository) ListActiveSchedulesDueBefore(ctx context.Context, due core.Date, notifiedBefore time.Time) ([]*core.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, unit, interval, anchor_date, next_due_date,
		       last_notified_window_end, status,
		       amount_cents, tx_type, category, payment_mode, description
		FROM schedules
		WHERE status = 'active'
		  AND next_due_date <= ?
		  AND (last_notified_window_end IS NULL OR last_notified_window_end < ?)
		ORDER BY owner_id, id`,
		due.String(), notifiedBefore.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var out []*core.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due schedules: %w", err)
	}
	return out, nil
}

// CompleteOccurrence implements services.TransactionStore. The schedule
// advance and the transaction insert commit together or not at all, so a
// lost optimistic race leaves no partial record.
func (r *SQLiteRepository) CompleteOccurrence(ctx context.Context, s *core.Schedule, prevNextDue core.Date, t *core.Transaction) (int64, error) {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin occurrence write: %w", err)
	}
	defer dbTx.Rollback()

	res, err := dbTx.ExecContext(ctx, `
		UPDATE schedules SET next_due_date = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'active' AND next_due_date = ?`,
		s.NextDueDate.String(), s.ID, prevNextDue.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("advance schedule %d: %w", s.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("advance schedule %d rows affected: %w", s.ID, err)
	}
	if affected == 0 {
		// Release the write lock before the diagnostic read.
		dbTx.Rollback()
		existing, err := r.GetSchedule(ctx, s.ID)
		if err != nil {
			return 0, err
		}
		if existing == nil || !existing.IsActive() {
			return 0, core.ErrNotFound
		}
		return 0, core.ErrConflict
	}

	res, err = dbTx.ExecContext(ctx, `
		INSERT INTO transactions (
			owner_id, schedule_id, tx_date, amount_cents, tx_type,
			category, payment_mode, description
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.OwnerID, t.ScheduleID, t.Date.String(), t.Amount.Cents,
		string(t.Type), t.Category, t.PaymentMode, t.Description,
	)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("transaction insert id: %w", err)
	}
	if err := dbTx.Commit(); err != nil {
		return 0, fmt.Errorf("commit occurrence write: %w", err)
	}
	return id, nil
}

// ListDeviceTokens implements services.TokenStore.
func (r *SQLiteRepository) ListDeviceTokens(ctx context.Context, ownerIDs []string) ([]core.DeviceToken, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT owner_id, token FROM device_tokens
		WHERE owner_id IN (` + placeholders(len(ownerIDs)) + `)
		ORDER BY owner_id, token`
	rows, err := r.db.QueryContext(ctx, query, stringArgs(ownerIDs)...)
	if err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	defer rows.Close()

	var out []core.DeviceToken
	for rows.Next() {
		var t core.DeviceToken
		if err := rows.Scan(&t.OwnerID, &t.Token); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device tokens: %w", err)
	}
	return out, nil
}

// DeleteDeviceTokens implements services.TokenStore.
func (r *SQLiteRepository) DeleteDeviceTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	query := `DELETE FROM device_tokens WHERE token IN (` + placeholders(len(tokens)) + `)`
	if _, err := r.db.ExecContext(ctx, query, stringArgs(tokens)...); err != nil {
		return fmt.Errorf("delete device tokens: %w", err)
	}
	return nil
}

// AddDeviceToken registers a push token for an owner. Re-registering the
// same token moves it to its latest owner.
func (r *SQLiteRepository) AddDeviceToken(ctx context.Context, ownerID, token string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_tokens (token, owner_id) VALUES (?, ?)
		ON CONFLICT (token) DO UPDATE SET owner_id = excluded.owner_id`,
		token, ownerID)
	if err != nil {
		return fmt.Errorf("add device token: %w", err)
	}
	return nil
}

// AdvanceNotifiedWatermark implements services.WatermarkStore. Watermarks
// only ever move forward.
func (r *SQLiteRepository) AdvanceNotifiedWatermark(ctx context.Context, ownerIDs []string, windowEnd time.Time) error {
	if len(ownerIDs) == 0 {
		return nil
	}
	end := windowEnd.UTC().Format(time.RFC3339)
	query := `
		UPDATE schedules SET last_notified_window_end = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status = 'active'
		  AND owner_id IN (` + placeholders(len(ownerIDs)) + `)
		  AND (last_notified_window_end IS NULL OR last_notified_window_end < ?)`
	args := append([]any{end}, stringArgs(ownerIDs)...)
	args = append(args, end)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("advance notification watermark: %w", err)
	}
	return nil
}

// LocationFor implements services.TimezoneProvider. Unknown owners and
// unparseable zones fall back to UTC.
func (r *SQLiteRepository) LocationFor(ctx context.Context, ownerID string) (*time.Location, error) {
	var name string
	err := r.db.QueryRowContext(ctx,
		`SELECT timezone FROM owners WHERE id = ?`, ownerID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return time.UTC, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get owner timezone: %w", err)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, nil
	}
	return loc, nil
}

// UpsertOwnerTimezone stores an owner's IANA timezone.
func (r *SQLiteRepository) UpsertOwnerTimezone(ctx context.Context, ownerID, timezone string) error {
	if _, err := time.LoadLocation(timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO owners (id, timezone) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET timezone = excluded.timezone`,
		ownerID, timezone)
	if err != nil {
		return fmt.Errorf("upsert owner timezone: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*core.Schedule, error) {
	var (
		s          core.Schedule
		unit       string
		anchor     string
		nextDue    string
		notifiedAt sql.NullString
		status     string
		txType     string
	)
	err := row.Scan(
		&s.ID, &s.OwnerID, &unit, &s.Interval, &anchor, &nextDue,
		&notifiedAt, &status,
		&s.Template.Amount.Cents, &txType, &s.Template.Category,
		&s.Template.PaymentMode, &s.Template.Description,
	)
	if err != nil {
		return nil, err
	}

	s.Unit = core.OccurrenceUnit(unit)
	s.Status = core.ScheduleStatus(status)
	s.Template.Type = core.TransactionType(txType)

	if s.AnchorDate, err = parseDate(anchor); err != nil {
		return nil, fmt.Errorf("anchor date: %w", err)
	}
	if s.NextDueDate, err = parseDate(nextDue); err != nil {
		return nil, fmt.Errorf("next due date: %w", err)
	}
	if notifiedAt.Valid {
		t, err := time.Parse(time.RFC3339, notifiedAt.String)
		if err != nil {
			return nil, fmt.Errorf("notified watermark: %w", err)
		}
		s.LastNotifiedWindowEnd = t
	}
	return &s, nil
}

func parseDate(s string) (core.Date, error) {
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return core.Date{}, err
	}
	return core.Date{Time: t}, nil
}

func nullableInstant(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
