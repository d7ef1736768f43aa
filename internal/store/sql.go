package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/models"
)

// dialect captures the few places where SQLite and PostgreSQL differ.
type dialect struct {
	label string
	// numbered placeholders ($1, $2) instead of '?'
	numbered bool
	// appended to row reads inside transactions that go on to modify the row
	lockClause        string
	isUniqueViolation func(error) bool
}

// sqlStore implements SessionStore, Ledger, DedupRepo and OutboxRepo over database/sql.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

type rowScanner interface {
	Scan(dest ...any) error
}

// q rewrites '?' placeholders for the store's dialect.
func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Error(s.d.label+" rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "store", s.d.label)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "store", s.d.label, "error", err)
	}
	return err
}

// Ping checks database connectivity.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sessionColumns = `session_key, step, activity_class, activity_type_id, slot_date, slot_time,
	customer_phone, pending_booking_ref, created_at, updated_at`

func scanSession(row rowScanner) (models.Session, error) {
	var sess models.Session
	var date, clock string
	err := row.Scan(&sess.Key, &sess.Step, &sess.ActivityClass, &sess.ActivityTypeID, &date, &clock,
		&sess.CustomerPhone, &sess.PendingBookingRef, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return sess, err
	}
	if date != "" || clock != "" {
		sess.Slot = &models.Slot{Date: date, Time: clock}
	}
	return sess, nil
}

func (s *sqlStore) GetSession(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE session_key = ?`), key)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.d.label+" GetSession failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to get session %s: %w", key, err)
	}
	return &sess, nil
}

func (s *sqlStore) SaveSession(ctx context.Context, sess models.Session) error {
	var date, clock string
	if sess.Slot != nil {
		date, clock = sess.Slot.Date, sess.Slot.Time
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET
			step = excluded.step,
			activity_class = excluded.activity_class,
			activity_type_id = excluded.activity_type_id,
			slot_date = excluded.slot_date,
			slot_time = excluded.slot_time,
			customer_phone = excluded.customer_phone,
			pending_booking_ref = excluded.pending_booking_ref,
			updated_at = excluded.updated_at`),
		sess.Key, sess.Step, sess.ActivityClass, sess.ActivityTypeID, date, clock,
		sess.CustomerPhone, sess.PendingBookingRef, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC())
	if err != nil {
		slog.Error(s.d.label+" SaveSession failed", "error", err, "key", sess.Key)
		return fmt.Errorf("failed to save session %s: %w", sess.Key, err)
	}
	slog.Debug(s.d.label+" SaveSession succeeded", "key", sess.Key, "step", sess.Step)
	return nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE session_key = ?`), key); err != nil {
		slog.Error(s.d.label+" DeleteSession failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	slog.Debug(s.d.label+" DeleteSession succeeded", "key", key)
	return nil
}

func (s *sqlStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at`)
	if err != nil {
		slog.Error(s.d.label+" ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	slog.Debug(s.d.label+" ListSessions succeeded", "count", len(sessions))
	return sessions, nil
}
