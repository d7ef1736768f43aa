package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/models"
)

const pendingColumns = `reference, customer_key, customer_phone, activity_class, activity_type_id, slot_date, slot_time, duration_minutes, total_price, status, created_at, expires_at`

const confirmedColumns = `reference, customer_key, customer_phone, activity_class, activity_type_id, slot_date, slot_time, duration_minutes, total_price, created_at, confirmed_at, confirmed_by, payment_reference`

// prefixed qualifies every column in cols with alias.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func pendingDest(p *models.PendingReservation) []any {
	return []any{&p.Reference, &p.CustomerKey, &p.CustomerPhone, &p.ActivityClass, &p.ActivityTypeID,
		&p.Date, &p.Time, &p.DurationMinutes, &p.TotalPrice, &p.Status, &p.CreatedAt, &p.ExpiresAt}
}

func scanPending(row rowScanner) (models.PendingReservation, error) {
	var p models.PendingReservation
	err := row.Scan(pendingDest(&p)...)
	return p, err
}

func scanConfirmed(row rowScanner) (models.ConfirmedReservation, error) {
	var c models.ConfirmedReservation
	var payRef sql.NullString
	err := row.Scan(&c.Reference, &c.CustomerKey, &c.CustomerPhone, &c.ActivityClass, &c.ActivityTypeID,
		&c.Date, &c.Time, &c.DurationMinutes, &c.TotalPrice, &c.CreatedAt, &c.ConfirmedAt, &c.ConfirmedBy, &payRef)
	if payRef.Valid {
		c.PaymentReference = &payRef.String
	}
	return c, err
}

// pendingForUpdate reads one pending row inside tx. Returns nil, nil when absent.
func (s *sqlStore) pendingForUpdate(ctx context.Context, tx *sql.Tx, reference string) (*models.PendingReservation, error) {
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+pendingColumns+` FROM pending_reservations WHERE reference = ?`+s.d.lockClause), reference)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending reservation %s: %w", reference, err)
	}
	return &p, nil
}

// closePending removes a pending row and its slot hold and records the outcome.
func (s *sqlStore) closePending(ctx context.Context, tx *sql.Tx, p models.PendingReservation, outcome models.CloseOutcome, at time.Time) error {
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM pending_reservations WHERE reference = ?`), p.Reference); err != nil {
		return fmt.Errorf("failed to delete pending reservation %s: %w", p.Reference, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM slot_holds WHERE reference = ?`), p.Reference); err != nil {
		return fmt.Errorf("failed to release slot hold %s: %w", p.Reference, err)
	}
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO closed_reservations (reference, customer_key, outcome, closed_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (reference) DO NOTHING`),
		p.Reference, p.CustomerKey, outcome, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record closed reservation %s: %w", p.Reference, err)
	}
	return nil
}

func (s *sqlStore) CreatePending(ctx context.Context, p models.PendingReservation, now time.Time) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Release lapsed unpaid holds on this slot so the new booking can take it.
		rows, err := tx.QueryContext(ctx, s.q(`
			SELECT `+prefixed("p", pendingColumns)+`
			FROM slot_holds h JOIN pending_reservations p ON p.reference = h.reference
			WHERE h.activity_type_id = ? AND h.slot_date = ? AND h.slot_time = ? AND p.status = ?`),
			p.ActivityTypeID, p.Date, p.Time, models.StatusAwaitingPayment)
		if err != nil {
			return fmt.Errorf("failed to query slot holders: %w", err)
		}
		var stale []models.PendingReservation
		for rows.Next() {
			holder, err := scanPending(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan slot holder: %w", err)
			}
			if holder.IsExpired(now) {
				stale = append(stale, holder)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate slot holders: %w", err)
		}
		for _, holder := range stale {
			if err := s.closePending(ctx, tx, holder, models.OutcomeExpired, now); err != nil {
				return err
			}
			slog.Info(s.d.label+" CreatePending released lapsed hold", "reference", holder.Reference, "slot", holder.Slot().String())
		}

		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO pending_reservations (`+pendingColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			p.Reference, p.CustomerKey, p.CustomerPhone, p.ActivityClass, p.ActivityTypeID, p.Date, p.Time,
			p.DurationMinutes, p.TotalPrice, p.Status, p.CreatedAt.UTC(), p.ExpiresAt.UTC())
		if err != nil {
			if s.d.isUniqueViolation(err) {
				return ErrDuplicateReference
			}
			return fmt.Errorf("failed to insert pending reservation: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO slot_holds (reference, activity_type_id, slot_date, slot_time) VALUES (?, ?, ?, ?)`),
			p.Reference, p.ActivityTypeID, p.Date, p.Time)
		if err != nil {
			if s.d.isUniqueViolation(err) {
				return ErrSlotTaken
			}
			return fmt.Errorf("failed to insert slot hold: %w", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrSlotTaken) && !errors.Is(err, ErrDuplicateReference) {
			slog.Error(s.d.label+" CreatePending failed", "error", err, "reference", p.Reference)
		}
		return err
	}
	slog.Debug(s.d.label+" CreatePending succeeded", "reference", p.Reference, "activity", p.ActivityTypeID, "slot", p.Slot().String())
	return nil
}

func (s *sqlStore) GetPending(ctx context.Context, reference string) (*models.PendingReservation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+pendingColumns+` FROM pending_reservations WHERE reference = ?`), reference)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.d.label+" GetPending failed", "error", err, "reference", reference)
		return nil, fmt.Errorf("failed to get pending reservation %s: %w", reference, err)
	}
	return &p, nil
}

func (s *sqlStore) ListPending(ctx context.Context) ([]models.PendingView, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+prefixed("p", pendingColumns)+`, c.claimed_text, c.claimed_at
		FROM pending_reservations p LEFT JOIN payment_claims c ON c.reference = p.reference
		ORDER BY CASE WHEN p.status = ? THEN 0 ELSE 1 END, p.created_at`), models.StatusPaymentClaimed)
	if err != nil {
		slog.Error(s.d.label+" ListPending query failed", "error", err)
		return nil, fmt.Errorf("failed to query pending reservations: %w", err)
	}
	defer rows.Close()

	var views []models.PendingView
	for rows.Next() {
		var v models.PendingView
		var claimText sql.NullString
		var claimedAt sql.NullTime
		dest := append(pendingDest(&v.PendingReservation), &claimText, &claimedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan pending row: %w", err)
		}
		if claimText.Valid {
			v.Claim = &models.PaymentClaim{Reference: v.Reference, ClaimedText: claimText.String, ClaimedAt: claimedAt.Time}
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending rows: %w", err)
	}
	slog.Debug(s.d.label+" ListPending succeeded", "count", len(views))
	return views, nil
}

func (s *sqlStore) ListPendingByCustomer(ctx context.Context, customerKey string) ([]models.PendingReservation, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+pendingColumns+` FROM pending_reservations WHERE customer_key = ? ORDER BY created_at`), customerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending reservations for %s: %w", customerKey, err)
	}
	return collectPending(rows)
}

func (s *sqlStore) ListExpiredPending(ctx context.Context, now time.Time) ([]models.PendingReservation, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+pendingColumns+` FROM pending_reservations WHERE status = ? ORDER BY expires_at`), models.StatusAwaitingPayment)
	if err != nil {
		slog.Error(s.d.label+" ListExpiredPending query failed", "error", err)
		return nil, fmt.Errorf("failed to query unpaid reservations: %w", err)
	}
	all, err := collectPending(rows)
	if err != nil {
		return nil, err
	}
	var expired []models.PendingReservation
	for _, p := range all {
		if p.IsExpired(now) {
			expired = append(expired, p)
		}
	}
	return expired, nil
}

func collectPending(rows *sql.Rows) ([]models.PendingReservation, error) {
	defer rows.Close()
	var out []models.PendingReservation
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) AttachPaymentClaim(ctx context.Context, claim models.PaymentClaim) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.pendingForUpdate(ctx, tx, claim.Reference)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrNotFound
		}
		if p.Status != models.StatusAwaitingPayment {
			return ErrWrongStatus
		}
		if p.IsExpired(claim.ClaimedAt) {
			return ErrExpired
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO payment_claims (reference, claimed_text, claimed_at) VALUES (?, ?, ?)`),
			claim.Reference, claim.ClaimedText, claim.ClaimedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert payment claim: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE pending_reservations SET status = ? WHERE reference = ?`),
			models.StatusPaymentClaimed, claim.Reference)
		if err != nil {
			return fmt.Errorf("failed to update reservation status: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug(s.d.label+" AttachPaymentClaim succeeded", "reference", claim.Reference)
	return nil
}

func (s *sqlStore) GetPaymentClaim(ctx context.Context, reference string) (*models.PaymentClaim, error) {
	var c models.PaymentClaim
	err := s.db.QueryRowContext(ctx, s.q(`SELECT reference, claimed_text, claimed_at FROM payment_claims WHERE reference = ?`), reference).
		Scan(&c.Reference, &c.ClaimedText, &c.ClaimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment claim %s: %w", reference, err)
	}
	return &c, nil
}

func (s *sqlStore) ConfirmPending(ctx context.Context, reference, staffID string, at time.Time) (models.ConfirmedReservation, error) {
	var confirmed models.ConfirmedReservation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.pendingForUpdate(ctx, tx, reference)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrNotFound
		}
		if p.IsExpired(at) {
			return ErrExpired
		}

		var claim *models.PaymentClaim
		var c models.PaymentClaim
		err = tx.QueryRowContext(ctx, s.q(`SELECT reference, claimed_text, claimed_at FROM payment_claims WHERE reference = ?`), reference).
			Scan(&c.Reference, &c.ClaimedText, &c.ClaimedAt)
		switch {
		case err == nil:
			claim = &c
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to read payment claim: %w", err)
		}

		confirmed = models.ConfirmedFrom(*p, claim, staffID, at)
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO confirmed_reservations (`+confirmedColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (reference) DO NOTHING`),
			confirmed.Reference, confirmed.CustomerKey, confirmed.CustomerPhone, confirmed.ActivityClass, confirmed.ActivityTypeID,
			confirmed.Date, confirmed.Time, confirmed.DurationMinutes, confirmed.TotalPrice, confirmed.CreatedAt.UTC(),
			confirmed.ConfirmedAt.UTC(), confirmed.ConfirmedBy, confirmed.PaymentReference)
		if err != nil {
			return fmt.Errorf("failed to insert confirmed reservation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM pending_reservations WHERE reference = ?`), reference); err != nil {
			return fmt.Errorf("failed to delete pending reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrExpired) {
			slog.Error(s.d.label+" ConfirmPending failed", "error", err, "reference", reference)
		}
		return models.ConfirmedReservation{}, err
	}
	slog.Debug(s.d.label+" ConfirmPending succeeded", "reference", reference, "staff", staffID)
	return confirmed, nil
}

func (s *sqlStore) GetConfirmed(ctx context.Context, reference string) (*models.ConfirmedReservation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+confirmedColumns+` FROM confirmed_reservations WHERE reference = ?`), reference)
	c, err := scanConfirmed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.d.label+" GetConfirmed failed", "error", err, "reference", reference)
		return nil, fmt.Errorf("failed to get confirmed reservation %s: %w", reference, err)
	}
	return &c, nil
}

func (s *sqlStore) ListConfirmed(ctx context.Context) ([]models.ConfirmedReservation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+confirmedColumns+` FROM confirmed_reservations ORDER BY confirmed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query confirmed reservations: %w", err)
	}
	defer rows.Close()

	var out []models.ConfirmedReservation
	for rows.Next() {
		c, err := scanConfirmed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan confirmed row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate confirmed rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) CancelPending(ctx context.Context, reference string, at time.Time) (models.PendingReservation, error) {
	var cancelled models.PendingReservation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.pendingForUpdate(ctx, tx, reference)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrNotFound
		}
		cancelled = *p
		return s.closePending(ctx, tx, *p, models.OutcomeCancelled, at)
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Error(s.d.label+" CancelPending failed", "error", err, "reference", reference)
		}
		return models.PendingReservation{}, err
	}
	slog.Debug(s.d.label+" CancelPending succeeded", "reference", reference)
	return cancelled, nil
}

func (s *sqlStore) GetClosed(ctx context.Context, reference string) (*models.ClosedReservation, error) {
	var c models.ClosedReservation
	err := s.db.QueryRowContext(ctx, s.q(`SELECT reference, customer_key, outcome, closed_at FROM closed_reservations WHERE reference = ?`), reference).
		Scan(&c.Reference, &c.CustomerKey, &c.Outcome, &c.ClosedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get closed reservation %s: %w", reference, err)
	}
	return &c, nil
}

func (s *sqlStore) ExpirePending(ctx context.Context, reference string, now time.Time) (bool, error) {
	expired := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.pendingForUpdate(ctx, tx, reference)
		if err != nil {
			return err
		}
		if p == nil || !p.IsExpired(now) {
			return nil
		}
		expired = true
		return s.closePending(ctx, tx, *p, models.OutcomeExpired, now)
	})
	if err != nil {
		slog.Error(s.d.label+" ExpirePending failed", "error", err, "reference", reference)
		return false, err
	}
	return expired, nil
}

func (s *sqlStore) Stats(ctx context.Context, today string) (models.Stats, error) {
	var st models.Stats
	var pendingToday, confirmedToday int
	queries := []struct {
		query string
		args  []any
		dest  any
	}{
		{`SELECT COUNT(*) FROM pending_reservations`, nil, &st.Pending},
		{`SELECT COUNT(*) FROM pending_reservations WHERE status = ?`, []any{models.StatusPaymentClaimed}, &st.PaymentClaimed},
		{`SELECT COUNT(*) FROM confirmed_reservations`, nil, &st.Confirmed},
		{`SELECT COUNT(*) FROM closed_reservations WHERE outcome = ?`, []any{models.OutcomeCancelled}, &st.Cancelled},
		{`SELECT COUNT(*) FROM closed_reservations WHERE outcome = ?`, []any{models.OutcomeExpired}, &st.Expired},
		{`SELECT COUNT(*) FROM pending_reservations WHERE slot_date = ?`, []any{today}, &pendingToday},
		{`SELECT COUNT(*) FROM confirmed_reservations WHERE slot_date = ?`, []any{today}, &confirmedToday},
		{`SELECT COALESCE(SUM(total_price), 0) FROM confirmed_reservations WHERE slot_date = ?`, []any{today}, &st.TodayRevenue},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, s.q(q.query), q.args...).Scan(q.dest); err != nil {
			slog.Error(s.d.label+" Stats query failed", "error", err, "query", q.query)
			return models.Stats{}, fmt.Errorf("failed to compute stats: %w", err)
		}
	}
	st.Today = pendingToday + confirmedToday
	st.Total = st.Pending + st.Confirmed + st.Cancelled
	slog.Debug(s.d.label+" Stats succeeded", "total", st.Total, "today", st.Today)
	return st, nil
}
