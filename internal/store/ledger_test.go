package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/models"
)

var t0 = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "courtpipe_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStore(WithPostgresDSN(dsn))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	for _, table := range []string{"sessions", "pending_reservations", "confirmed_reservations", "payment_claims",
		"slot_holds", "closed_reservations", "inbound_dedup", "outbox_messages"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("failed to clean %s: %v", table, err)
		}
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func getenvOrSkip(t *testing.T, key string) string {
	v, _ := syscall.Getenv(key)
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

// forEachLedger runs fn against every ledger backend available in this environment.
func forEachLedger(t *testing.T, fn func(t *testing.T, l Ledger)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewInMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
	t.Run("postgres", func(t *testing.T) { fn(t, newTestPostgresStore(t)) })
}

func pendingFixture(ref, slotTime string) models.PendingReservation {
	return models.PendingReservation{
		Reference:       ref,
		CustomerKey:     "+966500000001",
		CustomerPhone:   "966512345678",
		ActivityClass:   models.ActivityClassCourts,
		ActivityTypeID:  "football",
		Date:            "2026-10-19",
		Time:            slotTime,
		DurationMinutes: 60,
		TotalPrice:      200,
		Status:          models.StatusAwaitingPayment,
		CreatedAt:       t0,
		ExpiresAt:       t0.Add(models.DefaultPendingTTL),
	}
}

func TestLedgerCreatePendingAdmission(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		if err := l.CreatePending(ctx, pendingFixture("BKA", "10:00"), t0); err != nil {
			t.Fatalf("CreatePending failed: %v", err)
		}

		second := pendingFixture("BKB", "10:00")
		second.CustomerKey = "+966500000002"
		if err := l.CreatePending(ctx, second, t0); !errors.Is(err, ErrSlotTaken) {
			t.Errorf("expected ErrSlotTaken, got %v", err)
		}

		if err := l.CreatePending(ctx, pendingFixture("BKA", "11:00"), t0); !errors.Is(err, ErrDuplicateReference) {
			t.Errorf("expected ErrDuplicateReference, got %v", err)
		}

		other := pendingFixture("BKC", "10:00")
		other.ActivityTypeID = "padel"
		if err := l.CreatePending(ctx, other, t0); err != nil {
			t.Errorf("different activity on the same slot should be admitted, got %v", err)
		}

		if p, err := l.GetPending(ctx, "BKB"); err != nil || p != nil {
			t.Errorf("rejected reservation must not be stored, got %v, %v", p, err)
		}
	})
}

func TestLedgerCreatePendingConcurrentSameSlot(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		const callers = 8
		var wg sync.WaitGroup
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p := pendingFixture(fmt.Sprintf("BKRACE%d", i), "18:00")
				p.CustomerKey = fmt.Sprintf("+9665000000%02d", i)
				errs[i] = l.CreatePending(ctx, p, t0)
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrSlotTaken):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Errorf("expected exactly one winner, got %d", wins)
		}
	})
}

func TestLedgerLapsedHoldIsReleasedOnCreate(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		if err := l.CreatePending(ctx, pendingFixture("BKOLD", "10:00"), t0); err != nil {
			t.Fatalf("CreatePending failed: %v", err)
		}

		later := t0.Add(models.DefaultPendingTTL + time.Minute)
		fresh := pendingFixture("BKNEW", "10:00")
		fresh.CreatedAt = later
		fresh.ExpiresAt = later.Add(models.DefaultPendingTTL)
		if err := l.CreatePending(ctx, fresh, later); err != nil {
			t.Fatalf("expected lapsed hold to be released, got %v", err)
		}
		if p, _ := l.GetPending(ctx, "BKOLD"); p != nil {
			t.Error("lapsed reservation should be gone")
		}
	})
}

func TestLedgerClaimedHoldIsNotReleased(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		if err := l.CreatePending(ctx, pendingFixture("BKCLM", "10:00"), t0); err != nil {
			t.Fatalf("CreatePending failed: %v", err)
		}
		if err := l.AttachPaymentClaim(ctx, models.PaymentClaim{Reference: "BKCLM", ClaimedText: "TX1", ClaimedAt: t0.Add(time.Minute)}); err != nil {
			t.Fatalf("AttachPaymentClaim failed: %v", err)
		}

		later := t0.Add(2 * time.Hour)
		fresh := pendingFixture("BKNEW", "10:00")
		fresh.CreatedAt, fresh.ExpiresAt = later, later.Add(models.DefaultPendingTTL)
		if err := l.CreatePending(ctx, fresh, later); !errors.Is(err, ErrSlotTaken) {
			t.Errorf("claimed reservation must keep its slot, got %v", err)
		}
	})
}

func TestLedgerAttachPaymentClaim(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		if err := l.CreatePending(ctx, pendingFixture("BKPAY", "10:00"), t0); err != nil {
			t.Fatalf("CreatePending failed: %v", err)
		}
		claim := models.PaymentClaim{Reference: "BKPAY", ClaimedText: "TX-88812", ClaimedAt: t0.Add(5 * time.Minute)}
		if err := l.AttachPaymentClaim(ctx, claim); err != nil {
			t.Fatalf("AttachPaymentClaim failed: %v", err)
		}
		if err := l.AttachPaymentClaim(ctx, claim); !errors.Is(err, ErrWrongStatus) {
			t.Errorf("second claim: expected ErrWrongStatus, got %v", err)
		}
		if err := l.AttachPaymentClaim(ctx, models.PaymentClaim{Reference: "BKNONE", ClaimedText: "x", ClaimedAt: t0}); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown reference: expected ErrNotFound, got %v", err)
		}

		p, err := l.GetPending(ctx, "BKPAY")
		if err != nil || p == nil {
			t.Fatalf("GetPending failed: %v", err)
		}
		if p.Status != models.StatusPaymentClaimed {
			t.Errorf("expected payment_claimed, got %s", p.Status)
		}

		views, err := l.ListPending(ctx)
		if err != nil {
			t.Fatalf("ListPending failed: %v", err)
		}
		if len(views) != 1 || views[0].Claim == nil || views[0].Claim.ClaimedText != "TX-88812" {
			t.Errorf("expected claim in pending view, got %+v", views)
		}
	})
}

func TestLedgerAttachPaymentClaimAfterExpiry(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		if err := l.CreatePending(ctx, pendingFixture("BKLATE", "10:00"), t0); err != nil {
			t.Fatalf("CreatePending failed: %v", err)
		}
		claim := models.PaymentClaim{Reference: "BKLATE", ClaimedText: "TX", ClaimedAt: t0.Add(time.Hour)}
		if err := l.AttachPaymentClaim(ctx, claim); !errors.Is(err, ErrExpired) {
			t.Errorf("expected ErrExpired, got %v", err)
		}
	})
}

func TestLedgerConfirmPending(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		if err := l.CreatePending(ctx, pendingFixture("BKCONF", "10:00"), t0); err != nil {
			t.Fatalf("CreatePending failed: %v", err)
		}
		if err := l.AttachPaymentClaim(ctx, models.PaymentClaim{Reference: "BKCONF", ClaimedText: "TX-1", ClaimedAt: t0.Add(time.Minute)}); err != nil {
			t.Fatalf("AttachPaymentClaim failed: %v", err)
		}

		at := t0.Add(10 * time.Minute)
		c, err := l.ConfirmPending(ctx, "BKCONF", "staff-1", at)
		if err != nil {
			t.Fatalf("ConfirmPending failed: %v", err)
		}
		if c.Reference != "BKCONF" || c.ConfirmedBy != "staff-1" || c.TotalPrice != 200 {
			t.Errorf("unexpected confirmed record: %+v", c)
		}
		if c.PaymentReference == nil || *c.PaymentReference != "TX-1" {
			t.Errorf("expected payment reference TX-1, got %v", c.PaymentReference)
		}

		if p, _ := l.GetPending(ctx, "BKCONF"); p != nil {
			t.Error("confirmed reservation must leave the pending table")
		}
		got, err := l.GetConfirmed(ctx, "BKCONF")
		if err != nil || got == nil {
			t.Fatalf("GetConfirmed failed: %v", err)
		}
		if got.Date != "2026-10-19" || got.Time != "10:00" {
			t.Errorf("unexpected slot on confirmed record: %s %s", got.Date, got.Time)
		}

		if _, err := l.ConfirmPending(ctx, "BKCONF", "staff-2", at); !errors.Is(err, ErrNotFound) {
			t.Errorf("second confirm: expected ErrNotFound, got %v", err)
		}

		// The slot stays taken after confirmation.
		again := pendingFixture("BKAGAIN", "10:00")
		if err := l.CreatePending(ctx, again, t0.Add(3*time.Hour)); !errors.Is(err, ErrSlotTaken) {
			t.Errorf("confirmed slot must stay held, got %v", err)
		}
	})
}

func TestLedgerConfirmExpiredUnpaid(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		if err := l.CreatePending(ctx, pendingFixture("BKEXP", "10:00"), t0); err != nil {
			t.Fatalf("CreatePending failed: %v", err)
		}
		if _, err := l.ConfirmPending(ctx, "BKEXP", "staff-1", t0.Add(time.Hour)); !errors.Is(err, ErrExpired) {
			t.Errorf("expected ErrExpired, got %v", err)
		}
		if p, _ := l.GetPending(ctx, "BKEXP"); p == nil {
			t.Error("failed confirm must leave the ledger unchanged")
		}
	})
}

func TestLedgerCancelPending(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		if err := l.CreatePending(ctx, pendingFixture("BKCAN", "10:00"), t0); err != nil {
			t.Fatalf("CreatePending failed: %v", err)
		}
		p, err := l.CancelPending(ctx, "BKCAN", t0.Add(time.Minute))
		if err != nil {
			t.Fatalf("CancelPending failed: %v", err)
		}
		if p.CustomerKey != "+966500000001" {
			t.Errorf("expected cancelled reservation returned, got %+v", p)
		}
		if _, err := l.CancelPending(ctx, "BKCAN", t0); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := l.CreatePending(ctx, pendingFixture("BKNEXT", "10:00"), t0); err != nil {
			t.Errorf("cancelled slot should be free, got %v", err)
		}
		closed, err := l.GetClosed(ctx, "BKCAN")
		if err != nil || closed == nil || closed.Outcome != models.OutcomeCancelled {
			t.Errorf("expected cancelled record, got %+v (%v)", closed, err)
		}
	})
}

func TestLedgerExpiry(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		for _, p := range []models.PendingReservation{pendingFixture("BKU", "10:00"), pendingFixture("BKC", "11:00")} {
			if err := l.CreatePending(ctx, p, t0); err != nil {
				t.Fatalf("CreatePending failed: %v", err)
			}
		}
		if err := l.AttachPaymentClaim(ctx, models.PaymentClaim{Reference: "BKC", ClaimedText: "TX", ClaimedAt: t0.Add(time.Minute)}); err != nil {
			t.Fatalf("AttachPaymentClaim failed: %v", err)
		}

		if got, _ := l.ListExpiredPending(ctx, t0.Add(10*time.Minute)); len(got) != 0 {
			t.Errorf("nothing should be expired yet, got %d", len(got))
		}

		now := t0.Add(time.Hour)
		expired, err := l.ListExpiredPending(ctx, now)
		if err != nil {
			t.Fatalf("ListExpiredPending failed: %v", err)
		}
		if len(expired) != 1 || expired[0].Reference != "BKU" {
			t.Fatalf("expected only the unpaid reservation, got %+v", expired)
		}

		ok, err := l.ExpirePending(ctx, "BKU", now)
		if err != nil || !ok {
			t.Fatalf("ExpirePending: ok=%v err=%v", ok, err)
		}
		if ok, _ := l.ExpirePending(ctx, "BKU", now); ok {
			t.Error("second expire should report false")
		}
		if ok, _ := l.ExpirePending(ctx, "BKC", now); ok {
			t.Error("claimed reservation must not expire")
		}

		st, err := l.Stats(ctx, "2026-10-19")
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if st.Expired != 1 || st.Pending != 1 || st.PaymentClaimed != 1 {
			t.Errorf("unexpected stats: %+v", st)
		}
	})
}

func TestLedgerStats(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		for i, slot := range []string{"08:00", "09:00", "10:00"} {
			if err := l.CreatePending(ctx, pendingFixture(fmt.Sprintf("BKS%d", i), slot), t0); err != nil {
				t.Fatalf("CreatePending failed: %v", err)
			}
		}
		tomorrow := pendingFixture("BKT", "08:00")
		tomorrow.Date = "2026-10-20"
		if err := l.CreatePending(ctx, tomorrow, t0); err != nil {
			t.Fatalf("CreatePending failed: %v", err)
		}
		if _, err := l.ConfirmPending(ctx, "BKS0", "staff", t0); err != nil {
			t.Fatalf("ConfirmPending failed: %v", err)
		}
		if _, err := l.CancelPending(ctx, "BKS1", t0); err != nil {
			t.Fatalf("CancelPending failed: %v", err)
		}

		st, err := l.Stats(ctx, "2026-10-19")
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		want := models.Stats{Total: 4, Pending: 2, Confirmed: 1, Cancelled: 1, Today: 2, TodayRevenue: 200}
		if st != want {
			t.Errorf("expected %+v, got %+v", want, st)
		}
	})
}

func TestSessionStores(t *testing.T) {
	stores := map[string]func(t *testing.T) SessionStore{
		"memory": func(t *testing.T) SessionStore { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) SessionStore { return newTestSQLiteStore(t) },
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)

			got, err := s.GetSession(ctx, "+1")
			if err != nil || got != nil {
				t.Fatalf("expected nil, nil for unknown key, got %v, %v", got, err)
			}

			sess := models.NewSession("+1", t0)
			sess.Step = models.StepEnterPhone
			sess.ActivityClass = models.ActivityClassSwimming
			sess.ActivityTypeID = "lap-swim"
			sess.Slot = &models.Slot{Date: "2026-10-20", Time: "06:00"}
			if err := s.SaveSession(ctx, sess); err != nil {
				t.Fatalf("SaveSession failed: %v", err)
			}

			sess.Step = models.StepAwaitingPayment
			sess.PendingBookingRef = "BK1"
			sess.UpdatedAt = t0.Add(time.Minute)
			if err := s.SaveSession(ctx, sess); err != nil {
				t.Fatalf("SaveSession update failed: %v", err)
			}

			got, err = s.GetSession(ctx, "+1")
			if err != nil || got == nil {
				t.Fatalf("GetSession failed: %v", err)
			}
			if got.Step != models.StepAwaitingPayment || got.PendingBookingRef != "BK1" {
				t.Errorf("update not persisted: %+v", got)
			}
			if got.Slot == nil || *got.Slot != *sess.Slot {
				t.Errorf("slot not persisted: %v", got.Slot)
			}

			all, err := s.ListSessions(ctx)
			if err != nil || len(all) != 1 {
				t.Errorf("ListSessions: %d sessions, err=%v", len(all), err)
			}

			if err := s.DeleteSession(ctx, "+1"); err != nil {
				t.Fatalf("DeleteSession failed: %v", err)
			}
			if got, _ := s.GetSession(ctx, "+1"); got != nil {
				t.Error("session should be deleted")
			}
		})
	}
}

func TestRedisSessionStore(t *testing.T) {
	url := getenvOrSkip(t, "REDIS_URL")
	ctx := context.Background()
	s, err := NewRedisSessionStoreFromURL(ctx, url, time.Minute)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	s.prefix = "courtpipe:test:" + t.Name() + ":"

	sess := models.NewSession("+1", t0)
	sess.Step = models.StepSelectTimeSlot
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	got, err := s.GetSession(ctx, "+1")
	if err != nil || got == nil || got.Step != models.StepSelectTimeSlot {
		t.Fatalf("GetSession: %+v, %v", got, err)
	}
	if err := s.DeleteSession(ctx, "+1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if got, _ := s.GetSession(ctx, "+1"); got != nil {
		t.Error("session should be deleted")
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":  "postgres",
		"postgresql://localhost/db":    "postgres",
		"host=localhost dbname=court":  "postgres",
		"/var/lib/courtpipe/ledger.db": "sqlite",
		"file:test.db?cache=shared":    "sqlite",
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %s, want %s", dsn, got, want)
		}
	}
}
