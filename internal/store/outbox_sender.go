package store

import (
	"context"
	"log/slog"
	"time"
)

// Outbox sender defaults.
const (
	DefaultOutboxMaxAttempts = 8
	defaultOutboxPoll        = 5 * time.Second
	defaultOutboxBatch       = 10
	// Messages left in sending longer than this are assumed orphaned by a crash.
	outboxStaleAfter = 5 * time.Minute
	outboxBaseDelay  = 10 * time.Second
	outboxMaxDelay   = 30 * time.Minute
)

// OutboxSendFunc delivers one outbox message. A non-nil error schedules a retry.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender drains due outbox messages on a fixed interval.
type OutboxSender struct {
	repo        OutboxRepo
	send        OutboxSendFunc
	interval    time.Duration
	batch       int
	maxAttempts int
	now         func() time.Time
}

// NewOutboxSender creates a sender polling repo every interval (5s when zero).
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, interval time.Duration) *OutboxSender {
	if interval <= 0 {
		interval = defaultOutboxPoll
	}
	return &OutboxSender{
		repo:        repo,
		send:        send,
		interval:    interval,
		batch:       defaultOutboxBatch,
		maxAttempts: DefaultOutboxMaxAttempts,
		now:         time.Now,
	}
}

// RecoverStaleMessages puts messages stuck in sending back in the queue. Call once at
// startup, before Run.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, s.now().Add(-outboxStaleAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued", "count", n)
	}
	return nil
}

// Run polls until ctx is done.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims one batch of due messages and tries each once. Returns how many were sent.
func (s *OutboxSender) Poll(ctx context.Context) int {
	now := s.now()
	due, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.batch)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return 0
	}
	sent := 0
	for _, msg := range due {
		if err := s.send(ctx, msg); err != nil {
			retryAt := now.Add(retryDelay(msg.Attempts))
			slog.Warn("OutboxSender.Poll: send failed", "id", msg.ID, "kind", msg.Kind, "attempt", msg.Attempts+1, "retry_at", retryAt, "error", err)
			if ferr := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), retryAt, s.maxAttempts); ferr != nil {
				slog.Error("OutboxSender.Poll: record failure", "id", msg.ID, "error", ferr)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent", "id", msg.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// retryDelay doubles from 10s per previous attempt, capped at 30m.
func retryDelay(attempts int) time.Duration {
	d := outboxBaseDelay
	for i := 0; i < attempts && d < outboxMaxDelay; i++ {
		d *= 2
	}
	return min(d, outboxMaxDelay)
}
