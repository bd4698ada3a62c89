package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tumpillipavan/reachinbox/internal/metrics"
	"github.com/tumpillipavan/reachinbox/internal/queue"
	"github.com/tumpillipavan/reachinbox/internal/store"
)

// Common errors
var (
	ErrNoRecipients   = errors.New("batch has no recipients")
	ErrUnknownAccount = errors.New("unknown account")
)

// BatchRequest schedules one message to many recipients no earlier than
// StartAt. A positive HourlyLimit overwrites the account's stored quota
// before any task of the batch is evaluated by the rate limiter.
type BatchRequest struct {
	AccountID   string
	Subject     string
	Body        string
	Recipients  []string
	StartAt     time.Time
	HourlyLimit int
}

// Scheduler turns batch requests into send records and delay-queue tasks.
// One record and one task per recipient, all sharing the same due time.
type Scheduler struct {
	store   store.Store
	queue   *queue.DelayQueue
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewScheduler creates a scheduler
func NewScheduler(st store.Store, q *queue.DelayQueue) *Scheduler {
	return &Scheduler{
		store:   st,
		queue:   q,
		metrics: metrics.Get(),
		logger:  slog.Default().With("component", "scheduler"),
		now:     time.Now,
	}
}

// SetClock replaces the scheduler's clock, for tests
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// ScheduleBatch creates the batch's records and tasks. It returns the records
// created so far together with the first error encountered, leaving the
// partial-batch decision to the caller. A start time in the past means start
// now. The continuation token of each task is its record ID, so a record's
// task can later be revoked by ID.
func (s *Scheduler) ScheduleBatch(ctx context.Context, req BatchRequest) ([]store.SendRecord, error) {
	recipients := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	if _, err := s.store.GetAccount(ctx, req.AccountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownAccount
		}
		return nil, fmt.Errorf("looking up account: %w", err)
	}

	// The limit overwrite lands before the first admission check so the whole
	// batch is evaluated under the new quota.
	if req.HourlyLimit > 0 {
		if err := s.store.UpdateHourlyLimit(ctx, req.AccountID, req.HourlyLimit); err != nil {
			return nil, fmt.Errorf("updating hourly limit: %w", err)
		}
	}

	now := s.now()
	dueAt := req.StartAt
	if dueAt.Before(now) {
		dueAt = now
	}

	created := make([]store.SendRecord, 0, len(recipients))
	for _, recipient := range recipients {
		rec := store.SendRecord{
			AccountID: req.AccountID,
			Recipient: recipient,
			Subject:   req.Subject,
			Body:      req.Body,
			DueAt:     dueAt,
			Status:    store.StatusPending,
		}

		id, err := s.store.CreateSendRecord(ctx, rec)
		if err != nil {
			return created, fmt.Errorf("creating send record for %s: %w", recipient, err)
		}
		rec.ID = id

		if _, err := s.queue.Enqueue(queue.Task{
			Token:     id,
			RecordID:  id,
			AccountID: req.AccountID,
			DueAt:     dueAt,
		}); err != nil {
			return created, fmt.Errorf("enqueueing task for %s: %w", recipient, err)
		}

		stored, err := s.store.GetSendRecord(ctx, id)
		if err == nil {
			rec = stored
		}
		created = append(created, rec)
		s.metrics.RecordsScheduled.Inc()
	}

	s.logger.Info("batch scheduled",
		"account_id", req.AccountID,
		"recipients", len(created),
		"due_at", dueAt)
	return created, nil
}

// Cancel revokes a pending record's task and marks the record failed. Records
// already picked up by a worker, or already terminal, are left alone: the
// worker holding the lease records the true outcome.
func (s *Scheduler) Cancel(ctx context.Context, recordID string) error {
	rec, err := s.store.GetSendRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	if !s.queue.Revoke(recordID) {
		// In flight right now; let the worker finish it.
		return nil
	}

	return s.store.UpdateStatus(ctx, recordID, store.StatusFailed, "canceled before dispatch")
}
