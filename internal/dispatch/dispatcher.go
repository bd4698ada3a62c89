package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tumpillipavan/reachinbox/internal/metrics"
	"github.com/tumpillipavan/reachinbox/internal/queue"
	"github.com/tumpillipavan/reachinbox/internal/ratelimit"
	"github.com/tumpillipavan/reachinbox/internal/store"
	"github.com/tumpillipavan/reachinbox/internal/transport"
)

// Config configures the dispatcher
type Config struct {
	// Workers is the number of concurrent dispatch workers
	Workers int
	// Throttle is the minimum pause a worker observes between an admission
	// and the transport call, bounding its personal send rate
	Throttle time.Duration
	// GlobalRate caps system-wide sends per second across all workers and
	// accounts; attempts stall on the token bucket rather than fail
	GlobalRate float64
	// GlobalBurst is the token bucket depth
	GlobalBurst int
	// RetryStoreErrorAfter is how far out a task is pushed when the record
	// store cannot be read at dequeue time
	RetryStoreErrorAfter time.Duration
}

// DefaultConfig returns the defaults inherited from the original deployment:
// two workers, two seconds between sends, a hundred sends per second overall.
func DefaultConfig() Config {
	return Config{
		Workers:              2,
		Throttle:             2 * time.Second,
		GlobalRate:           100,
		GlobalBurst:          100,
		RetryStoreErrorAfter: 30 * time.Second,
	}
}

// Dispatcher drains the delay queue through the transport, enforcing the
// per-account hourly quota, the worker throttle and the global ceiling.
// All mutable shared state (the window counters, the token bucket) lives in
// collaborators handed in at construction, so the dispatcher itself is
// testable with fakes and a synthetic clock.
type Dispatcher struct {
	config    Config
	queue     *queue.DelayQueue
	store     store.Store
	limiter   *ratelimit.HourlyLimiter
	transport transport.Transport
	ceiling   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cancel    context.CancelFunc
	group     *errgroup.Group
	now       func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(config Config, q *queue.DelayQueue, st store.Store, limiter *ratelimit.HourlyLimiter, tr transport.Transport) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.GlobalRate <= 0 {
		config.GlobalRate = DefaultConfig().GlobalRate
	}
	if config.GlobalBurst <= 0 {
		config.GlobalBurst = DefaultConfig().GlobalBurst
	}
	if config.RetryStoreErrorAfter <= 0 {
		config.RetryStoreErrorAfter = DefaultConfig().RetryStoreErrorAfter
	}

	return &Dispatcher{
		config:    config,
		queue:     q,
		store:     st,
		limiter:   limiter,
		transport: tr,
		ceiling:   rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		metrics:   metrics.Get(),
		logger:    slog.Default().With("component", "dispatcher"),
		now:       time.Now,
	}
}

// SetClock replaces the dispatcher's clock, for tests
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Start launches the worker pool
func (d *Dispatcher) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	d.group = g

	d.logger.Info("starting dispatcher",
		"workers", d.config.Workers,
		"throttle", d.config.Throttle,
		"global_rate", d.config.GlobalRate)

	for i := 0; i < d.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			return d.worker(gctx, workerID)
		})
	}
	g.Go(func() error {
		return d.statsLoop(gctx)
	})

	return nil
}

// Stop shuts down the worker pool and waits for in-flight work
func (d *Dispatcher) Stop() error {
	d.logger.Info("stopping dispatcher")
	if d.cancel != nil {
		d.cancel()
	}
	var err error
	if d.group != nil {
		err = d.group.Wait()
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	d.logger.Info("dispatcher stopped")
	return err
}

// worker loops dequeue, admit, throttle, send, update until cancelled
func (d *Dispatcher) worker(ctx context.Context, workerID int) error {
	logger := d.logger.With("worker_id", workerID)
	logger.Debug("dispatch worker started")
	defer logger.Debug("dispatch worker stopped")

	for {
		task, err := d.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		d.process(ctx, logger, task)
	}
}

// process runs one task through the dispatch state machine
func (d *Dispatcher) process(ctx context.Context, logger *slog.Logger, task queue.Task) {
	logger = logger.With("record_id", task.RecordID, "account_id", task.AccountID)

	rec, err := d.store.GetSendRecord(ctx, task.RecordID)
	if errors.Is(err, store.ErrNotFound) {
		// The queue referenced a record deleted out-of-band. Unrecoverable
		// for this task; the worker pool keeps running.
		logger.Error("send record missing at dequeue, dropping task")
		d.metrics.TasksDropped.Inc()
		d.queue.Ack(task.Token)
		return
	}
	if err != nil {
		logger.Warn("record store unavailable, retrying task later", "error", err)
		d.queue.Reschedule(task.Token, d.now().Add(d.config.RetryStoreErrorAfter))
		return
	}
	if rec.Status.Terminal() {
		// Stale task for a finished record, nothing to do.
		d.queue.Ack(task.Token)
		return
	}

	account, err := d.store.GetAccount(ctx, rec.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Error("account missing at dequeue, dropping task")
		d.metrics.TasksDropped.Inc()
		d.queue.Ack(task.Token)
		return
	}
	if err != nil {
		logger.Warn("record store unavailable, retrying task later", "error", err)
		d.queue.Reschedule(task.Token, d.now().Add(d.config.RetryStoreErrorAfter))
		return
	}

	now := d.now()
	if !d.limiter.TryAdmit(ctx, rec.AccountID, account.HourlyLimit, now) {
		d.deferTask(ctx, logger, task, rec, now)
		return
	}
	d.metrics.AdmissionsAllowed.Inc()

	// Admission consumed a quota slot; from here the send must happen, and a
	// crash loses at most this one slot.
	if !d.pace(ctx) {
		// Shutdown mid-flight, before the transport was invoked. Hand the
		// task back so another run delivers it.
		d.queue.Reschedule(task.Token, d.now())
		return
	}

	d.send(ctx, logger, task, rec)
}

// deferTask pushes a quota-denied task to the start of the next hour window
func (d *Dispatcher) deferTask(ctx context.Context, logger *slog.Logger, task queue.Task, rec store.SendRecord, at time.Time) {
	nextDue := ratelimit.NextWindow(at)

	d.metrics.AdmissionsDenied.Inc()
	d.metrics.SendsDeferred.Inc()
	logger.Info("hourly quota exhausted, deferring", "next_due", nextDue)

	if err := d.store.DeferSendRecord(ctx, rec.ID, nextDue); err != nil {
		logger.Warn("failed to mark record deferred", "error", err)
	}
	d.queue.Reschedule(task.Token, nextDue)
}

// pace acquires a global-ceiling token and observes the worker throttle.
// It reports false if the context was cancelled while waiting.
func (d *Dispatcher) pace(ctx context.Context) bool {
	waitStart := time.Now()
	if err := d.ceiling.Wait(ctx); err != nil {
		return false
	}
	d.metrics.CeilingWaitDuration.Observe(time.Since(waitStart).Seconds())

	if d.config.Throttle <= 0 {
		return true
	}
	timer := time.NewTimer(d.config.Throttle)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// send invokes the transport and records the terminal status
func (d *Dispatcher) send(ctx context.Context, logger *slog.Logger, task queue.Task, rec store.SendRecord) {
	start := time.Now()
	err := d.transport.Send(ctx, transport.Message{
		To:      rec.Recipient,
		Subject: rec.Subject,
		Body:    rec.Body,
	})
	d.metrics.SendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		// Operator-visible failure; this subsystem does not retry failed
		// deliveries.
		logger.Error("delivery failed",
			"recipient", rec.Recipient,
			"transport", d.transport.Name(),
			"error", err)
		d.metrics.SendsFailed.Inc()
		if updateErr := d.store.UpdateStatus(ctx, rec.ID, store.StatusFailed, err.Error()); updateErr != nil {
			logger.Warn("failed to mark record failed", "error", updateErr)
		}
		d.queue.Ack(task.Token)
		return
	}

	d.metrics.SendsTotal.Inc()
	logger.Info("delivered", "recipient", rec.Recipient)
	if updateErr := d.store.UpdateStatus(ctx, rec.ID, store.StatusSent, ""); updateErr != nil {
		logger.Warn("failed to mark record sent", "error", updateErr)
	}
	d.queue.Ack(task.Token)
}

// statsLoop keeps the queue gauges current
func (d *Dispatcher) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := d.queue.Stats()
			d.metrics.QueuePending.Set(float64(stats.Pending))
			d.metrics.QueueInFlight.Set(float64(stats.InFlight))
		}
	}
}
