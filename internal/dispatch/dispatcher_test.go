package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tumpillipavan/reachinbox/internal/cache"
	"github.com/tumpillipavan/reachinbox/internal/queue"
	"github.com/tumpillipavan/reachinbox/internal/ratelimit"
	"github.com/tumpillipavan/reachinbox/internal/store"
	"github.com/tumpillipavan/reachinbox/internal/transport"
)

type testRig struct {
	store      store.Store
	queue      *queue.DelayQueue
	transport  *transport.Mock
	dispatcher *Dispatcher
	scheduler  *Scheduler
}

func setupRig(t *testing.T, config Config) *testRig {
	st := store.NewMemory(store.Config{Type: "memory"})
	require.NoError(t, st.Connect())
	t.Cleanup(func() { st.Close() })

	c := cache.NewMemory(cache.Config{Type: "memory"})
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })

	q := queue.NewDelayQueue(time.Minute)
	t.Cleanup(q.Close)

	tr := transport.NewMock()
	d := NewDispatcher(config, q, st, ratelimit.NewHourlyLimiter(c), tr)

	return &testRig{
		store:      st,
		queue:      q,
		transport:  tr,
		dispatcher: d,
		scheduler:  NewScheduler(st, q),
	}
}

func (r *testRig) start(t *testing.T) {
	require.NoError(t, r.dispatcher.Start())
	t.Cleanup(func() { r.dispatcher.Stop() })
}

// waitForCounts polls the store until the wanted status counts appear
func (r *testRig) waitForCounts(t *testing.T, want map[store.Status]int) map[store.Status]int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var counts map[store.Status]int
	for time.Now().Before(deadline) {
		var err error
		counts, err = r.store.CountByStatus(context.Background())
		require.NoError(t, err)

		matched := true
		for status, n := range want {
			if counts[status] != n {
				matched = false
				break
			}
		}
		if matched {
			return counts
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for counts %v, last seen %v", want, counts)
	return nil
}

// fakeClock is a settable clock shared by the scheduler, queue and dispatcher
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

func fastConfig() Config {
	return Config{
		Workers:     2,
		Throttle:    0,
		GlobalRate:  1000,
		GlobalBurst: 1000,
	}
}

// Three recipients against an hourly limit of two: exactly two are delivered
// and the third is deferred to the start of the next hour window.
func TestQuotaExhaustionDefers(t *testing.T) {
	rig := setupRig(t, fastConfig())
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Hour).Add(25 * time.Minute)
	rig.dispatcher.SetClock(func() time.Time { return at })

	require.NoError(t, rig.store.CreateAccount(ctx, store.Account{ID: "acct-1", HourlyLimit: 2}))
	_, err := rig.scheduler.ScheduleBatch(ctx, BatchRequest{
		AccountID:  "acct-1",
		Subject:    "launch",
		Recipients: []string{"a@example.com", "b@example.com", "c@example.com"},
	})
	require.NoError(t, err)

	rig.start(t)
	rig.waitForCounts(t, map[store.Status]int{store.StatusSent: 2, store.StatusDeferred: 1})

	assert.Len(t, rig.transport.Sent(), 2)

	records, err := rig.store.ListSendRecords(ctx, "acct-1")
	require.NoError(t, err)
	for _, rec := range records {
		if rec.Status == store.StatusDeferred {
			assert.Equal(t, ratelimit.NextWindow(at), rec.DueAt,
				"deferred record must move to the next hour boundary")
		}
	}
}

// A deferred record is re-evaluated once the next window opens and delivered
// under the fresh counter, with exactly one transport call per recipient.
func TestDeferredTaskDeliveredInNextWindow(t *testing.T) {
	rig := setupRig(t, fastConfig())
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Hour).Add(10 * time.Minute)
	clk := newFakeClock(start)
	rig.scheduler.SetClock(clk.Now)
	rig.queue.SetClock(clk.Now)
	rig.dispatcher.SetClock(clk.Now)

	require.NoError(t, rig.store.CreateAccount(ctx, store.Account{ID: "acct-1", HourlyLimit: 1}))
	_, err := rig.scheduler.ScheduleBatch(ctx, BatchRequest{
		AccountID:  "acct-1",
		Recipients: []string{"a@example.com", "b@example.com"},
	})
	require.NoError(t, err)

	rig.start(t)
	rig.waitForCounts(t, map[store.Status]int{store.StatusSent: 1, store.StatusDeferred: 1})

	boundary := ratelimit.NextWindow(start)
	records, err := rig.store.ListSendRecords(ctx, "acct-1")
	require.NoError(t, err)
	var deferredID string
	for _, rec := range records {
		if rec.Status == store.StatusDeferred {
			deferredID = rec.ID
			assert.Equal(t, boundary, rec.DueAt)
		}
	}
	require.NotEmpty(t, deferredID)

	// Cross the boundary, then wake the sleeping consumer so it re-reads the
	// clock; its timers were armed against the old one.
	clk.Set(boundary.Add(time.Minute))
	rig.queue.Reschedule(deferredID, boundary)

	rig.waitForCounts(t, map[store.Status]int{store.StatusSent: 2})
	assert.Equal(t, 1, rig.transport.SentTo("a@example.com"))
	assert.Equal(t, 1, rig.transport.SentTo("b@example.com"))
}

// One bad recipient among five fails alone; the other four are unaffected.
func TestTransportFailureIsolated(t *testing.T) {
	rig := setupRig(t, fastConfig())
	ctx := context.Background()

	require.NoError(t, rig.store.CreateAccount(ctx, store.Account{ID: "acct-1", HourlyLimit: 100}))
	rig.transport.FailFor("broken@example.com", errors.New("550 mailbox unavailable"))

	_, err := rig.scheduler.ScheduleBatch(ctx, BatchRequest{
		AccountID: "acct-1",
		Recipients: []string{
			"a@example.com", "b@example.com", "broken@example.com",
			"d@example.com", "e@example.com",
		},
	})
	require.NoError(t, err)

	rig.start(t)
	rig.waitForCounts(t, map[store.Status]int{store.StatusSent: 4, store.StatusFailed: 1})

	records, err := rig.store.ListSendRecords(ctx, "acct-1")
	require.NoError(t, err)
	for _, rec := range records {
		if rec.Recipient == "broken@example.com" {
			assert.Equal(t, store.StatusFailed, rec.Status)
			assert.Contains(t, rec.LastError, "550")
		} else {
			assert.Equal(t, store.StatusSent, rec.Status)
		}
	}
}

// The transport is invoked at most once per record that reaches SENT.
func TestNoDuplicateDelivery(t *testing.T) {
	rig := setupRig(t, fastConfig())
	ctx := context.Background()

	require.NoError(t, rig.store.CreateAccount(ctx, store.Account{ID: "acct-1", HourlyLimit: 100}))
	_, err := rig.scheduler.ScheduleBatch(ctx, BatchRequest{
		AccountID:  "acct-1",
		Recipients: []string{"a@example.com", "b@example.com", "c@example.com"},
	})
	require.NoError(t, err)

	rig.start(t)
	rig.waitForCounts(t, map[store.Status]int{store.StatusSent: 3})

	// Give any stray double-dispatch a moment to surface.
	time.Sleep(100 * time.Millisecond)
	for _, recipient := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		assert.Equal(t, 1, rig.transport.SentTo(recipient))
	}
}

// A task whose record was deleted out-of-band is dropped without crashing the
// worker pool.
func TestMissingRecordDropsTask(t *testing.T) {
	rig := setupRig(t, fastConfig())
	ctx := context.Background()

	require.NoError(t, rig.store.CreateAccount(ctx, store.Account{ID: "acct-1", HourlyLimit: 100}))

	_, err := rig.queue.Enqueue(queue.Task{
		RecordID:  "deleted-out-of-band",
		AccountID: "acct-1",
		DueAt:     time.Now(),
	})
	require.NoError(t, err)

	// A real record behind the orphan proves the pool survives.
	_, err = rig.scheduler.ScheduleBatch(ctx, BatchRequest{
		AccountID:  "acct-1",
		Recipients: []string{"a@example.com"},
	})
	require.NoError(t, err)

	rig.start(t)
	rig.waitForCounts(t, map[store.Status]int{store.StatusSent: 1})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats := rig.queue.Stats()
		if stats.Pending == 0 && stats.InFlight == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Orphan task still in queue: %+v", rig.queue.Stats())
}

// Consecutive sends by a single worker are separated by at least the throttle.
func TestThrottleSpacing(t *testing.T) {
	config := fastConfig()
	config.Workers = 1
	config.Throttle = 100 * time.Millisecond
	rig := setupRig(t, config)
	ctx := context.Background()

	var sendTimes []time.Time
	rig.transport.OnSend(func(transport.Message) {
		sendTimes = append(sendTimes, time.Now())
	})

	require.NoError(t, rig.store.CreateAccount(ctx, store.Account{ID: "acct-1", HourlyLimit: 100}))
	_, err := rig.scheduler.ScheduleBatch(ctx, BatchRequest{
		AccountID:  "acct-1",
		Recipients: []string{"a@example.com", "b@example.com", "c@example.com"},
	})
	require.NoError(t, err)

	rig.start(t)
	rig.waitForCounts(t, map[store.Status]int{store.StatusSent: 3})

	require.Len(t, sendTimes, 3)
	for i := 1; i < len(sendTimes); i++ {
		gap := sendTimes[i].Sub(sendTimes[i-1])
		assert.GreaterOrEqual(t, gap, 90*time.Millisecond,
			"sends %d and %d too close together", i-1, i)
	}
}

// Quota never exceeded even with many workers racing the same account.
func TestQuotaInvariantUnderConcurrency(t *testing.T) {
	config := fastConfig()
	config.Workers = 8
	rig := setupRig(t, config)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Hour).Add(10 * time.Minute)
	rig.dispatcher.SetClock(func() time.Time { return at })

	require.NoError(t, rig.store.CreateAccount(ctx, store.Account{ID: "acct-1", HourlyLimit: 5}))

	recipients := make([]string, 20)
	for i := range recipients {
		recipients[i] = string(rune('a'+i)) + "@example.com"
	}
	_, err := rig.scheduler.ScheduleBatch(ctx, BatchRequest{
		AccountID:  "acct-1",
		Recipients: recipients,
	})
	require.NoError(t, err)

	rig.start(t)
	rig.waitForCounts(t, map[store.Status]int{store.StatusSent: 5, store.StatusDeferred: 15})

	assert.Len(t, rig.transport.Sent(), 5)
}

// A stale task for an already-terminal record is acked without a second send.
func TestTerminalRecordSkipped(t *testing.T) {
	rig := setupRig(t, fastConfig())
	ctx := context.Background()

	require.NoError(t, rig.store.CreateAccount(ctx, store.Account{ID: "acct-1", HourlyLimit: 100}))
	id, err := rig.store.CreateSendRecord(ctx, store.SendRecord{
		AccountID: "acct-1",
		Recipient: "a@example.com",
		DueAt:     time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, rig.store.UpdateStatus(ctx, id, store.StatusSent, ""))

	_, err = rig.queue.Enqueue(queue.Task{
		Token:     id,
		RecordID:  id,
		AccountID: "acct-1",
		DueAt:     time.Now(),
	})
	require.NoError(t, err)

	rig.start(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats := rig.queue.Stats()
		if stats.Pending == 0 && stats.InFlight == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Empty(t, rig.transport.Sent())
}
