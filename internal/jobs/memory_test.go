package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vipul43/mailvault-worker/internal/models"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore() (*MemoryStore, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.SetClock(clock.Now)
	return store, clock
}

func syncOpts(accountID string) EnqueueOptions {
	return EnqueueOptions{
		AccountID:   accountID,
		Priority:    models.PriorityIncrementalSync,
		DedupKey:    DedupKey(models.TaskIncrementalSync, accountID),
		MaxAttempts: 3,
	}
}

func TestMemoryStore_EnqueueDedupKeepsOnePending(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()

	first, err := store.Enqueue(ctx, models.TaskIncrementalSync, models.SyncPayload{AccountID: "acc-1"}, syncOpts("acc-1"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	opts := syncOpts("acc-1")
	opts.RunAt = clock.now.Add(10 * time.Minute)
	second, err := store.Enqueue(ctx, models.TaskIncrementalSync, models.SyncPayload{AccountID: "acc-1"}, opts)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected the pending job to be replaced in place, got ids %s and %s", first.ID, second.ID)
	}
	pending, _ := store.ListPending(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending job, got %d", len(pending))
	}
	if !pending[0].RunAt.Equal(opts.RunAt) {
		t.Errorf("expected run_at to be replaced, got %s", pending[0].RunAt)
	}
}

func TestMemoryStore_EnqueueWhileLeasedCreatesSuccessor(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	if _, err := store.Enqueue(ctx, models.TaskIncrementalSync, models.SyncPayload{AccountID: "acc-1"}, syncOpts("acc-1")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	running, err := store.LeaseNext(ctx, "w1", models.AllTaskTypes)
	if err != nil || running == nil {
		t.Fatalf("expected a leased job, got %v %v", running, err)
	}

	next, err := store.Enqueue(ctx, models.TaskIncrementalSync, models.SyncPayload{AccountID: "acc-1"}, syncOpts("acc-1"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if next.ID == running.ID {
		t.Fatal("expected a new job while the holder is running")
	}

	held, _ := store.Get(running.ID)
	if held.DedupKey != nil {
		t.Errorf("expected running job to give up its dedup key, got %s", *held.DedupKey)
	}

	// enqueuing again now replaces the successor, not the running job
	again, _ := store.Enqueue(ctx, models.TaskIncrementalSync, models.SyncPayload{AccountID: "acc-1"}, syncOpts("acc-1"))
	if again.ID != next.ID {
		t.Errorf("expected successor %s to be replaced, got %s", next.ID, again.ID)
	}
}

func TestMemoryStore_LeaseOrder(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()

	_, _ = store.Enqueue(ctx, models.TaskAutoDelete, models.AutoDeletePayload{AccountID: "a"}, EnqueueOptions{AccountID: "a", Priority: models.PriorityAutoDelete})
	_, _ = store.Enqueue(ctx, models.TaskFullSync, models.SyncPayload{AccountID: "b"}, EnqueueOptions{AccountID: "b", Priority: models.PriorityFullSync, RunAt: clock.now.Add(-time.Minute)})
	_, _ = store.Enqueue(ctx, models.TaskFullSync, models.SyncPayload{AccountID: "c"}, EnqueueOptions{AccountID: "c", Priority: models.PriorityFullSync, RunAt: clock.now.Add(-time.Hour)})
	_, _ = store.Enqueue(ctx, models.TaskIncrementalSync, models.SyncPayload{AccountID: "d"}, EnqueueOptions{AccountID: "d", Priority: models.PriorityIncrementalSync, RunAt: clock.now.Add(time.Hour)})

	var order []string
	for {
		job, err := store.LeaseNext(ctx, "w1", models.AllTaskTypes)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if job == nil {
			break
		}
		order = append(order, job.AccountID)
	}

	want := []string{"c", "b", "a"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("expected %v, got %v", want, order)
			break
		}
	}
}

func TestMemoryStore_LeaseFiltersTaskTypes(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	_, _ = store.Enqueue(ctx, models.TaskAutoDelete, models.AutoDeletePayload{AccountID: "a"}, EnqueueOptions{AccountID: "a"})

	job, err := store.LeaseNext(ctx, "w1", []models.TaskType{models.TaskFullSync})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if job != nil {
		t.Errorf("expected no eligible job, got %s", job.TaskType)
	}
}

func TestMemoryStore_TransientFailuresExhaustAttempts(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()

	job, _ := store.Enqueue(ctx, models.TaskIncrementalSync, models.SyncPayload{AccountID: "acc-1"}, syncOpts("acc-1"))

	var lastDelay time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		leased, err := store.LeaseNext(ctx, "w1", models.AllTaskTypes)
		if err != nil || leased == nil {
			t.Fatalf("attempt %d: expected a leased job, got %v %v", attempt, leased, err)
		}
		updated, err := store.Fail(ctx, LeaseOf(leased), "connection reset", FailOptions{})
		if err != nil {
			t.Fatalf("attempt %d: expected no error, got %v", attempt, err)
		}
		if updated.Attempts != attempt {
			t.Errorf("expected attempts %d, got %d", attempt, updated.Attempts)
		}
		if attempt < 3 {
			if updated.IsFailed() {
				t.Fatalf("attempt %d: job failed permanently too early", attempt)
			}
			if !updated.RunAt.After(clock.now) {
				t.Errorf("attempt %d: expected run_at pushed into the future", attempt)
			}
			delay := updated.RunAt.Sub(clock.now)
			if delay < lastDelay {
				t.Errorf("attempt %d: backoff decreased from %s to %s", attempt, lastDelay, delay)
			}
			lastDelay = delay
			clock.Advance(2 * time.Hour)
		}
	}

	failed, _ := store.ListFailed(ctx, 10)
	if len(failed) != 1 || failed[0].ID != job.ID {
		t.Fatalf("expected job in failed listing, got %+v", failed)
	}
	pending, _ := store.ListPending(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("expected no pending jobs, got %d", len(pending))
	}
}

func TestMemoryStore_PermanentFailure(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	_, _ = store.Enqueue(ctx, models.TaskMboxImport, models.MboxImportPayload{AccountID: "a", FilePath: "/tmp/x"}, EnqueueOptions{AccountID: "a"})
	leased, _ := store.LeaseNext(ctx, "w1", models.AllTaskTypes)

	updated, err := store.Fail(ctx, LeaseOf(leased), "file not found", FailOptions{Permanent: true})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !updated.IsFailed() || updated.Attempts != 1 {
		t.Errorf("expected permanent failure after one attempt, got %+v", updated)
	}
}

func TestMemoryStore_CompleteRemovesJob(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	_, _ = store.Enqueue(ctx, models.TaskFullSync, models.SyncPayload{AccountID: "a"}, EnqueueOptions{AccountID: "a", DedupKey: DedupKey(models.TaskFullSync, "a")})
	leased, _ := store.LeaseNext(ctx, "w1", models.AllTaskTypes)

	if err := store.Complete(ctx, LeaseOf(leased)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, ok := store.Get(leased.ID); ok {
		t.Error("expected completed job to be removed")
	}
	if err := store.Complete(ctx, LeaseOf(leased)); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryStore_Cancel(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	pending, _ := store.Enqueue(ctx, models.TaskAutoDelete, models.AutoDeletePayload{AccountID: "a"}, EnqueueOptions{AccountID: "a"})
	if err := store.Cancel(ctx, pending.ID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := store.Cancel(ctx, pending.ID); err != nil {
		t.Errorf("expected cancel to be idempotent, got %v", err)
	}
	job, _ := store.Get(pending.ID)
	if !job.IsFailed() || job.LastError == nil || *job.LastError != CancelledError {
		t.Errorf("expected cancelled marker, got %+v", job)
	}

	_, _ = store.Enqueue(ctx, models.TaskFullSync, models.SyncPayload{AccountID: "b"}, EnqueueOptions{AccountID: "b"})
	running, _ := store.LeaseNext(ctx, "w1", models.AllTaskTypes)
	if err := store.Cancel(ctx, running.ID); !errors.Is(err, ErrJobLocked) {
		t.Errorf("expected ErrJobLocked for a running job, got %v", err)
	}

	if err := store.Cancel(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryStore_RescheduleFailedJob(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()

	_, _ = store.Enqueue(ctx, models.TaskFullSync, models.SyncPayload{AccountID: "a"}, EnqueueOptions{AccountID: "a", MaxAttempts: 1, DedupKey: DedupKey(models.TaskFullSync, "a")})
	leased, _ := store.LeaseNext(ctx, "w1", models.AllTaskTypes)
	_, _ = store.Fail(ctx, LeaseOf(leased), "boom", FailOptions{})

	clock.Advance(time.Hour)
	if err := store.Reschedule(ctx, leased.ID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	job, _ := store.Get(leased.ID)
	if job.IsFailed() || job.Attempts != 0 || !job.RunAt.Equal(clock.now) {
		t.Errorf("expected job reset and due now, got %+v", job)
	}
	again, _ := store.LeaseNext(ctx, "w1", models.AllTaskTypes)
	if again == nil || again.ID != leased.ID {
		t.Error("expected rescheduled job to be leasable")
	}
}

func TestMemoryStore_RescheduleFoldsIntoHolder(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()
	key := DedupKey(models.TaskFullSync, "a")

	_, _ = store.Enqueue(ctx, models.TaskFullSync, models.SyncPayload{AccountID: "a"}, EnqueueOptions{AccountID: "a", MaxAttempts: 1, DedupKey: key})
	leased, _ := store.LeaseNext(ctx, "w1", models.AllTaskTypes)
	_, _ = store.Fail(ctx, LeaseOf(leased), "boom", FailOptions{})

	holder, _ := store.Enqueue(ctx, models.TaskFullSync, models.SyncPayload{AccountID: "a"}, EnqueueOptions{AccountID: "a", DedupKey: key, RunAt: clock.now.Add(time.Hour)})

	if err := store.Reschedule(ctx, leased.ID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, ok := store.Get(leased.ID); ok {
		t.Error("expected failed duplicate to be removed")
	}
	got, _ := store.Get(holder.ID)
	if !got.RunAt.Equal(clock.now) {
		t.Errorf("expected holder pulled forward to now, got %s", got.RunAt)
	}
}

func TestMemoryStore_ReapExpired(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()

	_, _ = store.Enqueue(ctx, models.TaskFullSync, models.SyncPayload{AccountID: "a"}, EnqueueOptions{AccountID: "a"})
	leased, _ := store.LeaseNext(ctx, "crashed-worker", models.AllTaskTypes)

	clock.Advance(5 * time.Minute)
	if n, _ := store.ReapExpired(ctx, 10*time.Minute); n != 0 {
		t.Fatalf("expected fresh lease to be kept, reaped %d", n)
	}

	clock.Advance(10 * time.Minute)
	n, err := store.ReapExpired(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reaped job, got %d", n)
	}

	job, _ := store.Get(leased.ID)
	if job.IsLocked() || job.Attempts != 1 || job.LastError == nil || *job.LastError != LeaseExpiredError {
		t.Errorf("expected unlocked job with one attempt, got %+v", job)
	}
	again, _ := store.LeaseNext(ctx, "w2", models.AllTaskTypes)
	if again == nil || again.ID != leased.ID {
		t.Error("expected reaped job to be leasable again")
	}
}

func TestMemoryStore_ReapedLeaseCannotFinish(t *testing.T) {
	tests := []struct {
		name     string
		releaser string
	}{
		{name: "unclaimed after reap"},
		{name: "leased by another worker", releaser: "w2"},
		{name: "leased again by the same worker", releaser: "w1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store, clock := newTestStore()

			_, _ = store.Enqueue(ctx, models.TaskFullSync, models.SyncPayload{AccountID: "a"}, EnqueueOptions{AccountID: "a", MaxAttempts: 5})
			stale, _ := store.LeaseNext(ctx, "w1", models.AllTaskTypes)
			clock.Advance(15 * time.Minute)
			if n, _ := store.ReapExpired(ctx, 10*time.Minute); n != 1 {
				t.Fatalf("expected the lease to be reaped, got %d", n)
			}
			if tt.releaser != "" {
				if again, _ := store.LeaseNext(ctx, tt.releaser, models.AllTaskTypes); again == nil {
					t.Fatal("expected the reaped job to be leased again")
				}
			}

			if err := store.Complete(ctx, LeaseOf(stale)); !errors.Is(err, ErrLeaseLost) {
				t.Errorf("expected ErrLeaseLost from Complete, got %v", err)
			}
			if _, err := store.Fail(ctx, LeaseOf(stale), "boom", FailOptions{Permanent: true}); !errors.Is(err, ErrLeaseLost) {
				t.Errorf("expected ErrLeaseLost from Fail, got %v", err)
			}

			job, ok := store.Get(stale.ID)
			if !ok {
				t.Fatal("expected the job to survive a stale completion")
			}
			if job.IsFailed() || job.Attempts != 1 {
				t.Errorf("expected job untouched by the stale holder, got %+v", job)
			}
		})
	}
}

func TestMemoryStore_FindActive(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	_, _ = store.Enqueue(ctx, models.TaskFolderSync, models.FolderSyncPayload{AccountID: "a", FolderPath: "INBOX"}, EnqueueOptions{AccountID: "a"})
	_, _ = store.Enqueue(ctx, models.TaskAutoDelete, models.AutoDeletePayload{AccountID: "a"}, EnqueueOptions{AccountID: "a"})

	if job, _ := store.FindActive(ctx, "a", models.JobTypeSync.TaskTypes()); job != nil {
		t.Fatal("expected no active job before leasing")
	}

	_, _ = store.LeaseNext(ctx, "w1", []models.TaskType{models.TaskFolderSync})

	job, err := store.FindActive(ctx, "a", models.JobTypeSync.TaskTypes())
	if err != nil || job == nil {
		t.Fatalf("expected active sync job, got %v %v", job, err)
	}
	if job.TaskType != models.TaskFolderSync {
		t.Errorf("expected folder_sync, got %s", job.TaskType)
	}
	if other, _ := store.FindActive(ctx, "a", models.JobTypeAutoDelete.TaskTypes()); other != nil {
		t.Error("expected pending auto delete not to count as active")
	}
}
