package jobs

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivkit/jobhub/db"
	"github.com/derivkit/jobhub/errors"
	hubtest "github.com/derivkit/jobhub/internal/testing"
)

// ============================================================================
// Build farm test universe
// ============================================================================
//
//   - Ada: an amd64 builder that accepts "build" jobs
//   - Grace: an arm64 builder that accepts "build" and "check" jobs
//   - Eve: a disabled machine that keeps asking for work
// ============================================================================

var (
	ada   = Worker{ID: "6f1b0a6c-7b0e-4c39-9a4e-8f0d0b3a0a01", Name: "ada"}
	grace = Worker{ID: "6f1b0a6c-7b0e-4c39-9a4e-8f0d0b3a0a02", Name: "grace"}
	eve   = Worker{ID: "6f1b0a6c-7b0e-4c39-9a4e-8f0d0b3a0a03", Name: "eve"}
)

func registerWorker(t *testing.T, database *sql.DB, w Worker, enabled bool) {
	t.Helper()
	_, err := database.Exec(
		`INSERT INTO workers (uuid, machine_name, enabled, last_ping, time_registered) VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.Name, enabled, time.Now().UTC(), time.Now().UTC(),
	)
	require.NoError(t, err)
}

// fixedClock hands out strictly increasing timestamps
func fixedClock() func() time.Time {
	base := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		base = base.Add(time.Second)
		return base
	}
}

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	database := hubtest.CreateTestDB(t)
	registerWorker(t, database, ada, true)
	registerWorker(t, database, grace, true)
	registerWorker(t, database, eve, false)
	return NewStore(database).WithClock(fixedClock()), database
}

func createJob(t *testing.T, store *Store, kind, arch string, priority int) *Job {
	t.Helper()
	job := NewJob("archive", kind, arch, priority)
	require.NoError(t, store.Create(context.Background(), job))
	return job
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := NewJob("archive", "build", "", 5)
	job.Trigger = "upload"
	job.Version = "1.2.3-1"
	job.Data = []byte(`{"source":"hello","suite":"unstable"}`)
	require.NoError(t, store.Create(ctx, job))

	got, err := store.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, job.UUID, got.UUID)
	assert.Equal(t, ArchitectureAny, got.Architecture)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Equal(t, ResultUnknown, got.Result)
	assert.Equal(t, "upload", got.Trigger)
	assert.Equal(t, 5, got.Priority)
	assert.JSONEq(t, `{"source":"hello","suite":"unstable"}`, string(got.Data))
	assert.Empty(t, got.WorkerID)
	assert.Nil(t, got.TimeAssigned)
	assert.Nil(t, got.TimeFinished)
	assert.True(t, got.TimeCreated.Equal(job.TimeCreated))
}

func TestCreateRejectsBadJobs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Job)
	}{
		{"bad uuid", func(j *Job) { j.UUID = "not-a-uuid" }},
		{"no module", func(j *Job) { j.Module = "" }},
		{"no kind", func(j *Job) { j.Kind = "" }},
		{"unknown status", func(j *Job) { j.Status = "paused" }},
		{"created owned", func(j *Job) { j.Status = StatusRunning }},
		{"invalid data", func(j *Job) { j.Data = []byte("{") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob("archive", "build", "any", 0)
			tt.mutate(job)
			err := store.Create(ctx, job)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err))
		})
	}

	t.Run("duplicate uuid", func(t *testing.T) {
		job := createJob(t, store, "build", "any", 0)
		dup := NewJob("archive", "build", "any", 0)
		dup.UUID = job.UUID
		assert.ErrorIs(t, store.Create(ctx, dup), errors.ErrConflict)
	})
}

func TestGetNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), uuid.NewString())
	assert.True(t, errors.IsNotFoundError(err))
}

func TestClaimOrdering(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	older := createJob(t, store, "build", "any", 1)
	_ = createJob(t, store, "build", "any", 1)
	urgent := createJob(t, store, "build", "amd64", 9)

	got, outcome, err := store.Claim(ctx, ada, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)
	require.True(t, outcome.Applied())
	assert.Equal(t, urgent.UUID, got.UUID, "highest priority first")

	got, _, err = store.Claim(ctx, ada, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)
	assert.Equal(t, older.UUID, got.UUID, "ties go to the oldest job")
	assert.Equal(t, StatusScheduled, got.Status)
	assert.Equal(t, ada.ID, got.WorkerID)
	assert.Equal(t, "ada", got.WorkerName)
	require.NotNil(t, got.TimeAssigned)
}

func TestClaimArchitectureFilter(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	arm := createJob(t, store, "build", "arm64", 10)
	anyArch := createJob(t, store, "build", "any", 0)

	got, outcome, err := store.Claim(ctx, ada, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)
	require.True(t, outcome.Applied())
	assert.Equal(t, anyArch.UUID, got.UUID, "amd64 worker gets the any job, never arm64")

	_, outcome, err = store.Claim(ctx, ada, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)
	assert.False(t, outcome.Applied(), "only the arm64 job is left")

	got, outcome, err = store.Claim(ctx, grace, []string{"amd64", "arm64"}, []string{"build"})
	require.NoError(t, err)
	require.True(t, outcome.Applied())
	assert.Equal(t, arm.UUID, got.UUID, "later architectures are tried when earlier ones are empty")
}

func TestClaimKindFilter(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	check := createJob(t, store, "check", "any", 0)

	_, outcome, err := store.Claim(ctx, ada, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)
	assert.False(t, outcome.Applied())

	_, outcome, err = store.Claim(ctx, ada, []string{"amd64"}, nil)
	require.NoError(t, err)
	assert.False(t, outcome.Applied(), "empty accepts never claims")

	got, outcome, err := store.Claim(ctx, grace, []string{"arm64"}, []string{"build", "check"})
	require.NoError(t, err)
	require.True(t, outcome.Applied())
	assert.Equal(t, check.UUID, got.UUID)
}

func TestClaimSkipsDisabledWorker(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, store, "build", "any", 0)

	_, outcome, err := store.Claim(ctx, eve, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)
	assert.False(t, outcome.Applied())

	got, err := store.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)

	_, outcome, err = store.Claim(ctx, Worker{ID: uuid.NewString()}, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)
	assert.False(t, outcome.Applied(), "unregistered workers never claim")
}

// TestClaimAtMostOnce races many connections for a single job
func TestClaimAtMostOnce(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()

	const racers = 8
	workers := make([]Worker, racers)
	for i := range workers {
		workers[i] = Worker{ID: uuid.NewString(), Name: "racer"}
		registerWorker(t, database, workers[i], true)
	}
	job := createJob(t, store, "build", "any", 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for _, w := range workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			conn, err := database.Conn(ctx)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()

			got, outcome, err := NewStore(conn).Claim(ctx, w, []string{"amd64"}, []string{"build"})
			if !assert.NoError(t, err) {
				return
			}
			if outcome.Applied() {
				assert.Equal(t, job.UUID, got.UUID)
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one racer claims the job")
	got, err := store.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)
}

func TestAcceptOnlyByOwner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, store, "build", "any", 0)
	_, _, err := store.Claim(ctx, ada, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)

	outcome, err := store.Accept(ctx, job.UUID, grace.ID)
	require.NoError(t, err)
	assert.False(t, outcome.Applied(), "grace does not own the job")

	outcome, err = store.Accept(ctx, job.UUID, ada.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Applied())

	outcome, err = store.Accept(ctx, job.UUID, ada.ID)
	require.NoError(t, err)
	assert.False(t, outcome.Applied(), "already running")

	got, err := store.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestRejectIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, store, "build", "any", 0)
	_, _, err := store.Claim(ctx, ada, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)

	outcome, err := store.Reject(ctx, job.UUID, ada.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Applied())

	got, err := store.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Empty(t, got.WorkerID)
	assert.Empty(t, got.WorkerName)
	require.NotNil(t, got.TimeAssigned, "time_assigned records that the job was once scheduled")

	outcome, err = store.Reject(ctx, job.UUID, ada.ID)
	require.NoError(t, err)
	assert.False(t, outcome.Applied(), "second rejection is a no-op")

	again, err := store.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestRejectAfterAccept(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, store, "build", "any", 0)
	_, _, err := store.Claim(ctx, ada, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)
	_, err = store.Accept(ctx, job.UUID, ada.ID)
	require.NoError(t, err)

	outcome, err := store.Reject(ctx, job.UUID, grace.ID)
	require.NoError(t, err)
	assert.False(t, outcome.Applied(), "only the owner may abort")

	outcome, err = store.Reject(ctx, job.UUID, ada.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Applied())

	got, err := store.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Empty(t, got.WorkerID)
}

func TestTimestampsAreSetOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, store, "build", "any", 0)
	first, _, err := store.Claim(ctx, ada, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)
	_, err = store.Reject(ctx, job.UUID, ada.ID)
	require.NoError(t, err)

	second, outcome, err := store.Claim(ctx, grace, []string{"arm64"}, []string{"build"})
	require.NoError(t, err)
	require.True(t, outcome.Applied())
	assert.True(t, first.TimeAssigned.Equal(*second.TimeAssigned), "reclaiming keeps the first assignment time")

	_, err = store.Accept(ctx, job.UUID, grace.ID)
	require.NoError(t, err)
	outcome, err = store.Finish(ctx, job.UUID, grace.ID, ResultSuccessPending)
	require.NoError(t, err)
	require.True(t, outcome.Applied())

	done, err := store.Get(ctx, job.UUID)
	require.NoError(t, err)
	require.NotNil(t, done.TimeFinished)
	assert.True(t, done.TimeFinished.After(*done.TimeAssigned))

	outcome, err = store.Finish(ctx, job.UUID, grace.ID, ResultFailurePending)
	require.NoError(t, err)
	assert.False(t, outcome.Applied(), "done is final")

	final, err := store.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccessPending, final.Result)
	assert.True(t, done.TimeFinished.Equal(*final.TimeFinished))
}

func TestFinish(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, store, "build", "any", 0)
	_, _, err := store.Claim(ctx, ada, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)

	outcome, err := store.Finish(ctx, job.UUID, ada.ID, ResultFailurePending)
	require.NoError(t, err)
	assert.False(t, outcome.Applied(), "scheduled jobs cannot finish")

	_, err = store.Accept(ctx, job.UUID, ada.ID)
	require.NoError(t, err)
	outcome, err = store.Finish(ctx, job.UUID, ada.ID, ResultFailurePending)
	require.NoError(t, err)
	assert.True(t, outcome.Applied())

	got, err := store.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, ResultFailurePending, got.Result)
	assert.Empty(t, got.WorkerID)
	assert.Equal(t, "ada", got.WorkerName)

	_, err = store.Finish(ctx, job.UUID, ada.ID, ResultSuccess)
	assert.Error(t, err, "the hub only writes pending results")
}

func TestTerminate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, store, "build", "any", 0)
	outcome, err := store.Terminate(ctx, job.UUID)
	require.NoError(t, err)
	assert.False(t, outcome.Applied(), "waiting jobs are not terminated")

	_, _, err = store.Claim(ctx, ada, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)
	outcome, err = store.Terminate(ctx, job.UUID)
	require.NoError(t, err)
	assert.True(t, outcome.Applied())

	got, err := store.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, got.Status)
	assert.Empty(t, got.WorkerID)
	assert.NotNil(t, got.TimeFinished)
}

func TestUpdateLogExcerpt(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := createJob(t, store, "build", "any", 0)
	_, _, err := store.Claim(ctx, ada, []string{"amd64"}, []string{"build"})
	require.NoError(t, err)

	outcome, err := store.UpdateLogExcerpt(ctx, job.UUID, ada.ID, "dpkg-buildpackage: building hello")
	require.NoError(t, err)
	assert.True(t, outcome.Applied())

	outcome, err = store.UpdateLogExcerpt(ctx, job.UUID, grace.ID, "spoofed")
	require.NoError(t, err)
	assert.False(t, outcome.Applied())

	got, err := store.Get(ctx, job.UUID)
	require.NoError(t, err)
	assert.Equal(t, "dpkg-buildpackage: building hello", got.LatestLogExcerpt)
	assert.Equal(t, StatusScheduled, got.Status, "no transition")
}

func TestList(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	createJob(t, store, "build", "any", 0)
	newest := createJob(t, store, "check", "any", 0)
	_, _, err := store.Claim(ctx, grace, []string{"arm64"}, []string{"check"})
	require.NoError(t, err)

	all, err := store.List(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, newest.UUID, all[0].UUID, "newest first")

	scheduled := StatusScheduled
	only, err := store.List(ctx, &scheduled, 10)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, newest.UUID, only[0].UUID)
}

func TestStorageFailureIsAnError(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectExec("UPDATE jobs SET status").WillReturnError(errors.New("disk I/O error"))

	outcome, err := NewStore(database).Accept(context.Background(), "j1", ada.ID)
	require.Error(t, err)
	assert.Equal(t, db.NotApplied, outcome)
	assert.Contains(t, errors.FlattenDetails(err), "Job ID: j1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
