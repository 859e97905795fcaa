package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

// These tests drive the transaction sequences through pgxmock so they run
// without a database. Expectations are matched in order, which also pins the
// lock order of each transaction.

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return NewFromConn(mock, WithLogger(zaptest.NewLogger(t).Sugar())), mock
}

func updated(n int64) pgconn.CommandTag { return pgxmock.NewResult("UPDATE", n) }

func inserted() pgconn.CommandTag { return pgxmock.NewResult("INSERT", 1) }

func TestMockClaim(t *testing.T) {
	s, mock := newMockStore(t)
	job := queue.NewJob("image", queue.PriorityHigh, []string{"m1"}, nil, t0)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE queue_state\s+SET active_job_id = \$1`).
		WithArgs(job.ID, "image", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), t0.UnixNano()).
		WillReturnResult(updated(1))
	mock.ExpectExec(`SET status = 'active'`).
		WithArgs(pgxmock.AnyArg(), job.ID).
		WillReturnResult(updated(1))
	mock.ExpectExec(`INSERT INTO queue_log`).WillReturnResult(inserted())
	mock.ExpectCommit()

	require.NoError(t, s.Claim(context.Background(), queue.ClaimRequest{Job: job, Holder: "w1", Now: t0}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMockClaimContention(t *testing.T) {
	s, mock := newMockStore(t)
	job := queue.NewJob("image", queue.PriorityHigh, []string{"m1"}, nil, t0)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE queue_state`).WillReturnResult(updated(0))
	mock.ExpectRollback()

	err := s.Claim(context.Background(), queue.ClaimRequest{Job: job, Holder: "w1", Now: t0})
	assert.True(t, errors.Is(err, queue.ErrContention))
	assert.NoError(t, mock.ExpectationsWereMet(), "job row untouched when the slot CAS loses")
}

func TestMockClaimStorageFailure(t *testing.T) {
	s, mock := newMockStore(t)
	job := queue.NewJob("image", queue.PriorityHigh, nil, nil, t0)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE queue_state`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.Claim(context.Background(), queue.ClaimRequest{Job: job, Now: t0})
	require.Error(t, err)
	assert.False(t, errors.Is(err, queue.ErrContention))
	assert.Contains(t, err.Error(), "failed to claim slot")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMockReleaseUnblocksInSameTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	blocker := "job-a"
	now := t0.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(`SET active_job_id = NULL`).
		WithArgs(now.UnixNano(), blocker).
		WillReturnResult(updated(1))
	mock.ExpectExec(`SET status = \$1, completed_at`).
		WithArgs("completed", pgxmock.AnyArg(), pgxmock.AnyArg(), blocker, "active").
		WillReturnResult(updated(1))
	mock.ExpectExec(`INSERT INTO queue_log`).WillReturnResult(inserted())
	mock.ExpectQuery(`SELECT id, blocked_by FROM jobs`).
		WithArgs(blocker).
		WillReturnRows(pgxmock.NewRows([]string{"id", "blocked_by"}).AddRow("job-b", &blocker))
	mock.ExpectExec(`SET status = 'pending'`).
		WithArgs(pgxmock.AnyArg(), "job-b").
		WillReturnResult(updated(1))
	mock.ExpectExec(`INSERT INTO queue_log`).WillReturnResult(inserted())
	mock.ExpectCommit()

	res, err := s.Release(context.Background(), queue.ReleaseRequest{JobID: blocker, Outcome: queue.StatusCompleted, Now: now})
	require.NoError(t, err)
	assert.True(t, res.SlotFreed)
	assert.Equal(t, []string{"job-b"}, res.Unblocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMockReleaseLeaseLost(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET active_job_id = NULL`).WillReturnResult(updated(0))
	mock.ExpectRollback()

	_, err := s.Release(context.Background(), queue.ReleaseRequest{JobID: "job-a", Outcome: queue.StatusFailed, Error: "boom", Now: t0})
	assert.True(t, errors.Is(err, queue.ErrLeaseLost))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMockReclaimUsesObservedHeartbeat(t *testing.T) {
	s, mock := newMockStore(t)
	observed := queue.QueueState{ActiveJobID: "job-a", Holder: "w1", LastUpdated: t0}
	now := t0.Add(time.Minute)

	// Another worker reclaimed or the holder heartbeated after our read.
	mock.ExpectBegin()
	mock.ExpectExec(`SET active_job_id = NULL`).
		WithArgs(now.UnixNano(), "job-a", t0.UnixNano()).
		WillReturnResult(updated(0))
	mock.ExpectCommit()

	res, err := s.Reclaim(context.Background(), observed, now)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMockFailJobLocksSlotBeforeJob(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`FROM queue_state WHERE id = 1 FOR UPDATE`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1 FOR UPDATE`).
		WithArgs("job-a").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectExec(`SET active_job_id = NULL`).WillReturnResult(updated(1))
	mock.ExpectExec(`SET status = \$1, completed_at`).WillReturnResult(updated(1))
	mock.ExpectExec(`INSERT INTO queue_log`).WillReturnResult(inserted())
	mock.ExpectQuery(`SELECT id, blocked_by FROM jobs`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "blocked_by"}))
	mock.ExpectCommit()

	res, err := s.FailJob(context.Background(), "job-a", "", t0)
	require.NoError(t, err)
	assert.True(t, res.SlotFreed)
	assert.Equal(t, queue.ReasonCancelled, res.Reason)
	assert.Empty(t, res.Unblocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMockBlockSkipsReleasedBlocker(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM queue_state WHERE id = 1 FOR SHARE`).
		WithArgs("job-a").
		WillReturnRows(pgxmock.NewRows([]string{"holding"}).AddRow(false))
	mock.ExpectCommit()

	blocked, err := s.Block(context.Background(), "job-b", "job-a", t0)
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.NoError(t, mock.ExpectationsWereMet(), "job row untouched when the blocker released")
}

func TestMockBlockWhileHolding(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR SHARE`).
		WithArgs("job-a").
		WillReturnRows(pgxmock.NewRows([]string{"holding"}).AddRow(true))
	mock.ExpectExec(`SET status = 'blocked'`).
		WithArgs("job-a", pgxmock.AnyArg(), "job-b").
		WillReturnResult(updated(1))
	mock.ExpectExec(`INSERT INTO queue_log`).WillReturnResult(inserted())
	mock.ExpectCommit()

	blocked, err := s.Block(context.Background(), "job-b", "job-a", t0)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}
