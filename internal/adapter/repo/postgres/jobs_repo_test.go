package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipscrub/clipscrub/internal/domain"
)

func TestJobsFinish_ConditionalWrite(t *testing.T) {
	pool := newPoolStub()
	repo := NewJobRepo(pool)
	ctx := context.Background()

	// the row was still non-terminal: we own the terminal transition
	pool.execTag = pgconn.NewCommandTag("UPDATE 1")
	wrote, err := repo.Finish(ctx, "job_a", domain.JobCompleted, domain.JobUpdate{})
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Contains(t, pool.lastSQL, "status NOT IN ('completed','failed','cancelled')")

	// someone settled first: the conditional update matches nothing
	pool.execTag = pgconn.NewCommandTag("UPDATE 0")
	wrote, err = repo.Finish(ctx, "job_a", domain.JobFailed, domain.JobUpdate{})
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestJobsFinish_RejectsNonTerminalStatus(t *testing.T) {
	repo := NewJobRepo(newPoolStub())
	_, err := repo.Finish(context.Background(), "job_a", domain.JobProcessing, domain.JobUpdate{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestJobsFinish_ExecError(t *testing.T) {
	pool := newPoolStub()
	pool.execErr = errors.New("connection reset")
	repo := NewJobRepo(pool)
	_, err := repo.Finish(context.Background(), "job_a", domain.JobCancelled, domain.JobUpdate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.finish")
}

func TestJobsDelete(t *testing.T) {
	pool := newPoolStub()
	repo := NewJobRepo(pool)
	require.NoError(t, repo.Delete(context.Background(), "job_a"))
	assert.Contains(t, pool.lastSQL, "DELETE FROM jobs")
}
