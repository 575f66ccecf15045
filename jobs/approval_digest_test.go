package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/buildingops/buildingops/internal/jobs"
	"github.com/buildingops/buildingops/internal/users"
)

type listerFunc func(ctx context.Context, filters users.ListFilters) ([]users.User, int, error)

func (f listerFunc) ListUsers(ctx context.Context, filters users.ListFilters) ([]users.User, int, error) {
	return f(ctx, filters)
}

func TestApprovalDigestQueriesActiveUnapproved(t *testing.T) {
	var got users.ListFilters
	handler := NewApprovalDigestHandler(listerFunc(func(_ context.Context, filters users.ListFilters) ([]users.User, int, error) {
		got = filters
		return []users.User{{ID: 4, Username: "bob"}}, 3, nil
	}), jobmetrics.NewMetrics(prometheus.NewRegistry()), nil)

	require.NoError(t, handler.ProcessTask(context.Background(), NewApprovalDigestTask()))
	require.NotNil(t, got.Approved)
	require.NotNil(t, got.Active)
	assert.False(t, *got.Approved)
	assert.True(t, *got.Active)
}

func TestApprovalDigestPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("connection refused")
	handler := NewApprovalDigestHandler(listerFunc(func(context.Context, users.ListFilters) ([]users.User, int, error) {
		return nil, 0, boom
	}), nil, nil)
	assert.ErrorIs(t, handler.ProcessTask(context.Background(), NewApprovalDigestTask()), boom)
}

func TestApprovalDigestTaskQueue(t *testing.T) {
	task := NewApprovalDigestTask()
	assert.Equal(t, TaskApprovalDigest, task.Type())
}

func TestNewWorkerRejectsBadCron(t *testing.T) {
	_, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Cron:      []CronRegistration{{Spec: "not a cron", Task: NewApprovalDigestTask()}},
	})
	assert.Error(t, err)
}

func TestNewWorkerRegistersCron(t *testing.T) {
	w, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Handlers:  []TaskHandler{{Type: TaskApprovalDigest, Handler: NewApprovalDigestHandler(nil, nil, nil)}},
		Cron:      []CronRegistration{{Spec: DefaultApprovalDigestCron, Task: NewApprovalDigestTask()}},
	})
	require.NoError(t, err)
	assert.NotNil(t, w.scheduler)
}
