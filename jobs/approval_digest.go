package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/buildingops/buildingops/internal/jobs"
	"github.com/buildingops/buildingops/internal/users"
)

// TaskApprovalDigest is the periodic task summarising accounts awaiting approval.
const TaskApprovalDigest = "account:approval_digest"

// DefaultApprovalDigestCron runs the digest every morning, UTC.
const DefaultApprovalDigestCron = "0 8 * * *"

// PendingLister lists accounts matching a filter. *users.Repository satisfies it.
type PendingLister interface {
	ListUsers(ctx context.Context, filters users.ListFilters) ([]users.User, int, error)
}

// NewApprovalDigestTask constructs the digest task.
func NewApprovalDigestTask() *asynq.Task {
	return asynq.NewTask(TaskApprovalDigest, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}

// ApprovalDigestHandler reports the backlog of active, unapproved accounts.
type ApprovalDigestHandler struct {
	users   PendingLister
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewApprovalDigestHandler builds ApprovalDigestHandler instance.
func NewApprovalDigestHandler(lister PendingLister, metrics *jobmetrics.Metrics, logger *slog.Logger) *ApprovalDigestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalDigestHandler{users: lister, metrics: metrics, logger: logger}
}

// ProcessTask implements asynq.Handler.
func (h *ApprovalDigestHandler) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	tracker := h.metrics.Track(TaskApprovalDigest)
	approved, active := false, true
	oldest, total, err := h.users.ListUsers(ctx, users.ListFilters{Approved: &approved, Active: &active, PerPage: 5})
	if err != nil {
		return tracker.End(err)
	}
	h.metrics.SetPendingApprovals(total)
	if total == 0 {
		return tracker.End(nil)
	}
	names := make([]string, 0, len(oldest))
	for _, u := range oldest {
		names = append(names, u.Username)
	}
	h.logger.Info("accounts awaiting approval", slog.Int("count", total), slog.Any("sample", names))
	return tracker.End(nil)
}
