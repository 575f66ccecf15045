package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/buildingops/buildingops/internal/jobs"
	"github.com/buildingops/buildingops/internal/users"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotifications carries account lifecycle notifications.
	QueueNotifications = "notifications"
	// TaskAccountNotify is the task type for account lifecycle notifications.
	TaskAccountNotify = "account:notify"
)

// AccountNotificationPayload identifies the account and the lifecycle event.
type AccountNotificationPayload struct {
	UserID int64  `json:"user_id"`
	Event  string `json:"event"`
}

// NewAccountNotificationTask constructs an Asynq task.
func NewAccountNotificationTask(payload AccountNotificationPayload) (*asynq.Task, error) {
	if payload.UserID <= 0 || payload.Event == "" {
		return nil, errors.New("jobs: notification requires user id and event")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAccountNotify, data, asynq.Queue(QueueNotifications), asynq.MaxRetry(5)), nil
}

// UserLookup loads the account a notification is about.
type UserLookup interface {
	FindByID(ctx context.Context, id int64) (*users.User, error)
}

// NotificationHandler processes TaskAccountNotify tasks. Delivery is left to the
// log sink; the handler resolves the recipient and records the event.
type NotificationHandler struct {
	users   UserLookup
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewNotificationHandler builds NotificationHandler instance.
func NewNotificationHandler(lookup UserLookup, metrics *jobmetrics.Metrics, logger *slog.Logger) *NotificationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationHandler{users: lookup, metrics: metrics, logger: logger}
}

// ProcessTask implements asynq.Handler.
func (h *NotificationHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	tracker := h.metrics.Track(TaskAccountNotify)
	var payload AccountNotificationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(fmt.Errorf("jobs: decode notification: %v: %w", err, asynq.SkipRetry))
	}
	user, err := h.users.FindByID(ctx, payload.UserID)
	if err != nil {
		return tracker.End(err)
	}
	if user == nil {
		h.logger.Warn("account notification for missing user", slog.Int64("user_id", payload.UserID), slog.String("event", payload.Event))
		return tracker.End(nil)
	}
	h.logger.Info("account notification",
		slog.Int64("user_id", user.ID),
		slog.String("email", user.Email),
		slog.String("event", payload.Event),
	)
	h.metrics.AddNotification(payload.Event)
	return tracker.End(nil)
}
