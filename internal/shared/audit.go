package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/buildingops/buildingops/internal/platform/db"
)

// Audit actions recorded by the access-control core.
const (
	AuditUserActivated     = "user.activated"
	AuditUserDeactivated   = "user.deactivated"
	AuditUserDeleted       = "user.deleted"
	AuditUserPasswordReset = "user.password_reset"
	AuditUserRolesChanged  = "user.roles_changed"
	AuditRoleCreated       = "role.created"
	AuditRoleUpdated       = "role.updated"
	AuditRoleDeleted       = "role.deleted"
	AuditRolePermsChanged  = "role.permissions_changed"
	AuditPermissionCreated = "permission.created"
	AuditPermissionDeleted = "permission.deleted"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Validate checks the mandatory fields.
func (l AuditLog) Validate() error {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	return nil
}

// AuditLogger writes records into audit_logs. Bind it to a transaction so the
// record commits or rolls back with the change it describes.
type AuditLogger struct {
	q db.Querier
}

// NewAuditLogger returns a new AuditLogger writing through q.
func NewAuditLogger(q db.Querier) *AuditLogger {
	return &AuditLogger{q: q}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.q == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	var actor *int64
	if log.ActorID > 0 {
		actor = &log.ActorID
	}
	_, err = l.q.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, actor, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}
