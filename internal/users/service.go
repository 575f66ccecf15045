package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/buildingops/buildingops/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context, filters ListFilters) ([]User, int, error)
	ListApprovals(ctx context.Context, userID int64) ([]shared.ApprovalLog, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional operations. Missing rows surface as shared.ErrNotFound,
// uniqueness violations as shared.ErrConflict.
type TxRepository interface {
	LockUser(ctx context.Context, id int64) (*User, error)
	CreateUser(ctx context.Context, in NewUser) (User, error)
	UpdateProfile(ctx context.Context, id int64, update ProfileUpdate) (User, error)
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	SetApproved(ctx context.Context, id int64, approved bool) error
	SetActive(ctx context.Context, id int64, active bool) error
	DeleteUser(ctx context.Context, id int64) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
	RecordApproval(ctx context.Context, log shared.ApprovalLog) error
}

// errStaleCredential aborts a password change whose stored hash moved underneath it.
var errStaleCredential = errors.New("users: credential changed concurrently")

// Service is the credential store: user lookups, password verification and account lifecycle.
type Service struct {
	repo RepositoryPort
	cost int
	// dummyHash keeps unknown-user logins as slow as bad-password logins.
	dummyHash string
}

// NewService builds Service instance. cost is the bcrypt work factor.
func NewService(repo RepositoryPort, cost int) *Service {
	dummy, _ := HashPassword("buildingops-placeholder", cost)
	return &Service{repo: repo, cost: cost, dummyHash: dummy}
}

// FindByID returns the user or nil when absent.
func (s *Service) FindByID(ctx context.Context, id int64) (*User, error) {
	return s.repo.FindByID(ctx, id)
}

// FindByUsername returns the user or nil when absent.
func (s *Service) FindByUsername(ctx context.Context, username string) (*User, error) {
	return s.repo.FindByUsername(ctx, username)
}

// FindByEmail returns the user or nil when absent.
func (s *Service) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.repo.FindByEmail(ctx, email)
}

// Get returns the user or shared.ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	if user == nil {
		return User{}, shared.ErrNotFound
	}
	return *user, nil
}

// ApprovalHistory returns the approval decisions recorded for a user, oldest first.
func (s *Service) ApprovalHistory(ctx context.Context, userID int64) ([]shared.ApprovalLog, error) {
	if _, err := s.Get(ctx, userID); err != nil {
		return nil, err
	}
	logs, err := s.repo.ListApprovals(ctx, userID)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []shared.ApprovalLog{}
	}
	return logs, nil
}

// ListUsers returns a page of users.
func (s *Service) ListUsers(ctx context.Context, filters ListFilters) ([]User, shared.Pagination, error) {
	users, total, err := s.repo.ListUsers(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	perPage, _ := filters.limitOffset()
	return users, shared.NewPagination(filters.Page, perPage, total), nil
}

// HashPassword hashes plain with the configured cost.
func (s *Service) HashPassword(plain string) (string, error) {
	return HashPassword(plain, s.cost)
}

// VerifyPassword reports whether plain matches hash.
func (s *Service) VerifyPassword(plain, hash string) bool {
	return VerifyPassword(plain, hash)
}

// Authenticate checks username/password. Unknown users and wrong passwords both
// return shared.ErrInvalidCredentials. Approval is not checked here; the access
// gate enforces it on every request.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := s.repo.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}
	if user == nil {
		VerifyPassword(password, s.dummyHash)
		return nil, shared.ErrInvalidCredentials
	}
	if !VerifyPassword(password, user.PasswordHash) {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrAccountInactive
	}
	return user, nil
}

// ChangePassword is the self-service change. It returns false when current does not
// match the stored hash. Hashing happens before the transaction opens; if the user
// disappears before the write the call fails with shared.ErrNotFound and nothing changes.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) (bool, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, shared.ErrNotFound
	}
	if !VerifyPassword(current, user.PasswordHash) {
		return false, nil
	}
	hash, err := s.HashPassword(next)
	if err != nil {
		return false, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if locked == nil {
			return shared.ErrNotFound
		}
		if locked.PasswordHash != user.PasswordHash {
			return errStaleCredential
		}
		return tx.UpdatePasswordHash(ctx, userID, hash)
	})
	if errors.Is(err, errStaleCredential) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ResetPassword is the administrator override. No current password is required.
func (s *Service) ResetPassword(ctx context.Context, actorID, userID int64, next string) error {
	hash, err := s.HashPassword(next)
	if err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdatePasswordHash(ctx, userID, hash); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   shared.AuditUserPasswordReset,
			Entity:   "user",
			EntityID: strconv.FormatInt(userID, 10),
		})
	})
}

// UpdateProfile applies profile changes, rejecting a username or email that another user holds.
func (s *Service) UpdateProfile(ctx context.Context, id int64, update ProfileUpdate) (User, error) {
	update = normalizeProfile(update)
	if update.Empty() {
		return s.Get(ctx, id)
	}
	if update.Username != nil {
		if err := s.ensureFree(ctx, id, s.repo.FindByUsername, *update.Username); err != nil {
			return User{}, err
		}
	}
	if update.Email != nil {
		if err := s.ensureFree(ctx, id, s.repo.FindByEmail, *update.Email); err != nil {
			return User{}, err
		}
	}
	var updated User
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		updated, err = tx.UpdateProfile(ctx, id, update)
		return err
	})
	return updated, err
}

// SetApproval flips the approval flag and records the decision in the approval history.
func (s *Service) SetApproval(ctx context.Context, actorID, userID int64, approved bool, note string) (User, error) {
	action := shared.ApprovalRevoke
	if approved {
		action = shared.ApprovalApprove
	}
	var result User
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return shared.ErrNotFound
		}
		if err := tx.SetApproved(ctx, userID, approved); err != nil {
			return err
		}
		if err := tx.RecordApproval(ctx, shared.ApprovalLog{
			Module:  shared.ApprovalModuleUsers,
			RefID:   userID,
			ActorID: actorID,
			Action:  action,
			Note:    strings.TrimSpace(note),
		}); err != nil {
			return err
		}
		user.IsApproved = approved
		result = *user
		return nil
	})
	return result, err
}

// SetActive toggles the account activation flag.
func (s *Service) SetActive(ctx context.Context, actorID, userID int64, active bool) (User, error) {
	action := shared.AuditUserDeactivated
	if active {
		action = shared.AuditUserActivated
	}
	var result User
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return shared.ErrNotFound
		}
		if err := tx.SetActive(ctx, userID, active); err != nil {
			return err
		}
		if err := tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   action,
			Entity:   "user",
			EntityID: strconv.FormatInt(userID, 10),
		}); err != nil {
			return err
		}
		user.IsActive = active
		result = *user
		return nil
	})
	return result, err
}

// Delete removes a user. Administrators cannot delete their own account.
func (s *Service) Delete(ctx context.Context, actorID, userID int64) error {
	if actorID == userID {
		return fmt.Errorf("users: cannot delete own account: %w", shared.ErrValidation)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.DeleteUser(ctx, userID); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   shared.AuditUserDeleted,
			Entity:   "user",
			EntityID: strconv.FormatInt(userID, 10),
		})
	})
}

func (s *Service) ensureFree(ctx context.Context, selfID int64, find func(context.Context, string) (*User, error), value string) error {
	existing, err := find(ctx, value)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != selfID {
		return fmt.Errorf("users: %q already taken: %w", value, shared.ErrConflict)
	}
	return nil
}

func normalizeProfile(update ProfileUpdate) ProfileUpdate {
	trim := func(v *string) *string {
		if v == nil {
			return nil
		}
		t := strings.TrimSpace(*v)
		return &t
	}
	return ProfileUpdate{Username: trim(update.Username), Email: trim(update.Email), Name: trim(update.Name)}
}
