package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildingops/buildingops/internal/auth"
	"github.com/buildingops/buildingops/internal/shared"
)

func TestRegisterCreatesPendingUserWithDefaultRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	user, err := f.service.Register(ctx, auth.RegisterInput{
		Username: " alice ",
		Email:    "alice@example.com",
		Name:     "Alice",
		Password: "wonderland",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.True(t, user.IsActive)
	assert.False(t, user.IsApproved)
	assert.Equal(t, []int64{f.userRole.ID}, f.store.UserRoleIDs(user.ID))
	assert.Equal(t, []notification{{UserID: user.ID, Event: auth.EventPendingApproval}}, f.notifier.Events())
}

func TestRegisterDuplicateUsernameCreatesNoRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "alice", "wonderland", true, true)
	before := f.store.UserCount()

	_, err := f.service.Register(ctx, auth.RegisterInput{Username: "alice", Email: "other@example.com", Password: "wonderland"})
	require.ErrorIs(t, err, shared.ErrConflict)
	_, err = f.service.Register(ctx, auth.RegisterInput{Username: "other", Email: "ALICE@example.com", Password: "wonderland"})
	require.ErrorIs(t, err, shared.ErrConflict)

	assert.Equal(t, before, f.store.UserCount())
	assert.Empty(t, f.notifier.Events())
}

func TestRegisterRollsBackWithoutDefaultRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := auth.NewService(f.users, f.graph, f.store.Auth(), f.tokens, nil, nil, nil, auth.Options{DefaultRole: "tenant"})

	_, err := svc.Register(ctx, auth.RegisterInput{Username: "bob", Email: "bob@example.com", Password: "password1"})
	require.Error(t, err)
	assert.Equal(t, 0, f.store.UserCount())
}

func TestRegisterValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Register(context.Background(), auth.RegisterInput{Username: "  ", Email: "x@example.com", Password: "password1"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestLoginErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "carl", "password1", false, true)

	_, err := f.service.Login(ctx, "nobody", "password1")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	_, err = f.service.Login(ctx, "carl", "wrong-pass")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	_, err = f.service.Login(ctx, "carl", "password1")
	require.ErrorIs(t, err, shared.ErrAccountInactive)
}

func TestLoginEmbedsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "root", "password1", true, true, f.adminRole)

	session := f.login(t, "root", "password1")
	assert.Equal(t, "Bearer", session.TokenType)
	assert.Equal(t, []string{shared.RoleAdmin}, session.Roles)
	assert.ElementsMatch(t, shared.CoreScopes(), session.Permissions)
	assert.Equal(t, f.clock.Now().Add(testTTL).Unix(), session.ExpiresAt.Unix())

	claims, err := f.tokens.Verify(session.Token)
	require.NoError(t, err)
	assert.Equal(t, "root", claims.Username)
	assert.ElementsMatch(t, session.Permissions, claims.Permissions)
}

func TestApproveFlipsFlagAndNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	root := f.addUser(t, "root", "password1", true, true, f.adminRole)
	pending := f.addUser(t, "dana", "password1", true, false, f.userRole)

	approved, err := f.service.Approve(ctx, root.ID, pending.ID, "ok")
	require.NoError(t, err)
	assert.True(t, approved.IsApproved)
	assert.Equal(t, []notification{{UserID: pending.ID, Event: auth.EventApproved}}, f.notifier.Events())
	require.Len(t, f.store.Approvals(), 1)
	assert.Equal(t, root.ID, f.store.Approvals()[0].ActorID)

	_, err = f.service.Approve(ctx, root.ID, 404, "")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRefreshReflectsCurrentRoles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	staff := f.store.AddRole("staff")
	manager := f.store.AddRole("manager")
	doorsView := f.store.AddPermission("doors.view")
	doorsEdit := f.store.AddPermission("doors.edit")
	f.store.Grant(staff.ID, doorsView.ID)
	f.store.Grant(manager.ID, doorsEdit.ID)
	user := f.addUser(t, "erik", "password1", true, true, staff)

	old := f.login(t, "erik", "password1")
	assert.Equal(t, []string{"doors.view"}, old.Permissions)

	_, err := f.graph.SetUserRoles(ctx, 1, user.ID, []int64{manager.ID})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	fresh, err := f.service.RefreshToken(ctx, old.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{"manager"}, fresh.Roles)
	assert.Equal(t, []string{"doors.edit"}, fresh.Permissions)
	assert.NotEqual(t, old.Token, fresh.Token)

	claims, err := f.tokens.Verify(fresh.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{"doors.edit"}, claims.Permissions)

	_, err = f.service.RefreshToken(ctx, old.Token)
	require.ErrorIs(t, err, shared.ErrUnauthorized, "a refreshed token cannot be exchanged twice")
}

func TestRefreshConcurrentYieldsOneSuccessor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "lea", "password1", true, true, f.userRole)
	session := f.login(t, "lea", "password1")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		fresh   []auth.Session
		refused int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.service.RefreshToken(ctx, session.Token)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				fresh = append(fresh, s)
			case errors.Is(err, shared.ErrUnauthorized):
				refused++
			}
		}()
	}
	wg.Wait()

	require.Len(t, fresh, 1)
	assert.Equal(t, workers-1, refused)
	_, err := f.gate.Check(ctx, bearer(fresh[0].Token))
	require.NoError(t, err)
	_, err = f.gate.Check(ctx, bearer(session.Token))
	require.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestRefreshWithinGraceWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "fay", "password1", true, true, f.userRole)
	session := f.login(t, "fay", "password1")

	f.clock.Advance(testTTL + time.Hour)
	_, err := f.gate.Check(ctx, bearer(session.Token))
	require.ErrorIs(t, err, shared.ErrUnauthorized, "expired token is rejected by the gate")

	fresh, err := f.service.RefreshToken(ctx, session.Token)
	require.NoError(t, err)
	_, err = f.gate.Check(ctx, bearer(fresh.Token))
	require.NoError(t, err)
}

func TestRefreshPastGraceWindow(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "gus", "password1", true, true, f.userRole)
	session := f.login(t, "gus", "password1")

	f.clock.Advance(testTTL + testGrace + time.Second)
	_, err := f.service.RefreshToken(context.Background(), session.Token)
	require.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestRefreshRejectsTamperedToken(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "hal", "password1", true, true, f.userRole)
	session := f.login(t, "hal", "password1")

	_, err := f.service.RefreshToken(context.Background(), session.Token+"x")
	require.ErrorIs(t, err, shared.ErrUnauthorized)
	_, err = f.service.RefreshToken(context.Background(), "garbage")
	require.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestRefreshRechecksAccountState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gone := f.addUser(t, "ida", "password1", true, true, f.userRole)
	blocked := f.addUser(t, "jon", "password1", true, true, f.userRole)
	goneSession := f.login(t, "ida", "password1")
	blockedSession := f.login(t, "jon", "password1")

	f.store.RemoveUser(gone.ID)
	_, err := f.users.SetActive(ctx, 1, blocked.ID, false)
	require.NoError(t, err)

	_, err = f.service.RefreshToken(ctx, goneSession.Token)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = f.service.RefreshToken(ctx, blockedSession.Token)
	require.ErrorIs(t, err, shared.ErrAccountInactive)
}

func TestLogoutRevokesToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addUser(t, "kim", "password1", true, true, f.userRole)
	session := f.login(t, "kim", "password1")

	subject, err := f.gate.Check(ctx, bearer(session.Token))
	require.NoError(t, err)
	require.NoError(t, f.service.Logout(ctx, subject.Claims))

	_, err = f.gate.Check(ctx, bearer(session.Token))
	require.ErrorIs(t, err, shared.ErrUnauthorized)
	_, err = f.service.RefreshToken(ctx, session.Token)
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	key := shared.RevokedTokenKey(subject.Claims.ID)
	assert.True(t, f.redis.Exists(key))
	assert.Greater(t, f.redis.TTL(key), testTTL)

	require.ErrorIs(t, f.service.Logout(ctx, nil), shared.ErrUnauthorized)
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.addUser(t, "lea", "password1", true, true)

	require.ErrorIs(t, f.service.ChangePassword(ctx, user.ID, "wrong-pass", "password2"), shared.ErrInvalidCredentials)
	require.NoError(t, f.service.ChangePassword(ctx, user.ID, "password1", "password2"))
	f.login(t, "lea", "password2")
}

func TestResetPasswordOverridesWithoutCurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.addUser(t, "max", "password1", true, true)

	require.NoError(t, f.service.ResetPassword(ctx, 1, user.ID, "admin-set-1"))
	f.login(t, "max", "admin-set-1")
}

func TestProfileUsesLiveGrants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.addUser(t, "ned", "password1", true, true, f.userRole)
	f.login(t, "ned", "password1")
	f.store.AssignRole(user.ID, f.adminRole.ID)

	profile, err := f.service.Profile(ctx, user.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{shared.RoleAdmin, shared.RoleUser}, profile.Roles)
	assert.ElementsMatch(t, shared.CoreScopes(), profile.Permissions)

	_, err = f.service.Profile(ctx, 404)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

type failingNotifier struct{}

func (failingNotifier) NotifyAccount(context.Context, int64, string) error {
	return errors.New("queue down")
}

func TestNotifierFailureDoesNotFailRegistration(t *testing.T) {
	f := newFixture(t)
	svc := auth.NewService(f.users, f.graph, f.store.Auth(), f.tokens, nil, failingNotifier{}, nil, auth.Options{})

	user, err := svc.Register(context.Background(), auth.RegisterInput{Username: "olly", Email: "olly@example.com", Password: "password1"})
	require.NoError(t, err)
	assert.NotZero(t, user.ID)
}
