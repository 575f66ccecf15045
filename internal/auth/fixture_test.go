package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/buildingops/buildingops/internal/auth"
	"github.com/buildingops/buildingops/internal/rbac"
	"github.com/buildingops/buildingops/internal/shared"
	"github.com/buildingops/buildingops/internal/testing/memstore"
	"github.com/buildingops/buildingops/internal/token"
	"github.com/buildingops/buildingops/internal/users"
)

const (
	testTTL   = time.Hour
	testGrace = 24 * time.Hour
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type notification struct {
	UserID int64
	Event  string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *recordingNotifier) NotifyAccount(_ context.Context, userID int64, event string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{UserID: userID, Event: event})
	return nil
}

func (n *recordingNotifier) Events() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.events...)
}

type decisionCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (d *decisionCounter) ObserveAuthDecision(outcome string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.counts == nil {
		d.counts = map[string]int{}
	}
	d.counts[outcome]++
}

func (d *decisionCounter) Count(outcome string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[outcome]
}

type fixture struct {
	store     *memstore.Store
	clock     *clock
	tokens    *token.Manager
	redis     *miniredis.Miniredis
	users     *users.Service
	graph     *rbac.Service
	service   *auth.Service
	gate      *auth.Gate
	notifier  *recordingNotifier
	decisions *decisionCounter
	userRole  rbac.Role
	adminRole rbac.Role
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	clk := &clock{now: time.Now()}
	tokens, err := token.NewManager(token.Config{
		Secret:   []byte("test-secret-test-secret-test-secret"),
		Issuer:   "buildingops",
		Audience: "buildingops-api",
		TTL:      testTTL,
	}, token.WithClock(clk.Now))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	denylist := token.NewDenylist(client)

	userSvc := users.NewService(store.Users(), bcrypt.MinCost)
	graph := rbac.NewService(store.RBAC())
	notifier := &recordingNotifier{}
	decisions := &decisionCounter{}

	f := &fixture{
		store:     store,
		clock:     clk,
		tokens:    tokens,
		redis:     mr,
		users:     userSvc,
		graph:     graph,
		notifier:  notifier,
		decisions: decisions,
		userRole:  store.AddRole(shared.RoleUser),
		adminRole: store.AddRole(shared.RoleAdmin),
	}
	for _, name := range shared.CoreScopes() {
		store.Grant(f.adminRole.ID, store.AddPermission(name).ID)
	}
	f.service = auth.NewService(userSvc, graph, store.Auth(), tokens, denylist, notifier, nil, auth.Options{RefreshGrace: testGrace})
	f.gate = auth.NewGate(tokens, userSvc, denylist, decisions, nil)
	return f
}

// addUser stores an account with the given flags and roles.
func (f *fixture) addUser(t *testing.T, username, password string, active, approved bool, roles ...rbac.Role) users.User {
	t.Helper()
	hash, err := users.HashPassword(password, bcrypt.MinCost)
	require.NoError(t, err)
	u := f.store.AddUser(users.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		IsActive:     active,
		IsApproved:   approved,
	})
	for _, r := range roles {
		f.store.AssignRole(u.ID, r.ID)
	}
	return u
}

func (f *fixture) login(t *testing.T, username, password string) auth.Session {
	t.Helper()
	session, err := f.service.Login(context.Background(), username, password)
	require.NoError(t, err)
	return session
}

func bearer(raw string) string {
	return "Bearer " + raw
}
