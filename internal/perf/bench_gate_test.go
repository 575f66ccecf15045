package perf

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/buildingops/buildingops/internal/auth"
	"github.com/buildingops/buildingops/internal/rbac"
	"github.com/buildingops/buildingops/internal/shared"
	"github.com/buildingops/buildingops/internal/testing/memstore"
	"github.com/buildingops/buildingops/internal/token"
	"github.com/buildingops/buildingops/internal/users"
)

type gateBench struct {
	gate   *auth.Gate
	header string
}

func newGateBench(tb testing.TB) gateBench {
	tb.Helper()
	store := memstore.New()
	role := store.AddRole(shared.RoleAdmin)
	for _, name := range shared.CoreScopes() {
		store.Grant(role.ID, store.AddPermission(name).ID)
	}
	u := store.AddUser(users.User{Username: "admin", Email: "admin@example.com", IsActive: true, IsApproved: true})
	store.AssignRole(u.ID, role.ID)

	tokens, err := token.NewManager(token.Config{Secret: []byte("bench-secret-bench-secret-bench!"), Issuer: "buildingops", Audience: "buildingops-api", TTL: time.Hour})
	require.NoError(tb, err)
	snap, err := rbac.NewService(store.RBAC()).Snapshot(context.Background(), u.ID)
	require.NoError(tb, err)
	raw, _, err := tokens.Issue(token.Payload{UserID: u.ID, Username: u.Username, Roles: snap.Roles, Permissions: snap.Permissions}, 0)
	require.NoError(tb, err)

	userSvc := users.NewService(store.Users(), bcrypt.MinCost)
	return gateBench{gate: auth.NewGate(tokens, userSvc, nil, nil, nil), header: "Bearer " + raw}
}

func BenchmarkGateCheck(b *testing.B) {
	gb := newGateBench(b)
	req := rbac.RequirePermission(shared.PermRolesEdit, shared.PermUsersApprove)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := gb.gate.Check(ctx, gb.header, req); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAuthorizeAll(b *testing.B) {
	grants := rbac.Snapshot{Roles: []string{shared.RoleAdmin}, Permissions: shared.CoreScopes()}
	reqs := []rbac.Requirement{
		rbac.RequireAnyRole("manager", shared.RoleAdmin),
		rbac.RequirePermission(shared.PermAuditView, shared.PermUsersEdit),
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if !rbac.AuthorizeAll(reqs, grants) {
			b.Fatal("denied")
		}
	}
}

func TestGateCheckLatencyBudget(t *testing.T) {
	gb := newGateBench(t)
	req := rbac.RequirePermission(shared.PermRolesView)
	ctx := context.Background()

	samples := make([]time.Duration, 0, 200)
	for i := 0; i < cap(samples); i++ {
		start := time.Now()
		_, err := gb.gate.Check(ctx, gb.header, req)
		samples = append(samples, time.Since(start))
		require.NoError(t, err)
	}
	if p95 := percentile95(samples); p95 > 50*time.Millisecond {
		t.Fatalf("gate check latency regression: p95=%s", p95)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	return sorted[index]
}
