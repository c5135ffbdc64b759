package auth_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coursegate.org/internal/audit"
	"coursegate.org/internal/auth"
	"coursegate.org/internal/obs"
	"coursegate.org/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *memory.Store
	clock  *testClock
	audit  *audit.Logger
	claims *auth.ClaimsManager
	roles  *auth.RoleManager
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	t.Cleanup(obs.SetOutput(io.Discard))

	f := &fixture{store: memory.New(), clock: newClock()}
	f.audit = audit.NewLogger(f.store, audit.WithClock(f.clock.Now))
	opts := []auth.Option{auth.WithClock(f.clock.Now), auth.WithAuditSink(f.audit)}

	var err error
	f.claims, err = auth.NewClaimsManager(f.store, f.store, opts...)
	require.NoError(t, err)
	f.roles, err = auth.NewRoleManager(f.store, f.store, f.claims, opts...)
	require.NoError(t, err)

	for _, uid := range users {
		require.NoError(t, f.store.CreateUser(context.Background(), &auth.Identity{
			UID:           uid,
			Email:         uid + "@example.edu",
			EmailVerified: true,
		}))
	}
	return f
}

func rolePtr(r auth.Role) *auth.Role { return &r }

func strPtr(s string) *string { return &s }
