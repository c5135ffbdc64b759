package auth_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coursegate.org/internal/auth"
)

func TestSetCustomClaimsRepeatOnlyBumpsTimestamp(t *testing.T) {
	f := newFixture(t, "u1")
	ctx := context.Background()
	update := auth.ClaimsUpdate{Role: rolePtr(auth.RoleInstructor), OrganizationID: strPtr("org-1")}

	first, err := f.claims.SetCustomClaims(ctx, "u1", update, "admin-1")
	require.NoError(t, err)
	second, err := f.claims.SetCustomClaims(ctx, "u1", update, "admin-1")
	require.NoError(t, err)

	require.Greater(t, second.LastUpdated, first.LastUpdated)
	first.LastUpdated, second.LastUpdated = 0, 0
	require.Equal(t, first, second)
}

func TestSetCustomClaimsPreservesUntouchedFields(t *testing.T) {
	f := newFixture(t, "u1")
	ctx := context.Background()

	_, err := f.claims.SetCustomClaims(ctx, "u1", auth.ClaimsUpdate{Role: rolePtr(auth.RoleStudent)}, "")
	require.NoError(t, err)
	got, err := f.claims.SetCustomClaims(ctx, "u1", auth.ClaimsUpdate{OrganizationID: strPtr("univ-9")}, "")
	require.NoError(t, err)

	require.Equal(t, auth.RoleStudent, got.Role)
	require.Equal(t, "univ-9", got.OrganizationID)
	require.Equal(t, auth.SerializePermissions(auth.RolePermissions(auth.RoleStudent)), got.Permissions)
}

func TestSetCustomClaimsRoleRecomputesPermissions(t *testing.T) {
	f := newFixture(t, "u1")
	got, err := f.claims.SetCustomClaims(context.Background(), "u1", auth.ClaimsUpdate{
		Role:        rolePtr(auth.RoleInstructor),
		Permissions: []string{"everything:*"},
	}, "")
	require.NoError(t, err)
	require.Equal(t, auth.SerializePermissions(auth.RolePermissions(auth.RoleInstructor)), got.Permissions)
}

func TestSetCustomClaimsMirrorsDocument(t *testing.T) {
	f := newFixture(t, "u1")
	ctx := context.Background()

	claims, err := f.claims.SetCustomClaims(ctx, "u1", auth.ClaimsUpdate{Role: rolePtr(auth.RoleStudent)}, "admin-1")
	require.NoError(t, err)

	doc, err := f.store.GetDocument(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, &claims, doc.CustomClaims)
	require.Equal(t, "admin-1", doc.ClaimsUpdatedBy)
	require.Equal(t, f.clock.Now(), doc.ClaimsUpdatedAt)

	_, err = f.claims.SetCustomClaims(ctx, "u1", auth.ClaimsUpdate{DepartmentID: strPtr("")}, "")
	require.NoError(t, err)
	doc, err = f.store.GetDocument(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "system", doc.ClaimsUpdatedBy)
}

func TestSetCustomClaimsUnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.claims.SetCustomClaims(context.Background(), "ghost", auth.ClaimsUpdate{Role: rolePtr(auth.RoleStudent)}, "")
	require.ErrorIs(t, err, auth.ErrNotFound)

	_, err = f.claims.SetCustomClaims(context.Background(), "ghost", auth.ClaimsUpdate{Role: rolePtr("owner")}, "")
	require.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestSetCustomClaimsConcurrentMergesKeepEveryField(t *testing.T) {
	f := newFixture(t, "u1")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.claims.SetCustomClaims(ctx, "u1", auth.ClaimsUpdate{
				Extra: map[string]any{fmt.Sprintf("k%d", i): i},
			}, "")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got := f.claims.GetCustomClaims(ctx, "u1")
	require.NotNil(t, got)
	require.Len(t, got.Extra, 20)
}

func TestGetCustomClaimsSoftMissing(t *testing.T) {
	f := newFixture(t, "u1")
	require.Nil(t, f.claims.GetCustomClaims(context.Background(), "ghost"))
	require.Nil(t, f.claims.GetCustomClaims(context.Background(), "u1"))
}

func TestRemoveCustomClaimsRemovesOnlyNamedField(t *testing.T) {
	f := newFixture(t, "u1")
	ctx := context.Background()

	before, err := f.claims.SetCustomClaims(ctx, "u1", auth.ClaimsUpdate{
		Role:           rolePtr(auth.RoleInstructor),
		OrganizationID: strPtr("org-1"),
		DepartmentID:   strPtr("dept-1"),
	}, "")
	require.NoError(t, err)

	after, err := f.claims.RemoveCustomClaims(ctx, "u1", []string{"organizationId"}, "admin-1")
	require.NoError(t, err)

	require.Empty(t, after.OrganizationID)
	require.Equal(t, before.Role, after.Role)
	require.Equal(t, before.DepartmentID, after.DepartmentID)
	require.Equal(t, before.Permissions, after.Permissions)
	require.Greater(t, after.LastUpdated, before.LastUpdated)
}

func TestRemoveCustomClaimsExtraKey(t *testing.T) {
	f := newFixture(t, "u1")
	ctx := context.Background()

	_, err := f.claims.SetCustomClaims(ctx, "u1", auth.ClaimsUpdate{Extra: map[string]any{"beta": true}}, "")
	require.NoError(t, err)
	after, err := f.claims.RemoveCustomClaims(ctx, "u1", []string{"beta"}, "")
	require.NoError(t, err)
	require.Nil(t, after.Extra)
}

func TestRefreshUserClaimsRebuildsFromRecord(t *testing.T) {
	f := newFixture(t, "u1")
	ctx := context.Background()

	require.NoError(t, f.store.PutRoleRecord(ctx, "u1", auth.RoleRecord{
		Role:           auth.RoleInstructor,
		OrganizationID: "org-1",
		UpdatedAt:      f.clock.Now(),
		UpdatedBy:      "admin-1",
	}))
	_, err := f.claims.SetCustomClaims(ctx, "u1", auth.ClaimsUpdate{
		Role:         rolePtr(auth.RoleAdmin),
		DepartmentID: strPtr("dept-x"),
		Extra:        map[string]any{"legacy": 1},
	}, "")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	got, err := f.claims.RefreshUserClaims(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, auth.CustomClaims{
		Role:           auth.RoleInstructor,
		OrganizationID: "org-1",
		Permissions:    auth.SerializePermissions(auth.RolePermissions(auth.RoleInstructor)),
		LastUpdated:    f.clock.Now().UnixMilli(),
	}, got)
	require.Equal(t, &got, f.claims.GetCustomClaims(ctx, "u1"))
}

func TestRefreshUserClaimsWithoutRecord(t *testing.T) {
	f := newFixture(t, "u1")
	_, err := f.claims.RefreshUserClaims(context.Background(), "u1")
	require.ErrorIs(t, err, auth.ErrNotFound)
	require.EqualError(t, err, "User context not found")
}

func TestValidateClaimsConsistency(t *testing.T) {
	ctx := context.Background()

	t.Run("role mismatch", func(t *testing.T) {
		f := newFixture(t, "u1")
		require.NoError(t, f.store.PutRoleRecord(ctx, "u1", auth.RoleRecord{Role: auth.RoleStudent}))
		_, err := f.claims.SetCustomClaims(ctx, "u1", auth.ClaimsUpdate{Role: rolePtr(auth.RoleInstructor)}, "")
		require.NoError(t, err)

		report := f.claims.ValidateClaimsConsistency(ctx, "u1")
		require.False(t, report.Consistent)
		require.Contains(t, report.Issues, "Role mismatch: Auth(instructor) vs Firestore(student)")
		require.Contains(t, report.Recommendations, "Sync role between Auth and Firestore")
		require.Len(t, report.Recommendations, len(report.Issues))
	})

	t.Run("stale", func(t *testing.T) {
		f := newFixture(t, "u1")
		require.NoError(t, f.roles.SetUserRole(ctx, "u1", auth.RoleStudent, auth.Scope{}, "admin-1"))
		f.clock.Advance(25 * time.Hour)

		report := f.claims.ValidateClaimsConsistency(ctx, "u1")
		require.False(t, report.Consistent)
		require.Equal(t, []string{"Custom claims are outdated (>24 hours)"}, report.Issues)
		require.Equal(t, []string{"Refresh custom claims"}, report.Recommendations)
	})

	t.Run("scope mismatch", func(t *testing.T) {
		f := newFixture(t, "u1")
		require.NoError(t, f.roles.SetUserRole(ctx, "u1", auth.RoleInstructor, auth.Scope{OrganizationID: "org-1", DepartmentID: "d-1"}, ""))
		_, err := f.claims.SetCustomClaims(ctx, "u1", auth.ClaimsUpdate{OrganizationID: strPtr("org-2"), DepartmentID: strPtr("d-2")}, "")
		require.NoError(t, err)

		report := f.claims.ValidateClaimsConsistency(ctx, "u1")
		require.False(t, report.Consistent)
		require.Equal(t, []string{
			"University ID mismatch between Auth and Firestore",
			"Department ID mismatch between Auth and Firestore",
		}, report.Issues)
	})

	t.Run("consistent", func(t *testing.T) {
		f := newFixture(t, "u1")
		require.NoError(t, f.roles.SetUserRole(ctx, "u1", auth.RoleInstructor, auth.Scope{OrganizationID: "org-1"}, ""))
		f.clock.Advance(23 * time.Hour)

		report := f.claims.ValidateClaimsConsistency(ctx, "u1")
		require.True(t, report.Consistent)
		require.NotNil(t, report.Issues)
		require.Empty(t, report.Issues)
	})

	t.Run("missing everything", func(t *testing.T) {
		f := newFixture(t)
		report := f.claims.ValidateClaimsConsistency(ctx, "ghost")
		require.False(t, report.Consistent)
		require.Equal(t, []string{
			"No custom claims found in Firebase Auth",
			"No user document found in Firestore",
		}, report.Issues)
		require.Equal(t, []string{"Set initial custom claims", "Create user document"}, report.Recommendations)
	})

	t.Run("backend failure", func(t *testing.T) {
		f := newFixture(t)
		claims, err := auth.NewClaimsManager(failingIdentities{f.store}, f.store)
		require.NoError(t, err)
		report := claims.ValidateClaimsConsistency(ctx, "u1")
		require.False(t, report.Consistent)
		require.Equal(t, []string{"Error validating claims consistency"}, report.Issues)
	})
}

func TestBatchUpdateClaimsIsolatesFailures(t *testing.T) {
	f := newFixture(t, "u1")
	ctx := context.Background()

	result := f.claims.BatchUpdateClaims(ctx, []auth.ClaimsBatchItem{
		{UID: "u1", Claims: auth.ClaimsUpdate{Role: rolePtr(auth.RoleStudent)}},
		{UID: "ghost", Claims: auth.ClaimsUpdate{Role: rolePtr(auth.RoleStudent)}},
	}, "admin-1")

	require.Equal(t, 1, result.Success)
	require.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "ghost", result.Errors[0].UID)
	require.NotEmpty(t, result.Errors[0].Error)

	got := f.claims.GetCustomClaims(ctx, "u1")
	require.NotNil(t, got)
	require.Equal(t, auth.RoleStudent, got.Role)
}

func TestBatchUpdateClaimsReportsInInputOrder(t *testing.T) {
	f := newFixture(t, "u2")
	items := []auth.ClaimsBatchItem{
		{UID: "a"}, {UID: "u2"}, {UID: "b"}, {UID: "c"}, {UID: "d"}, {UID: "e"},
	}
	result := f.claims.BatchUpdateClaims(context.Background(), items, "")
	require.Equal(t, 1, result.Success)
	require.Equal(t, 5, result.Failed)
	var uids []string
	for _, e := range result.Errors {
		uids = append(uids, e.UID)
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, uids)
}

func TestCleanupExpiredClaims(t *testing.T) {
	f := newFixture(t, "u1", "u2", "u3")
	ctx := context.Background()

	require.NoError(t, f.roles.SetUserRole(ctx, "u1", auth.RoleStudent, auth.Scope{}, ""))
	require.NoError(t, f.roles.SetUserRole(ctx, "u2", auth.RoleInstructor, auth.Scope{OrganizationID: "org-1"}, ""))
	// u2's token store drifts without touching the mirror.
	_, err := f.store.UpdateClaims(ctx, "u2", func(current *auth.CustomClaims) (auth.CustomClaims, error) {
		next := current.Clone()
		next.Role = auth.RoleAdmin
		return next, nil
	})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	result, err := f.claims.CleanupExpiredClaims(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, auth.CleanupResult{Processed: 2, Updated: 1, Errors: 0}, result)

	got := f.claims.GetCustomClaims(ctx, "u2")
	require.NotNil(t, got)
	require.Equal(t, auth.RoleInstructor, got.Role)
	require.Equal(t, "org-1", got.OrganizationID)
}

func TestCleanupExpiredClaimsCountsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// A role record without an identity cannot be refreshed.
	require.NoError(t, f.store.PutRoleRecord(ctx, "orphan", auth.RoleRecord{Role: auth.RoleStudent}))

	result, err := f.claims.CleanupExpiredClaims(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, auth.CleanupResult{Processed: 1, Updated: 0, Errors: 1}, result)
}

func TestGetClaimsAuditLog(t *testing.T) {
	f := newFixture(t, "u1", "u2")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.claims.SetCustomClaims(ctx, "u1", auth.ClaimsUpdate{Role: rolePtr(auth.RoleStudent)}, "admin-1")
		require.NoError(t, err)
	}
	_, err := f.claims.RemoveCustomClaims(ctx, "u1", []string{"departmentId"}, "admin-1")
	require.NoError(t, err)
	_, err = f.claims.SetCustomClaims(ctx, "u2", auth.ClaimsUpdate{Role: rolePtr(auth.RoleStudent)}, "")
	require.NoError(t, err)

	entries := f.claims.GetClaimsAuditLog(ctx, "u1", 2)
	require.Len(t, entries, 2)
	require.Equal(t, auth.EventClaimsRemoved, entries[0].Event)
	require.Equal(t, auth.EventClaimsUpdated, entries[1].Event)
	for _, e := range entries {
		require.Equal(t, "u1", e.TargetUID)
		require.Equal(t, auth.AuditCategoryClaims, e.Category)
	}
	require.Len(t, f.claims.GetClaimsAuditLog(ctx, "u1", 0), 4)
}

func TestGetClaimsAuditLogSwallowsErrors(t *testing.T) {
	f := newFixture(t)
	claims, err := auth.NewClaimsManager(f.store, f.store, auth.WithAuditSink(brokenAudit{}))
	require.NoError(t, err)
	entries := claims.GetClaimsAuditLog(context.Background(), "u1", 5)
	require.NotNil(t, entries)
	require.Empty(t, entries)
}

func TestAuditFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture(t, "u1")
	claims, err := auth.NewClaimsManager(f.store, f.store, auth.WithAuditSink(brokenAudit{}))
	require.NoError(t, err)
	_, err = claims.SetCustomClaims(context.Background(), "u1", auth.ClaimsUpdate{Role: rolePtr(auth.RoleStudent)}, "")
	require.NoError(t, err)
}

var errBackend = errors.New("backend unavailable")

type failingIdentities struct {
	auth.IdentityStore
}

func (failingIdentities) GetUser(context.Context, string) (*auth.Identity, error) {
	return nil, errBackend
}

type brokenAudit struct{}

func (brokenAudit) Record(context.Context, auth.AuditEntry) error { return errBackend }

func (brokenAudit) List(context.Context, auth.AuditFilter) ([]auth.AuditEntry, error) {
	return nil, errBackend
}
