package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"coursegate.org/internal/obs"
)

const (
	// StaleAfter is how old claims may get before they are refreshed.
	StaleAfter = 24 * time.Hour

	defaultAuditLimit   = 20
	cleanupBatchSize    = 100
	claimFieldRole      = "role"
	claimFieldOrg       = "organizationId"
	claimFieldOrgLegacy = "universityId"
	claimFieldDept      = "departmentId"
	claimFieldPerms     = "permissions"
)

// Claims audit events.
const (
	EventClaimsUpdated   = "claims_updated"
	EventClaimsRemoved   = "claims_removed"
	EventClaimsRefreshed = "claims_refreshed"
)

// ClaimsUpdate is a partial claims write. Nil fields are left untouched; a
// pointer to "" clears the field.
type ClaimsUpdate struct {
	Role           *Role
	OrganizationID *string
	DepartmentID   *string
	Permissions    []string
	Extra          map[string]any
}

// ClaimsBatchItem is one entry of a batch claims update.
type ClaimsBatchItem struct {
	UID    string
	Claims ClaimsUpdate
}

// BatchError describes a failed batch item.
type BatchError struct {
	UID   string `json:"uid"`
	Error string `json:"error"`
}

// BatchResult is the partial-success report of a batch operation.
type BatchResult struct {
	Success int          `json:"success"`
	Failed  int          `json:"failed"`
	Errors  []BatchError `json:"errors"`
}

// ConsistencyReport compares token claims with the canonical record.
type ConsistencyReport struct {
	Consistent      bool     `json:"consistent"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

func (r *ConsistencyReport) add(issue, recommendation string) {
	r.Issues = append(r.Issues, issue)
	r.Recommendations = append(r.Recommendations, recommendation)
}

// CleanupResult summarizes a claims cleanup sweep.
type CleanupResult struct {
	Processed int `json:"processed"`
	Updated   int `json:"updated"`
	Errors    int `json:"errors"`
}

// ClaimsManager mirrors role data into the identity backend's custom claims.
type ClaimsManager struct {
	identities IdentityStore
	users      UserStore
	locks      *keyedMutex
	settings
}

// NewClaimsManager constructs a ClaimsManager.
func NewClaimsManager(identities IdentityStore, users UserStore, opts ...Option) (*ClaimsManager, error) {
	if identities == nil || users == nil {
		return nil, errors.New("auth: identity and user stores are required")
	}
	return &ClaimsManager{
		identities: identities,
		users:      users,
		locks:      newKeyedMutex(),
		settings:   newSettings(opts),
	}, nil
}

// SetCustomClaims merges update into the user's claims, stamps LastUpdated and
// mirrors the result to the user document.
func (m *ClaimsManager) SetCustomClaims(ctx context.Context, uid string, update ClaimsUpdate, actingUID string) (CustomClaims, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return CustomClaims{}, fmt.Errorf("%w: uid is required", ErrInvalidInput)
	}
	if update.Role != nil && !update.Role.Valid() {
		return CustomClaims{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, *update.Role)
	}

	claims, err := m.write(ctx, uid, actingUID, func(current *CustomClaims) (CustomClaims, error) {
		next := CustomClaims{}
		if current != nil {
			next = current.Clone()
		}
		applyUpdate(&next, update)
		next.LastUpdated = m.stamp(current)
		return next, nil
	})
	if err != nil {
		return CustomClaims{}, fmt.Errorf("set custom claims: %w", err)
	}
	obs.ClaimsWrite("set")
	m.record(ctx, EventClaimsUpdated, uid, actingUID, map[string]any{"claims": claims})
	return claims, nil
}

// GetCustomClaims returns the claims stored for uid, or nil when the user or
// its claims are missing.
func (m *ClaimsManager) GetCustomClaims(ctx context.Context, uid string) *CustomClaims {
	identity, err := m.identities.GetUser(ctx, uid)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn().Err(err).Str("uid", uid).Msg("get custom claims failed")
		}
		return nil
	}
	if identity.Claims == nil {
		return nil
	}
	claims := identity.Claims.Clone()
	return &claims
}

// RemoveCustomClaims deletes the named top-level fields and re-stamps the rest.
func (m *ClaimsManager) RemoveCustomClaims(ctx context.Context, uid string, fields []string, actingUID string) (CustomClaims, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return CustomClaims{}, fmt.Errorf("%w: uid is required", ErrInvalidInput)
	}
	claims, err := m.write(ctx, uid, actingUID, func(current *CustomClaims) (CustomClaims, error) {
		next := CustomClaims{}
		if current != nil {
			next = current.Clone()
		}
		for _, field := range fields {
			removeField(&next, strings.TrimSpace(field))
		}
		next.LastUpdated = m.stamp(current)
		return next, nil
	})
	if err != nil {
		return CustomClaims{}, fmt.Errorf("remove custom claims: %w", err)
	}
	obs.ClaimsWrite("remove")
	m.record(ctx, EventClaimsRemoved, uid, actingUID, map[string]any{
		"removed": fields,
		"claims":  claims,
	})
	return claims, nil
}

// RefreshUserClaims rebuilds the claims from the canonical record, discarding
// anything that diverged.
func (m *ClaimsManager) RefreshUserClaims(ctx context.Context, uid string) (CustomClaims, error) {
	ctx, span := m.tracer.Start(ctx, "claims.refresh", trace.WithAttributes(attribute.String("claims.uid", uid)))
	defer span.End()

	unlock := m.locks.Lock(uid)
	defer unlock()

	userCtx := resolveUserContext(ctx, m.identities, m.users, m.logger, uid)
	if userCtx == nil {
		return CustomClaims{}, NotFound("User context not found")
	}
	claims, err := m.writeLocked(ctx, uid, "", func(current *CustomClaims) (CustomClaims, error) {
		return CustomClaims{
			Role:           userCtx.Role,
			OrganizationID: userCtx.OrganizationID,
			DepartmentID:   userCtx.DepartmentID,
			Permissions:    SerializePermissions(userCtx.Permissions),
			LastUpdated:    m.stamp(current),
		}, nil
	})
	if err != nil {
		span.RecordError(err)
		return CustomClaims{}, fmt.Errorf("refresh user claims: %w", err)
	}
	obs.ClaimsWrite("refresh")
	m.record(ctx, EventClaimsRefreshed, uid, "", map[string]any{"claims": claims})
	return claims, nil
}

// BatchUpdateClaims applies each update independently; failures are reported,
// never raised.
func (m *ClaimsManager) BatchUpdateClaims(ctx context.Context, items []ClaimsBatchItem, actingUID string) BatchResult {
	errs := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(m.batchConcurrency)
	for i, item := range items {
		g.Go(func() error {
			_, errs[i] = m.SetCustomClaims(ctx, item.UID, item.Claims, actingUID)
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{Errors: []BatchError{}}
	for i, err := range errs {
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BatchError{UID: items[i].UID, Error: err.Error()})
			continue
		}
		result.Success++
	}
	return result
}

// ValidateClaimsConsistency compares token claims with the canonical record.
// It only reports.
func (m *ClaimsManager) ValidateClaimsConsistency(ctx context.Context, uid string) ConsistencyReport {
	var (
		identity *Identity
		doc      *UserDocument
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		identity, err = m.identities.GetUser(gctx, uid)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		var err error
		doc, err = m.users.GetDocument(gctx, uid)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		m.logger.Warn().Err(err).Str("uid", uid).Msg("validate claims consistency failed")
		return ConsistencyReport{
			Issues:          []string{"Error validating claims consistency"},
			Recommendations: []string{"Check user existence and permissions"},
		}
	}

	report := ConsistencyReport{Issues: []string{}, Recommendations: []string{}}
	var claims *CustomClaims
	if identity != nil {
		claims = identity.Claims
	}
	if claims == nil {
		report.add("No custom claims found in Firebase Auth", "Set initial custom claims")
	}
	if doc == nil {
		report.add("No user document found in Firestore", "Create user document")
	}
	if claims != nil && doc != nil {
		var record RoleRecord
		if doc.Record != nil {
			record = *doc.Record
		}
		if claims.Role != record.Role {
			report.add(
				fmt.Sprintf("Role mismatch: Auth(%s) vs Firestore(%s)", claims.Role, record.Role),
				"Sync role between Auth and Firestore",
			)
		}
		if claims.OrganizationID != record.OrganizationID {
			report.add("University ID mismatch between Auth and Firestore", "Sync university ID")
		}
		if claims.DepartmentID != record.DepartmentID {
			report.add("Department ID mismatch between Auth and Firestore", "Sync department ID")
		}
		if claims.LastUpdated != 0 && m.now().Sub(claims.UpdatedAt()) > StaleAfter {
			report.add("Custom claims are outdated (>24 hours)", "Refresh custom claims")
		}
	}
	report.Consistent = len(report.Issues) == 0
	return report
}

// CleanupExpiredClaims validates users whose claims are older than maxAge and
// refreshes the inconsistent ones. Per-user failures are counted.
func (m *ClaimsManager) CleanupExpiredClaims(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	if maxAge <= 0 {
		maxAge = StaleAfter
	}
	cutoff := m.now().Add(-maxAge)
	uids, err := m.users.ListStaleClaims(ctx, cutoff, cleanupBatchSize)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("list stale claims: %w", err)
	}

	var (
		mu     sync.Mutex
		result CleanupResult
		g      errgroup.Group
	)
	g.SetLimit(m.batchConcurrency)
	for _, uid := range uids {
		g.Go(func() error {
			outcome := "consistent"
			report := m.ValidateClaimsConsistency(ctx, uid)
			if !report.Consistent {
				outcome = "refreshed"
				if _, err := m.RefreshUserClaims(ctx, uid); err != nil {
					outcome = "error"
					m.logger.Error().Err(err).Str("uid", uid).Msg("claims cleanup refresh failed")
				}
			}
			obs.ClaimsSweep(outcome)

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch outcome {
			case "refreshed":
				result.Updated++
			case "error":
				result.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info().
		Int("processed", result.Processed).
		Int("updated", result.Updated).
		Int("errors", result.Errors).
		Msg("claims cleanup completed")
	return result, nil
}

// GetClaimsAuditLog returns the newest claims audit entries for uid. Failures
// yield an empty list.
func (m *ClaimsManager) GetClaimsAuditLog(ctx context.Context, uid string, limit int) []AuditEntry {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if m.audit == nil {
		return []AuditEntry{}
	}
	entries, err := m.audit.List(ctx, AuditFilter{
		Category:  AuditCategoryClaims,
		TargetUID: uid,
		Limit:     limit,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("uid", uid).Msg("get claims audit log failed")
		return []AuditEntry{}
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries
}

// write performs the atomic claims update under the uid lock and mirrors the
// result to the user document.
func (m *ClaimsManager) write(ctx context.Context, uid, actingUID string, fn ClaimsMutator) (CustomClaims, error) {
	unlock := m.locks.Lock(uid)
	defer unlock()
	return m.writeLocked(ctx, uid, actingUID, fn)
}

// writeLocked is write for callers already holding the uid lock.
func (m *ClaimsManager) writeLocked(ctx context.Context, uid, actingUID string, fn ClaimsMutator) (CustomClaims, error) {
	claims, err := m.identities.UpdateClaims(ctx, uid, fn)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return CustomClaims{}, NotFound("user %s not found", uid)
		}
		return CustomClaims{}, err
	}
	if err := m.users.MirrorClaims(ctx, uid, claims, m.now().UTC(), actorOrSystem(actingUID)); err != nil {
		return CustomClaims{}, fmt.Errorf("mirror claims: %w", err)
	}
	return claims, nil
}

// RecordCheck inspects the current canonical record (nil when none) before a
// role write and aborts it by returning an error.
type RecordCheck func(current *RoleRecord) error

// syncRole writes the role claims and then the canonical record of uid while
// holding the uid lock, so concurrent role changes commit both in the same
// order. check runs under the same lock. Unknown users fail before anything
// is written. The claims are rolled back when the record write fails.
func (m *ClaimsManager) syncRole(ctx context.Context, uid string, rec RoleRecord, actingUID string, check RecordCheck) (CustomClaims, error) {
	unlock := m.locks.Lock(uid)
	defer unlock()

	if check != nil {
		var current *RoleRecord
		doc, err := m.users.GetDocument(ctx, uid)
		switch {
		case err == nil:
			current = doc.Record
		case !errors.Is(err, ErrNotFound):
			return CustomClaims{}, fmt.Errorf("read role record: %w", err)
		}
		if err := check(current); err != nil {
			return CustomClaims{}, err
		}
	}

	var previous *CustomClaims
	claims, err := m.writeLocked(ctx, uid, actingUID, func(current *CustomClaims) (CustomClaims, error) {
		next := CustomClaims{}
		previous = nil
		if current != nil {
			prev := current.Clone()
			previous = &prev
			next = current.Clone()
		}
		applyUpdate(&next, ClaimsUpdate{
			Role:           &rec.Role,
			OrganizationID: &rec.OrganizationID,
			DepartmentID:   &rec.DepartmentID,
		})
		next.LastUpdated = m.stamp(current)
		return next, nil
	})
	if err != nil {
		return CustomClaims{}, fmt.Errorf("set custom claims: %w", err)
	}
	if err := m.users.PutRoleRecord(ctx, uid, rec); err != nil {
		m.rollback(ctx, uid, previous)
		return CustomClaims{}, fmt.Errorf("write role record: %w", err)
	}
	obs.ClaimsWrite("set")
	m.record(ctx, EventClaimsUpdated, uid, actingUID, map[string]any{"claims": claims})
	return claims, nil
}

// rollback restores previous claims after a failed role write. Caller holds
// the uid lock.
func (m *ClaimsManager) rollback(ctx context.Context, uid string, previous *CustomClaims) {
	restored := CustomClaims{}
	if previous != nil {
		restored = previous.Clone()
	}
	_, err := m.writeLocked(context.WithoutCancel(ctx), uid, "", func(current *CustomClaims) (CustomClaims, error) {
		out := restored.Clone()
		out.LastUpdated = m.stamp(current)
		return out, nil
	})
	if err != nil {
		m.logger.Error().Err(err).Str("uid", uid).Msg("claims rollback failed")
	}
}

// stamp returns a LastUpdated strictly greater than the previous one.
func (m *ClaimsManager) stamp(current *CustomClaims) int64 {
	now := m.now().UnixMilli()
	if current != nil && now <= current.LastUpdated {
		return current.LastUpdated + 1
	}
	return now
}

func (m *ClaimsManager) record(ctx context.Context, event, uid, actingUID string, details map[string]any) {
	if m.audit == nil {
		return
	}
	err := m.audit.Record(ctx, AuditEntry{
		Category:  AuditCategoryClaims,
		Event:     event,
		ActorUID:  actorOrSystem(actingUID),
		TargetUID: uid,
		Details:   details,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("event", event).Str("uid", uid).Msg("claims audit write failed")
	}
}

func applyUpdate(c *CustomClaims, u ClaimsUpdate) {
	if u.OrganizationID != nil {
		c.OrganizationID = *u.OrganizationID
	}
	if u.DepartmentID != nil {
		c.DepartmentID = *u.DepartmentID
	}
	if u.Permissions != nil {
		c.Permissions = append([]string(nil), u.Permissions...)
	}
	for k, v := range u.Extra {
		if c.Extra == nil {
			c.Extra = make(map[string]any, len(u.Extra))
		}
		c.Extra[k] = v
	}
	if u.Role != nil {
		c.Role = *u.Role
		c.Permissions = SerializePermissions(RolePermissions(*u.Role))
	}
}

func removeField(c *CustomClaims, field string) {
	switch field {
	case claimFieldRole:
		c.Role = ""
	case claimFieldOrg, claimFieldOrgLegacy:
		c.OrganizationID = ""
	case claimFieldDept:
		c.DepartmentID = ""
	case claimFieldPerms:
		c.Permissions = nil
	default:
		delete(c.Extra, field)
		if len(c.Extra) == 0 {
			c.Extra = nil
		}
	}
}
