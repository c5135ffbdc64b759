package auth

import (
	"context"
	"time"
)

// ClaimsMutator computes the next claims from the current ones. current is nil
// when the identity carries no claims yet.
type ClaimsMutator func(current *CustomClaims) (CustomClaims, error)

// IdentityStore is the identity-token backend holding the claims every new
// token will carry.
type IdentityStore interface {
	GetUser(ctx context.Context, uid string) (*Identity, error)
	CreateUser(ctx context.Context, identity *Identity) error
	// UpdateClaims runs fn and stores its result as one atomic
	// read-modify-write. Returns ErrNotFound when uid is unknown.
	UpdateClaims(ctx context.Context, uid string, fn ClaimsMutator) (CustomClaims, error)
}

// UserStore manages canonical user documents.
type UserStore interface {
	GetDocument(ctx context.Context, uid string) (*UserDocument, error)
	PutRoleRecord(ctx context.Context, uid string, rec RoleRecord) error
	MirrorClaims(ctx context.Context, uid string, claims CustomClaims, at time.Time, by string) error
	// ListStaleClaims returns uids whose mirrored claims were written before cutoff.
	ListStaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	// ListByOrganization pages through documents whose record belongs to
	// orgID, ordered by uid.
	ListByOrganization(ctx context.Context, orgID string, limit, offset int) ([]UserDocument, error)
}

// AuditStore appends immutable entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// AuditSink receives audit entries from the managers. Implementations enrich
// and persist them.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}
