// Package memory implements the auth stores in process memory. It backs
// development mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"coursegate.org/internal/auth"
)

var (
	_ auth.IdentityStore = (*Store)(nil)
	_ auth.UserStore     = (*Store)(nil)
	_ auth.AuditStore    = (*Store)(nil)
)

// Store keeps identities, user documents and audit entries behind one lock,
// so every claims update is an atomic read-modify-write.
type Store struct {
	mu         sync.RWMutex
	identities map[string]*auth.Identity
	docs       map[string]*auth.UserDocument
	audit      []auth.AuditEntry
	now        func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		identities: make(map[string]*auth.Identity),
		docs:       make(map[string]*auth.UserDocument),
		now:        time.Now,
	}
}

// CreateUser registers an identity.
func (s *Store) CreateUser(ctx context.Context, identity *auth.Identity) error {
	if identity == nil || strings.TrimSpace(identity.UID) == "" {
		return fmt.Errorf("%w: uid is required", auth.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identity.UID]; ok {
		return fmt.Errorf("%w: identity %s already exists", auth.ErrConflict, identity.UID)
	}
	cp := cloneIdentity(identity)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.identities[identity.UID] = cp
	return nil
}

// GetUser returns a copy of the identity.
func (s *Store) GetUser(ctx context.Context, uid string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[uid]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneIdentity(identity), nil
}

// UpdateClaims applies fn under the store lock.
func (s *Store) UpdateClaims(ctx context.Context, uid string, fn auth.ClaimsMutator) (auth.CustomClaims, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[uid]
	if !ok {
		return auth.CustomClaims{}, auth.ErrNotFound
	}
	var current *auth.CustomClaims
	if identity.Claims != nil {
		c := identity.Claims.Clone()
		current = &c
	}
	next, err := fn(current)
	if err != nil {
		return auth.CustomClaims{}, err
	}
	stored := next.Clone()
	identity.Claims = &stored
	return next, nil
}

// GetDocument returns a copy of the user document.
func (s *Store) GetDocument(ctx context.Context, uid string) (*auth.UserDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[uid]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneDocument(doc), nil
}

// PutRoleRecord upserts the canonical record on the user document.
func (s *Store) PutRoleRecord(ctx context.Context, uid string, rec auth.RoleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.docLocked(uid)
	doc.Record = &rec
	return nil
}

// MirrorClaims stores a copy of the claims on the user document.
func (s *Store) MirrorClaims(ctx context.Context, uid string, claims auth.CustomClaims, at time.Time, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.docLocked(uid)
	c := claims.Clone()
	doc.CustomClaims = &c
	doc.ClaimsUpdatedAt = at
	doc.ClaimsUpdatedBy = by
	return nil
}

// ListStaleClaims returns uids with a role record whose claims mirror is older
// than cutoff or missing, oldest first.
func (s *Store) ListStaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type candidate struct {
		uid string
		at  time.Time
	}
	var candidates []candidate
	for uid, doc := range s.docs {
		if doc.Record == nil {
			continue
		}
		if doc.ClaimsUpdatedAt.IsZero() || doc.ClaimsUpdatedAt.Before(cutoff) {
			candidates = append(candidates, candidate{uid: uid, at: doc.ClaimsUpdatedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].uid < candidates[j].uid
		}
		return candidates[i].at.Before(candidates[j].at)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.uid
	}
	return out, nil
}

// ListByOrganization returns copies of the documents whose record belongs to
// orgID, ordered by uid.
func (s *Store) ListByOrganization(ctx context.Context, orgID string, limit, offset int) ([]auth.UserDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uids := make([]string, 0)
	for uid, doc := range s.docs {
		if doc.Record != nil && doc.Record.OrganizationID == orgID {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)
	if offset >= len(uids) {
		return []auth.UserDocument{}, nil
	}
	uids = uids[offset:]
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	out := make([]auth.UserDocument, len(uids))
	for i, uid := range uids {
		out[i] = *cloneDocument(s.docs[uid])
	}
	return out, nil
}

// Append records an audit entry.
func (s *Store) Append(ctx context.Context, entry *auth.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: audit entry is required", auth.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	cp.Details = cloneMap(entry.Details)
	s.audit = append(s.audit, cp)
	return nil
}

// List returns matching audit entries, newest first.
func (s *Store) List(ctx context.Context, filter auth.AuditFilter) ([]auth.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []auth.AuditEntry{}
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		if filter.Event != "" && e.Event != filter.Event {
			continue
		}
		if filter.TargetUID != "" && e.TargetUID != filter.TargetUID {
			continue
		}
		if filter.ActorUID != "" && e.ActorUID != filter.ActorUID {
			continue
		}
		e.Details = cloneMap(e.Details)
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) docLocked(uid string) *auth.UserDocument {
	doc, ok := s.docs[uid]
	if !ok {
		doc = &auth.UserDocument{UID: uid}
		s.docs[uid] = doc
	}
	return doc
}

func cloneIdentity(in *auth.Identity) *auth.Identity {
	out := *in
	if in.Claims != nil {
		c := in.Claims.Clone()
		out.Claims = &c
	}
	return &out
}

func cloneDocument(in *auth.UserDocument) *auth.UserDocument {
	out := *in
	if in.Record != nil {
		rec := *in.Record
		out.Record = &rec
	}
	if in.CustomClaims != nil {
		c := in.CustomClaims.Clone()
		out.CustomClaims = &c
	}
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
