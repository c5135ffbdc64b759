package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"coursegate.org/internal/auth"
)

// CreateUser registers an identity.
func (s *Store) CreateUser(ctx context.Context, identity *auth.Identity) error {
	if s.db == nil {
		return errNoDB
	}
	if identity == nil || strings.TrimSpace(identity.UID) == "" {
		return fmt.Errorf("%w: uid is required", auth.ErrInvalidInput)
	}
	claims, err := encodeClaims(identity.Claims)
	if err != nil {
		return err
	}
	created := identity.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		insert into identities (uid, email, email_verified, disabled, custom_claims, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, identity.UID, identity.Email, identity.EmailVerified, identity.Disabled, claims, created)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: identity %s already exists", auth.ErrConflict, identity.UID)
		}
		return err
	}
	return nil
}

// GetUser loads an identity with its current claims.
func (s *Store) GetUser(ctx context.Context, uid string) (*auth.Identity, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		identity auth.Identity
		raw      []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select uid, email, email_verified, disabled, custom_claims, created_at
		from identities
		where uid = $1
	`, uid).Scan(&identity.UID, &identity.Email, &identity.EmailVerified, &identity.Disabled, &raw, &identity.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	identity.Claims, err = decodeClaims(raw)
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// UpdateClaims locks the identity row, applies fn and writes the result in
// the same transaction.
func (s *Store) UpdateClaims(ctx context.Context, uid string, fn auth.ClaimsMutator) (auth.CustomClaims, error) {
	if s.db == nil {
		return auth.CustomClaims{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.CustomClaims{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx, `select custom_claims from identities where uid = $1 for update`, uid).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.CustomClaims{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.CustomClaims{}, err
	}
	current, err := decodeClaims(raw)
	if err != nil {
		return auth.CustomClaims{}, err
	}
	next, err := fn(current)
	if err != nil {
		return auth.CustomClaims{}, err
	}
	encoded, err := encodeClaims(&next)
	if err != nil {
		return auth.CustomClaims{}, err
	}
	if _, err := tx.ExecContext(ctx, `update identities set custom_claims = $2 where uid = $1`, uid, encoded); err != nil {
		return auth.CustomClaims{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.CustomClaims{}, err
	}
	return next, nil
}

func encodeClaims(c *auth.CustomClaims) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal claims: %w", err)
	}
	return b, nil
}

func decodeClaims(raw []byte) (*auth.CustomClaims, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var c auth.CustomClaims
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	return &c, nil
}
