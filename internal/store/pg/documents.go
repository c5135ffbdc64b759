package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coursegate.org/internal/auth"
)

// GetDocument loads the canonical record and claims mirror of uid.
func (s *Store) GetDocument(ctx context.Context, uid string) (*auth.UserDocument, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		role, org, dept, roleBy, claimsBy sql.NullString
		roleAt, claimsAt                  sql.NullTime
		rawClaims                         []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select role, organization_id, department_id, role_updated_at, role_updated_by,
		       custom_claims, claims_updated_at, claims_updated_by
		from user_documents
		where uid = $1
	`, uid).Scan(&role, &org, &dept, &roleAt, &roleBy, &rawClaims, &claimsAt, &claimsBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	doc := &auth.UserDocument{UID: uid, ClaimsUpdatedBy: claimsBy.String}
	if claimsAt.Valid {
		doc.ClaimsUpdatedAt = claimsAt.Time.UTC()
	}
	if role.Valid {
		doc.Record = &auth.RoleRecord{
			Role:           auth.Role(role.String),
			OrganizationID: org.String,
			DepartmentID:   dept.String,
			UpdatedBy:      roleBy.String,
		}
		if roleAt.Valid {
			doc.Record.UpdatedAt = roleAt.Time.UTC()
		}
	}
	doc.CustomClaims, err = decodeClaims(rawClaims)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// PutRoleRecord upserts the canonical record.
func (s *Store) PutRoleRecord(ctx context.Context, uid string, rec auth.RoleRecord) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_documents (uid, role, organization_id, department_id, role_updated_at, role_updated_by)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (uid) do update
		set role = excluded.role,
		    organization_id = excluded.organization_id,
		    department_id = excluded.department_id,
		    role_updated_at = excluded.role_updated_at,
		    role_updated_by = excluded.role_updated_by
	`, uid, string(rec.Role), nullIfEmpty(rec.OrganizationID), nullIfEmpty(rec.DepartmentID), rec.UpdatedAt, rec.UpdatedBy)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrCheckViolation {
			return fmt.Errorf("%w: %s", auth.ErrInvalidInput, pgErr.Message)
		}
		return err
	}
	return nil
}

// MirrorClaims stores a copy of the claims on the user document.
func (s *Store) MirrorClaims(ctx context.Context, uid string, claims auth.CustomClaims, at time.Time, by string) error {
	if s.db == nil {
		return errNoDB
	}
	encoded, err := encodeClaims(&claims)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into user_documents (uid, custom_claims, claims_updated_at, claims_updated_by)
		values ($1, $2, $3, $4)
		on conflict (uid) do update
		set custom_claims = excluded.custom_claims,
		    claims_updated_at = excluded.claims_updated_at,
		    claims_updated_by = excluded.claims_updated_by
	`, uid, encoded, at, by)
	return err
}

// ListStaleClaims returns uids holding a role whose claims mirror is older than
// cutoff or missing, oldest first.
func (s *Store) ListStaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select uid
		from user_documents
		where role is not null
		  and (claims_updated_at is null or claims_updated_at < $1)
		order by claims_updated_at asc nulls first, uid
		limit $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// ListByOrganization pages through the documents whose record belongs to
// orgID, ordered by uid.
func (s *Store) ListByOrganization(ctx context.Context, orgID string, limit, offset int) ([]auth.UserDocument, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select uid, role, organization_id, department_id, role_updated_at, role_updated_by
		from user_documents
		where organization_id = $1 and role is not null
		order by uid
		limit $2 offset $3
	`, orgID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []auth.UserDocument{}
	for rows.Next() {
		var (
			uid, role         string
			org, dept, roleBy sql.NullString
			roleAt            sql.NullTime
		)
		if err := rows.Scan(&uid, &role, &org, &dept, &roleAt, &roleBy); err != nil {
			return nil, err
		}
		rec := &auth.RoleRecord{
			Role:           auth.Role(role),
			OrganizationID: org.String,
			DepartmentID:   dept.String,
			UpdatedBy:      roleBy.String,
		}
		if roleAt.Valid {
			rec.UpdatedAt = roleAt.Time.UTC()
		}
		docs = append(docs, auth.UserDocument{UID: uid, Record: rec})
	}
	return docs, rows.Err()
}
