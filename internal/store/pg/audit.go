package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"coursegate.org/internal/auth"
)

const defaultAuditListLimit = 100

// Append inserts an audit entry. Entries are never updated.
func (s *Store) Append(ctx context.Context, entry *auth.AuditEntry) error {
	if s.db == nil {
		return errNoDB
	}
	if entry == nil {
		return fmt.Errorf("%w: audit entry is required", auth.ErrInvalidInput)
	}
	details := []byte("{}")
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, category, event, actor_uid, target_uid, occurred_at, ip, user_agent, details)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.Category, entry.Event, entry.ActorUID, entry.TargetUID, entry.Timestamp, entry.IP, entry.UserAgent, details)
	return err
}

// List returns entries matching filter, newest first.
func (s *Store) List(ctx context.Context, filter auth.AuditFilter) ([]auth.AuditEntry, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("category", filter.Category)
	add("event", filter.Event)
	add("target_uid", filter.TargetUID)
	add("actor_uid", filter.ActorUID)

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditListLimit
	}
	query := `select id, category, event, actor_uid, target_uid, occurred_at, ip, user_agent, details from audit_log`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" order by occurred_at desc, id desc limit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []auth.AuditEntry{}
	for rows.Next() {
		var (
			e   auth.AuditEntry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.Category, &e.Event, &e.ActorUID, &e.TargetUID, &e.Timestamp, &e.IP, &e.UserAgent, &raw); err != nil {
			return nil, err
		}
		e.Details = map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
