package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tunaaoguzhann/sign-access/audit"
)

// AuditRepository stores security audit events.
type AuditRepository struct {
	db *DB
}

func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, e audit.Event) error {
	query := `
		INSERT INTO security_audit_events
			(id, event_type, signature_type, ip_address, user_agent, token_prefix,
			 related_model, related_id, error_message, additional_info, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var relatedID sql.NullInt64
	if e.RelatedID != nil {
		relatedID = sql.NullInt64{Int64: *e.RelatedID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, r.db.rebind(query),
		e.ID,
		string(e.Type),
		nullString(string(e.SignatureType)),
		nullString(e.IPAddress),
		nullString(e.UserAgent),
		nullString(e.TokenPrefix),
		nullString(e.RelatedModel),
		relatedID,
		nullString(e.ErrorMessage),
		nullString(e.AdditionalInfo),
		e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit event: %w", err)
	}
	return nil
}

func (r *AuditRepository) CountSince(ctx context.Context, since time.Time, types ...audit.EventType) (int, error) {
	query := `SELECT COUNT(*) FROM security_audit_events WHERE created_at_ms >= ?`
	args := []any{since.UnixMilli()}
	query, args = withTypes(query, args, types)

	var count int
	if err := r.db.QueryRowContext(ctx, r.db.rebind(query), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

func (r *AuditRepository) TopIPsSince(ctx context.Context, since time.Time, types []audit.EventType, limit int) ([]audit.IPCount, error) {
	query := `
		SELECT ip_address, COUNT(*) AS attempts
		FROM security_audit_events
		WHERE created_at_ms >= ? AND ip_address IS NOT NULL AND ip_address <> ''`
	args := []any{since.UnixMilli()}
	query, args = withTypes(query, args, types)
	query += ` GROUP BY ip_address ORDER BY attempts DESC, ip_address ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to rank audit ips: %w", err)
	}
	defer rows.Close()

	var out []audit.IPCount
	for rows.Next() {
		var c audit.IPCount
		if err := rows.Scan(&c.IPAddress, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan audit ip: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *AuditRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM security_audit_events WHERE created_at_ms < ?`
	result, err := r.db.ExecContext(ctx, r.db.rebind(query), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit events: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}

// List returns the newest events first, optionally filtered by type.
func (r *AuditRepository) List(ctx context.Context, eventType audit.EventType, limit int) ([]audit.Event, error) {
	query := `
		SELECT id, event_type, signature_type, ip_address, user_agent, token_prefix,
			related_model, related_id, error_message, additional_info, created_at_ms
		FROM security_audit_events
		WHERE 1=1`
	var args []any
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY created_at_ms DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e                                        audit.Event
			eventTypeCol                             string
			sigType, ip, ua, prefix, model, msg, add sql.NullString
			relatedID                                sql.NullInt64
			createdMs                                int64
		)
		if err := rows.Scan(&e.ID, &eventTypeCol, &sigType, &ip, &ua, &prefix,
			&model, &relatedID, &msg, &add, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Type = audit.EventType(eventTypeCol)
		e.SignatureType = audit.SignatureType(sigType.String)
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		e.TokenPrefix = prefix.String
		e.RelatedModel = model.String
		if relatedID.Valid {
			id := relatedID.Int64
			e.RelatedID = &id
		}
		e.ErrorMessage = msg.String
		e.AdditionalInfo = add.String
		e.CreatedAt = time.UnixMilli(createdMs).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func withTypes(query string, args []any, types []audit.EventType) (string, []any) {
	if len(types) == 0 {
		return query, args
	}
	query += ` AND event_type IN (` + placeholders(len(types)) + `)`
	for _, t := range types {
		args = append(args, string(t))
	}
	return query, args
}
