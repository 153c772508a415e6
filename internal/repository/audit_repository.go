package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quartzerp/identity-core/internal/audit"
	"github.com/quartzerp/identity-core/internal/metrics"
)

// AuditRepo implements audit.Repository using PostgreSQL. The table is
// append-only: this type issues INSERT and SELECT statements only.
type AuditRepo struct {
	db *sqlx.DB
}

// NewAuditRepo creates a new AuditRepo instance
func NewAuditRepo(db *sqlx.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Append durably writes one security event. The event's ID and
// CreatedAt are populated from the inserted row; CreatedAt comes from
// the database clock so ordering is centrally comparable.
func (r *AuditRepo) Append(ctx context.Context, event *audit.Event) error {
	defer metrics.TimeQuery("audit_append")()

	var details []byte
	if event.Details != nil {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
	}

	query := `
		INSERT INTO security_events (user_id, event_type, status, severity, details, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	return r.db.QueryRowxContext(ctx, query,
		event.UserID,
		event.EventType,
		event.Status,
		event.Severity,
		details,
		event.IPAddress,
		event.UserAgent,
	).Scan(&event.ID, &event.CreatedAt)
}

// QueryByUser returns a user's events, newest first.
func (r *AuditRepo) QueryByUser(ctx context.Context, userID uuid.UUID, filters audit.QueryFilters) ([]audit.Event, error) {
	defer metrics.TimeQuery("audit_query_by_user")()
	return r.query(ctx, "user_id = ?", userID, filters)
}

// QueryByEventType returns events of one type, newest first.
func (r *AuditRepo) QueryByEventType(ctx context.Context, eventType audit.EventType, filters audit.QueryFilters) ([]audit.Event, error) {
	defer metrics.TimeQuery("audit_query_by_type")()
	return r.query(ctx, "event_type = ?", string(eventType), filters)
}

// QueryBySeverity returns events at one severity, newest first.
func (r *AuditRepo) QueryBySeverity(ctx context.Context, severity audit.Severity, filters audit.QueryFilters) ([]audit.Event, error) {
	defer metrics.TimeQuery("audit_query_by_severity")()
	return r.query(ctx, "severity = ?", string(severity), filters)
}

func (r *AuditRepo) query(ctx context.Context, keyClause string, keyArg any, filters audit.QueryFilters) ([]audit.Event, error) {
	filters = filters.Normalize()

	query := `
		SELECT id, user_id, event_type, status, severity, details, ip_address, user_agent, created_at
		FROM security_events
		WHERE ` + keyClause
	args := []any{keyArg}

	if filters.StartDate != nil {
		query += " AND created_at >= ?"
		args = append(args, *filters.StartDate)
	}
	if filters.EndDate != nil {
		query += " AND created_at <= ?"
		args = append(args, *filters.EndDate)
	}

	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, filters.Limit, filters.Skip)

	rows, err := r.db.QueryxContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]audit.Event, 0, filters.Limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}

	return events, rows.Err()
}

func scanEvent(rows *sqlx.Rows) (*audit.Event, error) {
	var (
		event     audit.Event
		userID    uuid.NullUUID
		details   []byte
		ipAddress sql.NullString
		userAgent sql.NullString
		createdAt time.Time
	)

	err := rows.Scan(
		&event.ID,
		&userID,
		&event.EventType,
		&event.Status,
		&event.Severity,
		&details,
		&ipAddress,
		&userAgent,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		id := userID.UUID
		event.UserID = &id
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &event.Details); err != nil {
			return nil, fmt.Errorf("unmarshal event details: %w", err)
		}
	}
	if ipAddress.Valid {
		event.IPAddress = &ipAddress.String
	}
	if userAgent.Valid {
		event.UserAgent = &userAgent.String
	}
	event.CreatedAt = createdAt

	return &event, nil
}
