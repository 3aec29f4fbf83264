package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists security events in the security_events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// AppendBatch inserts events in one statement.
func (s *PostgresStore) AppendBatch(ctx context.Context, batch []SecurityEvent) error {
	if len(batch) == 0 {
		return nil
	}

	var (
		sb   strings.Builder
		args = make([]any, 0, len(batch)*6)
	)
	sb.WriteString(`INSERT INTO security_events (id, type, user_id, severity, metadata, created_at) VALUES `)
	for i, ev := range batch {
		meta, err := json.Marshal(ev.Metadata)
		if err != nil || ev.Metadata == nil {
			meta = []byte("{}")
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, ev.ID, ev.Type, ev.UserID, string(ev.Severity), meta, ev.Timestamp)
	}
	sb.WriteString(` ON CONFLICT (id) DO NOTHING`)

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to append security events: %w", err)
	}
	return nil
}

// ListRecent returns up to limit events, newest first.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, user_id, severity, metadata, created_at
		FROM security_events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []SecurityEvent
	for rows.Next() {
		var (
			ev       SecurityEvent
			sev      string
			metaJSON []byte
			created  time.Time
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.UserID, &sev, &metaJSON, &created); err != nil {
			continue
		}
		ev.Severity = Severity(sev)
		ev.Timestamp = created
		_ = json.Unmarshal(metaJSON, &ev.Metadata)
		result = append(result, ev)
	}
	return result, rows.Err()
}
