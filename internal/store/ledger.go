// ABOUTME: Notification ledger recording gateway lifecycle events durably
// ABOUTME: Session evictions, profile health changes, unresolved routes, terminal failures

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification kinds recorded in the ledger.
const (
	KindSessionEvicted       = "session-evicted"
	KindProfileHealthChanged = "profile-health-changed"
	KindRouteUnresolved      = "route-unresolved"
	KindDispatchFailed       = "dispatch-failed"
)

// Notification is one durable ledger entry. Fields not meaningful for a kind
// stay empty.
type Notification struct {
	ID           string
	Kind         string
	Channel      string
	Conversation string
	SessionKey   string
	AgentID      string
	ProfileID    string
	Detail       string
	CreatedAt    time.Time
}

// RecordNotification appends an entry to the ledger.
func (s *SQLiteStore) RecordNotification(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO notifications
			(notification_id, kind, channel, conversation, session_key, agent_id, profile_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		n.ID,
		n.Kind,
		nullable(n.Channel),
		nullable(n.Conversation),
		nullable(n.SessionKey),
		nullable(n.AgentID),
		nullable(n.ProfileID),
		nullable(n.Detail),
		n.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// ListNotifications returns up to limit entries, newest first, optionally
// filtered by kind ("" means all kinds).
func (s *SQLiteStore) ListNotifications(ctx context.Context, kind string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT notification_id, kind, channel, conversation, session_key, agent_id, profile_id, detail, created_at
		FROM notifications
		WHERE (? = '' OR kind = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, kind, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		var n Notification
		var channel, conversation, sessionKey, agentID, profileID, detail sql.NullString
		var createdAt string
		if err := rows.Scan(&n.ID, &n.Kind, &channel, &conversation, &sessionKey, &agentID, &profileID, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		n.Channel = channel.String
		n.Conversation = conversation.String
		n.SessionKey = sessionKey.String
		n.AgentID = agentID.String
		n.ProfileID = profileID.String
		n.Detail = detail.String
		n.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notification rows: %w", err)
	}
	return out, nil
}

// nullable converts "" to NULL for optional text columns.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
