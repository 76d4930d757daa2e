// ABOUTME: Runtime binding persistence for the pairing flow
// ABOUTME: Maps (channel, conversation) to an agent, optionally pinning a profile

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Afee2019/openclaw/internal/config"
)

// Binding errors.
var (
	ErrBindingNotFound  = errors.New("binding not found")
	ErrDuplicateBinding = errors.New("binding already exists for channel and conversation")
)

// Binding is a runtime channel-to-agent mapping created by the pairing flow.
// Unlike seed-file bindings it can be added and removed while the gateway is
// running.
type Binding struct {
	ID           string
	Channel      string
	Conversation string
	AgentID      string
	ProfileID    string // optional pinned profile
	CreatedAt    time.Time
}

// CreateBinding inserts a new runtime binding. The (channel, conversation)
// pair must be unused.
func (s *SQLiteStore) CreateBinding(ctx context.Context, b *Binding) error {
	if b.Channel == "" || b.Conversation == "" || b.AgentID == "" {
		return errors.New("channel, conversation, and agent_id are required")
	}
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO bindings (binding_id, channel, conversation, agent_id, profile_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	var profileID any
	if b.ProfileID != "" {
		profileID = b.ProfileID
	}

	_, err := s.db.ExecContext(ctx, query,
		b.ID,
		b.Channel,
		b.Conversation,
		b.AgentID,
		profileID,
		b.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateBinding
		}
		return fmt.Errorf("inserting binding: %w", err)
	}

	s.logger.Debug("created binding",
		"id", b.ID, "channel", b.Channel, "conversation", b.Conversation, "agent_id", b.AgentID)
	return nil
}

// GetBinding retrieves the binding for (channel, conversation).
func (s *SQLiteStore) GetBinding(ctx context.Context, channel, conversation string) (*Binding, error) {
	query := `
		SELECT binding_id, channel, conversation, agent_id, profile_id, created_at
		FROM bindings
		WHERE channel = ? AND conversation = ?
	`

	var b Binding
	var profileID sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, channel, conversation).Scan(
		&b.ID, &b.Channel, &b.Conversation, &b.AgentID, &profileID, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBindingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning binding: %w", err)
	}

	if profileID.Valid {
		b.ProfileID = profileID.String
	}
	b.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &b, nil
}

// DeleteBinding removes the binding for (channel, conversation).
func (s *SQLiteStore) DeleteBinding(ctx context.Context, channel, conversation string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM bindings WHERE channel = ? AND conversation = ?`,
		channel, conversation,
	)
	if err != nil {
		return fmt.Errorf("deleting binding: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrBindingNotFound
	}

	s.logger.Debug("deleted binding", "channel", channel, "conversation", conversation)
	return nil
}

// ListBindings returns all runtime bindings, newest first.
func (s *SQLiteStore) ListBindings(ctx context.Context) ([]Binding, error) {
	query := `
		SELECT binding_id, channel, conversation, agent_id, profile_id, created_at
		FROM bindings
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bindings []Binding
	for rows.Next() {
		var b Binding
		var profileID sql.NullString
		var createdAt string
		if err := rows.Scan(&b.ID, &b.Channel, &b.Conversation, &b.AgentID, &profileID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning binding row: %w", err)
		}
		if profileID.Valid {
			b.ProfileID = profileID.String
		}
		b.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating binding rows: %w", err)
	}
	return bindings, nil
}

// Lookup adapts the store to the routing engine's binding source contract.
// A missing binding is (zero, false, nil), not an error.
func (s *SQLiteStore) Lookup(channel, conversation string) (config.Binding, bool, error) {
	b, err := s.GetBinding(context.Background(), channel, conversation)
	if errors.Is(err, ErrBindingNotFound) {
		return config.Binding{}, false, nil
	}
	if err != nil {
		return config.Binding{}, false, err
	}
	return config.Binding{
		Channel:      b.Channel,
		Conversation: b.Conversation,
		AgentID:      b.AgentID,
		ProfileID:    b.ProfileID,
	}, true, nil
}
