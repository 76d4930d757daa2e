// ABOUTME: HTTP agent invoker posting to the selected auth profile's endpoint
// ABOUTME: Default Invoker implementation used by the serve binary

// Package invoke provides the default agent invoker: each invocation is an
// HTTP POST to the selected profile's endpoint, authenticated with the
// profile's credential as a bearer token.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Afee2019/openclaw/internal/failover"
	"github.com/Afee2019/openclaw/internal/session"
)

// ErrNoEndpoint indicates a profile without a configured endpoint.
var ErrNoEndpoint = errors.New("profile has no endpoint")

// invocationRequest is the JSON body posted to the agent endpoint.
type invocationRequest struct {
	AgentID      string `json:"agent_id"`
	SessionKey   string `json:"session_key"`
	Channel      string `json:"channel"`
	Conversation string `json:"conversation"`
	Content      string `json:"content"`
}

// invocationResponse is the JSON body expected back.
type invocationResponse struct {
	Reply string `json:"reply"`
}

// HTTPInvoker invokes agents over HTTP. The per-invocation deadline comes
// from the caller's context; the embedded client carries no timeout of its
// own.
type HTTPInvoker struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPInvoker creates an invoker with a shared HTTP client.
func NewHTTPInvoker(logger *slog.Logger) *HTTPInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPInvoker{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 0, // context deadline governs
			},
		},
		logger: logger.With("component", "invoke"),
	}
}

// Invoke posts the payload to the profile's endpoint and returns the reply.
func (i *HTTPInvoker) Invoke(ctx context.Context, agentID string, profile failover.Selection, sess *session.Session, payload string) (string, error) {
	if profile.Endpoint == "" {
		return "", fmt.Errorf("%w: agent %s profile %s", ErrNoEndpoint, agentID, profile.ProfileID)
	}

	body, err := json.Marshal(invocationRequest{
		AgentID:      agentID,
		SessionKey:   sess.Key,
		Channel:      sess.Channel,
		Conversation: sess.Conversation,
		Content:      payload,
	})
	if err != nil {
		return "", fmt.Errorf("encoding invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, profile.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building invocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if profile.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+profile.Credential)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("invoking agent %s via %s: %w", agentID, profile.ProfileID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("agent %s returned status %d: %s", agentID, resp.StatusCode, string(snippet))
	}

	var ir invocationResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return "", fmt.Errorf("decoding agent reply: %w", err)
	}
	return ir.Reply, nil
}
