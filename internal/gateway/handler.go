// ABOUTME: Protocol method handler for the gateway's request surface
// ABOUTME: send, agents.list, sessions.list, and the binding CRUD methods

package gateway

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Afee2019/openclaw/internal/config"
	"github.com/Afee2019/openclaw/internal/connection"
	"github.com/Afee2019/openclaw/internal/dispatch"
	"github.com/Afee2019/openclaw/internal/failover"
	"github.com/Afee2019/openclaw/internal/protocol"
	"github.com/Afee2019/openclaw/internal/routing"
	"github.com/Afee2019/openclaw/internal/store"
)

// methodHandler serves the gateway's protocol methods beyond the connection
// manager's built-ins (auth, ping, subscribe, unsubscribe).
type methodHandler struct {
	gateway *Gateway
}

func (h *methodHandler) HandleRequest(ctx context.Context, _ *connection.Conn, env *protocol.Envelope) (any, *protocol.Error) {
	switch env.Method {
	case protocol.MethodSend:
		return h.handleSend(ctx, env)
	case protocol.MethodListAgents:
		return h.handleListAgents()
	case protocol.MethodListSessions:
		return h.handleListSessions()
	case protocol.MethodListBindings:
		return h.handleListBindings(ctx)
	case protocol.MethodCreateBinding:
		return h.handleCreateBinding(ctx, env)
	case protocol.MethodDeleteBinding:
		return h.handleDeleteBinding(ctx, env)
	default:
		return nil, &protocol.Error{Code: protocol.CodeUnknownMethod, Message: "unknown method: " + env.Method}
	}
}

// handleSend injects a message into the dispatch pipeline and waits for the
// terminal outcome, so the response carries the dispatch result.
func (h *methodHandler) handleSend(ctx context.Context, env *protocol.Envelope) (any, *protocol.Error) {
	var req protocol.SendRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return nil, &protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error()}
	}
	if req.Channel == "" || req.Conversation == "" || req.Content == "" {
		return nil, &protocol.Error{Code: protocol.CodeBadRequest, Message: "channel, conversation, and content are required"}
	}

	result, err := h.gateway.dispatcher.HandleInbound(ctx, dispatch.Inbound{
		Channel:      req.Channel,
		Conversation: req.Conversation,
		Sender:       req.Sender,
		Content:      req.Content,
	})
	if err != nil {
		switch {
		case errors.Is(err, routing.ErrUnrouted):
			return nil, &protocol.Error{Code: protocol.CodeUnrouted, Message: "no agent is bound to this conversation"}
		case errors.Is(err, failover.ErrNoLiveProfile):
			return nil, &protocol.Error{Code: protocol.CodeNoLiveProfile, Message: "no live auth profile for the agent"}
		default:
			return nil, &protocol.Error{Code: protocol.CodeInvocationFailure, Message: err.Error()}
		}
	}

	return protocol.SendResponse{
		SessionKey: result.SessionKey,
		AgentID:    result.AgentID,
	}, nil
}

func (h *methodHandler) handleListAgents() (any, *protocol.Error) {
	snap := h.gateway.router.Snapshot()

	ids := make([]string, 0, len(snap.Agents))
	for id := range snap.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]protocol.AgentStatus, 0, len(ids))
	for _, id := range ids {
		agent := snap.Agents[id]
		statuses, err := h.gateway.profiles.Status(id)
		if err != nil {
			// Snapshot and orchestrator briefly disagree during a reload.
			continue
		}
		as := protocol.AgentStatus{
			ID:       agent.ID,
			Name:     agent.Name,
			Policy:   agent.Policy,
			Profiles: make([]protocol.ProfileStatus, 0, len(statuses)),
		}
		for _, ps := range statuses {
			as.Profiles = append(as.Profiles, protocol.ProfileStatus{
				ID:                  ps.ID,
				Priority:            ps.Priority,
				Health:              ps.Health.String(),
				ConsecutiveFailures: ps.ConsecutiveFailures,
			})
		}
		out = append(out, as)
	}
	return map[string]any{"agents": out}, nil
}

func (h *methodHandler) handleListSessions() (any, *protocol.Error) {
	sessions := h.gateway.sessions.List()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key < sessions[j].Key })

	out := make([]protocol.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, protocol.SessionStatus{
			Key:          s.Key,
			Channel:      s.Channel,
			Conversation: s.Conversation,
			AgentID:      s.AgentID,
			ProfileID:    s.LastGoodProfile(),
			LastActivity: s.LastActivity().UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"sessions": out}, nil
}

// handleListBindings merges seed-file bindings with runtime bindings from the
// store. A runtime binding shadows a seed binding for the same key, matching
// routing precedence.
func (h *methodHandler) handleListBindings(ctx context.Context) (any, *protocol.Error) {
	snap := h.gateway.router.Snapshot()

	runtime, err := h.gateway.store.ListBindings(ctx)
	if err != nil {
		return nil, &protocol.Error{Code: protocol.CodeInternal, Message: "listing bindings: " + err.Error()}
	}

	seen := make(map[[2]string]bool, len(runtime))
	out := make([]protocol.BindingStatus, 0, len(runtime)+len(snap.Bindings))
	for _, b := range runtime {
		seen[[2]string{b.Channel, b.Conversation}] = true
		out = append(out, protocol.BindingStatus{
			Channel:      b.Channel,
			Conversation: b.Conversation,
			AgentID:      b.AgentID,
			ProfileID:    b.ProfileID,
			Source:       "runtime",
		})
	}
	for _, b := range snap.Bindings {
		if seen[[2]string{b.Channel, b.Conversation}] {
			continue
		}
		out = append(out, protocol.BindingStatus{
			Channel:      b.Channel,
			Conversation: b.Conversation,
			AgentID:      b.AgentID,
			ProfileID:    b.ProfileID,
			Source:       "seed",
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Conversation < out[j].Conversation
	})
	return map[string]any{"bindings": out}, nil
}

func (h *methodHandler) handleCreateBinding(ctx context.Context, env *protocol.Envelope) (any, *protocol.Error) {
	var req protocol.BindingRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return nil, &protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error()}
	}
	if req.Channel == "" || req.Conversation == "" || req.AgentID == "" {
		return nil, &protocol.Error{Code: protocol.CodeBadRequest, Message: "channel, conversation, and agent_id are required"}
	}

	snap := h.gateway.router.Snapshot()
	agent := snap.Agent(req.AgentID)
	if agent == nil {
		return nil, &protocol.Error{Code: protocol.CodeBadRequest, Message: "unknown agent: " + req.AgentID}
	}
	if req.ProfileID != "" && !agentHasProfile(agent.Profiles, req.ProfileID) {
		return nil, &protocol.Error{Code: protocol.CodeBadRequest, Message: "agent has no profile: " + req.ProfileID}
	}

	b := &store.Binding{
		Channel:      req.Channel,
		Conversation: req.Conversation,
		AgentID:      req.AgentID,
		ProfileID:    req.ProfileID,
	}
	if err := h.gateway.store.CreateBinding(ctx, b); err != nil {
		if errors.Is(err, store.ErrDuplicateBinding) {
			return nil, &protocol.Error{Code: protocol.CodeBadRequest, Message: "binding already exists for this conversation"}
		}
		return nil, &protocol.Error{Code: protocol.CodeInternal, Message: "creating binding: " + err.Error()}
	}

	return protocol.BindingStatus{
		Channel:      b.Channel,
		Conversation: b.Conversation,
		AgentID:      b.AgentID,
		ProfileID:    b.ProfileID,
		Source:       "runtime",
	}, nil
}

func (h *methodHandler) handleDeleteBinding(ctx context.Context, env *protocol.Envelope) (any, *protocol.Error) {
	var req protocol.BindingRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return nil, &protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error()}
	}
	if req.Channel == "" || req.Conversation == "" {
		return nil, &protocol.Error{Code: protocol.CodeBadRequest, Message: "channel and conversation are required"}
	}

	if err := h.gateway.store.DeleteBinding(ctx, req.Channel, req.Conversation); err != nil {
		if errors.Is(err, store.ErrBindingNotFound) {
			return nil, &protocol.Error{Code: protocol.CodeBadRequest, Message: "no runtime binding for this conversation"}
		}
		return nil, &protocol.Error{Code: protocol.CodeInternal, Message: "deleting binding: " + err.Error()}
	}
	return map[string]bool{"deleted": true}, nil
}

func agentHasProfile(profiles []config.Profile, profileID string) bool {
	for _, p := range profiles {
		if p.ID == profileID {
			return true
		}
	}
	return false
}
