// ABOUTME: Method names, event topics, and shared payload types
// ABOUTME: Used by both the gateway and protocol clients (openclawctl, tests)

package protocol

// Request methods exposed by the gateway.
const (
	MethodAuth          = "auth"
	MethodPing          = "ping"
	MethodSubscribe     = "subscribe"
	MethodUnsubscribe   = "unsubscribe"
	MethodSend          = "send"
	MethodListAgents    = "agents.list"
	MethodListSessions  = "sessions.list"
	MethodListBindings  = "bindings.list"
	MethodCreateBinding = "bindings.create"
	MethodDeleteBinding = "bindings.delete"
)

// Event topics published by the gateway.
const (
	TopicMessage = "message"
	TopicSession = "session"
	TopicProfile = "profile"
	TopicRoute   = "route"
)

// AuthRequest is the payload of the mandatory first request on a connection.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthResponse acknowledges a successful handshake.
type AuthResponse struct {
	ConnectionID string `json:"connection_id"`
	Identity     string `json:"identity"`
	ServerID     string `json:"server_id"`
}

// SubscribeRequest lists the topics to subscribe to or unsubscribe from.
type SubscribeRequest struct {
	Topics []string `json:"topics"`
}

// SendRequest injects a message into the dispatch pipeline as if it arrived
// from a channel driver. Used by the dashboard and CLI front-ends.
type SendRequest struct {
	Channel      string `json:"channel"`
	Conversation string `json:"conversation"`
	Sender       string `json:"sender,omitempty"`
	Content      string `json:"content"`
}

// SendResponse reports the session the message was dispatched to.
type SendResponse struct {
	SessionKey string `json:"session_key"`
	AgentID    string `json:"agent_id"`
}

// MessageEvent is published on TopicMessage for agent replies and for
// terminal dispatch failures. SessionSeq is the per-session dispatch
// counter, monotonic within one session key, so subscribers can order and
// dedupe events for a conversation independently of the topic-wide Seq.
type MessageEvent struct {
	SessionKey   string `json:"session_key"`
	SessionSeq   uint64 `json:"session_seq"`
	Channel      string `json:"channel"`
	Conversation string `json:"conversation"`
	AgentID      string `json:"agent_id"`
	ProfileID    string `json:"profile_id,omitempty"`
	Content      string `json:"content,omitempty"`
	Error        string `json:"error,omitempty"`
	Terminal     bool   `json:"terminal,omitempty"`
}

// SessionEvent is published on TopicSession when a session is created or
// evicted.
type SessionEvent struct {
	SessionKey string `json:"session_key"`
	AgentID    string `json:"agent_id"`
	State      string `json:"state"` // "created" or "evicted"
}

// ProfileEvent is published on TopicProfile on every health transition.
type ProfileEvent struct {
	AgentID   string `json:"agent_id"`
	ProfileID string `json:"profile_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// RouteEvent is published on TopicRoute when an inbound message cannot be
// resolved to any agent.
type RouteEvent struct {
	Channel      string `json:"channel"`
	Conversation string `json:"conversation"`
	Reason       string `json:"reason"`
}

// AgentStatus is one element of the agents.list response.
type AgentStatus struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Policy   string          `json:"policy"`
	Profiles []ProfileStatus `json:"profiles"`
}

// ProfileStatus reports one auth profile's health.
type ProfileStatus struct {
	ID                  string `json:"id"`
	Priority            int    `json:"priority"`
	Health              string `json:"health"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// SessionStatus is one element of the sessions.list response.
type SessionStatus struct {
	Key          string `json:"key"`
	Channel      string `json:"channel"`
	Conversation string `json:"conversation"`
	AgentID      string `json:"agent_id"`
	ProfileID    string `json:"profile_id,omitempty"`
	LastActivity string `json:"last_activity"`
}

// BindingStatus is one element of the bindings.list response. Source is
// "seed" for bindings loaded from the configuration file and "runtime" for
// bindings created over the protocol.
type BindingStatus struct {
	Channel      string `json:"channel"`
	Conversation string `json:"conversation"`
	AgentID      string `json:"agent_id"`
	ProfileID    string `json:"profile_id,omitempty"`
	Source       string `json:"source"`
}

// BindingRequest is the payload of bindings.create and bindings.delete.
// AgentID and ProfileID are ignored on delete.
type BindingRequest struct {
	Channel      string `json:"channel"`
	Conversation string `json:"conversation"`
	AgentID      string `json:"agent_id,omitempty"`
	ProfileID    string `json:"profile_id,omitempty"`
}
