// ABOUTME: Routing engine resolving (channel, conversation) pairs to agents
// ABOUTME: Checks dynamic bindings, then the snapshot binding table, then channel defaults

// Package routing resolves inbound messages to target agents. Resolution is
// read-only over an immutable configuration snapshot, with an optional
// dynamic binding source (the pairing flow's persisted bindings) consulted
// first.
package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Afee2019/openclaw/internal/config"
)

// ErrUnrouted indicates no binding and no channel default matched.
var ErrUnrouted = errors.New("no route for conversation")

// Via records which rule produced a resolution.
type Via string

const (
	ViaDynamicBinding Via = "dynamic-binding"
	ViaBinding        Via = "binding"
	ViaDefault        Via = "channel-default"
)

// Resolution is the outcome of routing one inbound message.
type Resolution struct {
	AgentID   string
	ProfileID string // non-empty when the binding pins a profile
	Via       Via
}

// BindingSource supplies bindings created at runtime, outside the static
// configuration. Lookups that find nothing return ok=false with a nil error.
type BindingSource interface {
	Lookup(channel, conversation string) (config.Binding, bool, error)
}

// Router resolves conversations to agents. The active snapshot is swapped
// atomically on configuration reload, so in-flight resolutions always see a
// consistent view.
type Router struct {
	snapshot atomic.Pointer[config.Snapshot]
	dynamic  BindingSource // may be nil
	logger   *slog.Logger
}

// NewRouter creates a router over the given snapshot. dynamic may be nil.
func NewRouter(snap *config.Snapshot, dynamic BindingSource, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		dynamic: dynamic,
		logger:  logger.With("component", "routing"),
	}
	r.snapshot.Store(snap)
	return r
}

// Reload swaps in a new configuration snapshot.
func (r *Router) Reload(snap *config.Snapshot) {
	r.snapshot.Store(snap)
}

// Snapshot returns the active configuration snapshot.
func (r *Router) Snapshot() *config.Snapshot {
	return r.snapshot.Load()
}

// Resolve maps (channel, conversation) to an agent. Lookup order: dynamic
// bindings, then the snapshot binding table, then the channel's default
// agent. A binding that names an agent missing from the snapshot is skipped
// with a warning rather than failing the message outright.
func (r *Router) Resolve(channel, conversation string) (Resolution, error) {
	snap := r.snapshot.Load()

	if r.dynamic != nil {
		b, ok, err := r.dynamic.Lookup(channel, conversation)
		if err != nil {
			return Resolution{}, fmt.Errorf("dynamic binding lookup: %w", err)
		}
		if ok {
			if res, valid := r.validate(snap, b, ViaDynamicBinding); valid {
				return res, nil
			}
		}
	}

	if b, ok := snap.Binding(channel, conversation); ok {
		if res, valid := r.validate(snap, b, ViaBinding); valid {
			return res, nil
		}
	}

	if agentID, ok := snap.DefaultAgent(channel); ok {
		if snap.Agent(agentID) != nil {
			return Resolution{AgentID: agentID, Via: ViaDefault}, nil
		}
		r.logger.Warn("channel default names unknown agent",
			"channel", channel, "agent_id", agentID)
	}

	return Resolution{}, ErrUnrouted
}

// validate checks a binding's agent (and pinned profile, if any) against the
// snapshot before trusting it.
func (r *Router) validate(snap *config.Snapshot, b config.Binding, via Via) (Resolution, bool) {
	agent := snap.Agent(b.AgentID)
	if agent == nil {
		r.logger.Warn("binding names unknown agent",
			"channel", b.Channel,
			"conversation", b.Conversation,
			"agent_id", b.AgentID,
			"via", string(via),
		)
		return Resolution{}, false
	}

	profileID := b.ProfileID
	if profileID != "" && !hasProfile(agent, profileID) {
		r.logger.Warn("binding pins unknown profile, ignoring pin",
			"agent_id", b.AgentID, "profile_id", profileID)
		profileID = ""
	}

	return Resolution{AgentID: b.AgentID, ProfileID: profileID, Via: via}, true
}

func hasProfile(agent *config.Agent, profileID string) bool {
	for _, p := range agent.Profiles {
		if p.ID == profileID {
			return true
		}
	}
	return false
}
