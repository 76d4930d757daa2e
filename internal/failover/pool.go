// ABOUTME: Per-agent auth-profile pool with the Live/Degraded/Quarantined state machine
// ABOUTME: Selection (round-robin, last-good) and health transitions share one lock per agent

package failover

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Afee2019/openclaw/internal/config"
)

// Selection and transition errors.
var (
	ErrNoLiveProfile  = errors.New("no live profile for agent")
	ErrUnknownProfile = errors.New("unknown profile")
)

// Health is an auth profile's availability state.
type Health int

const (
	Live Health = iota
	Degraded
	Quarantined
)

func (h Health) String() string {
	switch h {
	case Live:
		return "live"
	case Degraded:
		return "degraded"
	case Quarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// Transition describes one health-state change for notification consumers.
type Transition struct {
	AgentID   string
	ProfileID string
	From      Health
	To        Health
}

// Selection is the outcome of picking a profile for a dispatch attempt.
type Selection struct {
	ProfileID  string
	Endpoint   string
	Credential string
}

// ProfileStatus is a point-in-time health report for one profile.
type ProfileStatus struct {
	ID                  string
	Priority            int
	Health              Health
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastFailure         time.Time
}

type profileState struct {
	def                 config.Profile
	health              Health
	consecutiveFailures int
	lastSuccess         time.Time
	lastFailure         time.Time
	quarantinedAt       time.Time
}

// Pool owns the auth profiles of a single agent. Every selection and every
// health transition happens under one mutex, so two concurrent dispatches
// cannot double-quarantine a profile or race the round-robin cursor.
type Pool struct {
	mu       sync.Mutex
	agentID  string
	policy   string
	profiles []*profileState // priority order, most preferred first
	cursor   int             // round-robin cursor, shared across sessions

	threshold int
	cooldown  time.Duration

	notify func(Transition)
	logger *slog.Logger
}

// NewPool creates a pool from an immutable agent definition. All profiles
// start Live.
func NewPool(agent *config.Agent, threshold int, cooldown time.Duration, notify func(Transition), logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		agentID:   agent.ID,
		policy:    agent.Policy,
		threshold: threshold,
		cooldown:  cooldown,
		notify:    notify,
		logger:    logger.With("component", "failover", "agent_id", agent.ID),
	}
	for _, def := range agent.Profiles {
		p.profiles = append(p.profiles, &profileState{def: def, health: Live})
	}
	return p
}

// Select picks a profile for one dispatch attempt. preferred, when non-empty,
// names a profile to prefer: the session's last-good profile under the
// last-good policy, or a binding's pinned profile. A preferred profile is
// used only while non-Quarantined; otherwise selection falls back to
// round-robin among the remaining non-Quarantined profiles.
func (p *Pool) Select(preferred string) (Selection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseExpiredQuarantines()

	if preferred != "" {
		if ps := p.find(preferred); ps != nil && ps.health != Quarantined {
			return selectionOf(ps), nil
		}
	}

	n := len(p.profiles)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		ps := p.profiles[idx]
		if ps.health == Quarantined {
			continue
		}
		p.cursor = (idx + 1) % n
		return selectionOf(ps), nil
	}

	return Selection{}, ErrNoLiveProfile
}

// RecordSuccess transitions the profile to Live and resets its failure count.
func (p *Pool) RecordSuccess(profileID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps := p.find(profileID)
	if ps == nil {
		return ErrUnknownProfile
	}

	ps.consecutiveFailures = 0
	ps.lastSuccess = time.Now()
	p.transition(ps, Live)
	return nil
}

// RecordFailure counts one failure against the profile: Live profiles become
// Degraded immediately, and Degraded profiles become Quarantined once the
// consecutive-failure threshold is reached.
func (p *Pool) RecordFailure(profileID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps := p.find(profileID)
	if ps == nil {
		return ErrUnknownProfile
	}

	ps.consecutiveFailures++
	ps.lastFailure = time.Now()

	switch {
	case ps.consecutiveFailures >= p.threshold:
		if ps.health != Quarantined {
			ps.quarantinedAt = time.Now()
			p.transition(ps, Quarantined)
		}
	case ps.health == Live:
		p.transition(ps, Degraded)
	}
	return nil
}

// Status reports every profile's health under the pool lock.
func (p *Pool) Status() []ProfileStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseExpiredQuarantines()

	out := make([]ProfileStatus, 0, len(p.profiles))
	for _, ps := range p.profiles {
		out = append(out, ProfileStatus{
			ID:                  ps.def.ID,
			Priority:            ps.def.Priority,
			Health:              ps.health,
			ConsecutiveFailures: ps.consecutiveFailures,
			LastSuccess:         ps.lastSuccess,
			LastFailure:         ps.lastFailure,
		})
	}
	return out
}

// Policy returns the agent's configured selection policy.
func (p *Pool) Policy() string { return p.policy }

// releaseExpiredQuarantines moves profiles whose cooldown has elapsed back to
// Degraded (half-open: one more failure re-quarantines, one success goes
// Live). Must be called with p.mu held.
func (p *Pool) releaseExpiredQuarantines() {
	now := time.Now()
	for _, ps := range p.profiles {
		if ps.health == Quarantined && now.Sub(ps.quarantinedAt) >= p.cooldown {
			ps.consecutiveFailures = p.threshold - 1
			p.transition(ps, Degraded)
		}
	}
}

// transition applies a health change, logging and notifying on an actual
// state change. Must be called with p.mu held.
func (p *Pool) transition(ps *profileState, to Health) {
	from := ps.health
	if from == to {
		return
	}
	ps.health = to

	p.logger.Info("profile health changed",
		"profile_id", ps.def.ID,
		"from", from.String(),
		"to", to.String(),
		"consecutive_failures", ps.consecutiveFailures,
	)
	if p.notify != nil {
		p.notify(Transition{
			AgentID:   p.agentID,
			ProfileID: ps.def.ID,
			From:      from,
			To:        to,
		})
	}
}

func (p *Pool) find(profileID string) *profileState {
	for _, ps := range p.profiles {
		if ps.def.ID == profileID {
			return ps
		}
	}
	return nil
}

func selectionOf(ps *profileState) Selection {
	return Selection{
		ProfileID:  ps.def.ID,
		Endpoint:   ps.def.Endpoint,
		Credential: ps.def.Credential,
	}
}
