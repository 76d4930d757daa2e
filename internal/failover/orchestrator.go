// ABOUTME: Orchestrator owning one failover pool per agent
// ABOUTME: Routes selections and health records to pools; carries state across config reloads

package failover

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/Afee2019/openclaw/internal/config"
)

// ErrUnknownAgent indicates a selection against an agent that is not in the
// active configuration snapshot.
var ErrUnknownAgent = errors.New("unknown agent")

// Orchestrator owns the pool of credentials/endpoints per agent. It is the
// single point of mutation for AuthProfile health state.
type Orchestrator struct {
	mu    sync.RWMutex
	pools map[string]*Pool

	notify func(Transition)
	logger *slog.Logger
}

// NewOrchestrator builds pools for every agent in the snapshot. notify, when
// non-nil, receives every health transition.
func NewOrchestrator(snap *config.Snapshot, notify func(Transition), logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		pools:  make(map[string]*Pool),
		notify: notify,
		logger: logger.With("component", "failover"),
	}
	o.Reload(snap)
	return o
}

// Reload swaps in a new configuration snapshot. Pools for agents that still
// exist keep their health state; pools for removed agents are dropped and
// new agents start with all profiles Live.
func (o *Orchestrator) Reload(snap *config.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	next := make(map[string]*Pool, len(snap.Agents))
	for id, agent := range snap.Agents {
		if existing, ok := o.pools[id]; ok && existing.sameProfiles(agent) {
			next[id] = existing
			continue
		}
		next[id] = NewPool(agent, snap.Failover.FailureThreshold, snap.Failover.Cooldown, o.notify, o.logger)
	}
	o.pools = next
}

// sameProfiles reports whether the pool's profile set matches the agent
// definition, so health state can survive a reload that didn't touch it.
func (p *Pool) sameProfiles(agent *config.Agent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.policy != agent.Policy || len(p.profiles) != len(agent.Profiles) {
		return false
	}
	for i, ps := range p.profiles {
		if ps.def != agent.Profiles[i] {
			return false
		}
	}
	return true
}

// Select picks a live profile for the agent, honoring the preferred profile
// when set (sticky last-good or a binding pin).
func (o *Orchestrator) Select(agentID, preferred string) (Selection, error) {
	pool, ok := o.pool(agentID)
	if !ok {
		return Selection{}, ErrUnknownAgent
	}
	return pool.Select(preferred)
}

// RecordSuccess marks a successful invocation against the profile.
func (o *Orchestrator) RecordSuccess(agentID, profileID string) error {
	pool, ok := o.pool(agentID)
	if !ok {
		return ErrUnknownAgent
	}
	return pool.RecordSuccess(profileID)
}

// RecordFailure marks a failed invocation against the profile.
func (o *Orchestrator) RecordFailure(agentID, profileID string) error {
	pool, ok := o.pool(agentID)
	if !ok {
		return ErrUnknownAgent
	}
	return pool.RecordFailure(profileID)
}

// Policy returns the agent's selection policy.
func (o *Orchestrator) Policy(agentID string) (string, error) {
	pool, ok := o.pool(agentID)
	if !ok {
		return "", ErrUnknownAgent
	}
	return pool.Policy(), nil
}

// Status reports profile health for one agent.
func (o *Orchestrator) Status(agentID string) ([]ProfileStatus, error) {
	pool, ok := o.pool(agentID)
	if !ok {
		return nil, ErrUnknownAgent
	}
	return pool.Status(), nil
}

func (o *Orchestrator) pool(agentID string) (*Pool, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.pools[agentID]
	return p, ok
}
