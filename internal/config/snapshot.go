// ABOUTME: Immutable configuration snapshot consumed by routing and failover
// ABOUTME: Built from YAML config plus the TOML binding seed file; swapped atomically on reload

package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// BindingKey identifies a binding by its unique lookup key.
type BindingKey struct {
	Channel      string
	Conversation string
}

// Binding maps an external conversation to an agent and optionally pins a
// specific auth profile.
type Binding struct {
	Channel      string
	Conversation string
	AgentID      string
	ProfileID    string
}

// Agent is an immutable agent definition with its ordered auth profiles.
type Agent struct {
	ID       string
	Name     string
	Policy   string
	Profiles []Profile
}

// Profile is one credential/endpoint descriptor. Lower priority rank is
// preferred.
type Profile struct {
	ID         string
	Priority   int
	Endpoint   string
	Credential string
}

// Snapshot is a read-only view of routing and agent configuration. A reload
// produces a fresh Snapshot swapped atomically; a Snapshot is never mutated
// once built.
type Snapshot struct {
	Agents   map[string]*Agent
	Bindings map[BindingKey]Binding
	Defaults map[string]string // channel id -> default agent id
	Failover FailoverConfig
}

// bindingSeedFile mirrors the TOML binding seed file layout:
//
//	[[binding]]
//	channel = "telegram"
//	conversation = "42"
//	agent = "assistant"
//	profile = "primary"   # optional
type bindingSeedFile struct {
	Binding []bindingSeed `toml:"binding"`
}

type bindingSeed struct {
	Channel      string `toml:"channel"`
	Conversation string `toml:"conversation"`
	Agent        string `toml:"agent"`
	Profile      string `toml:"profile"`
}

// BuildSnapshot constructs an immutable Snapshot from a validated Config,
// loading the TOML binding seed file when configured. Duplicate binding keys
// are a configuration error surfaced here, at load time.
func BuildSnapshot(cfg *Config) (*Snapshot, error) {
	snap := &Snapshot{
		Agents:   make(map[string]*Agent, len(cfg.Agents)),
		Bindings: make(map[BindingKey]Binding),
		Defaults: make(map[string]string, len(cfg.Channels)),
		Failover: cfg.Failover,
	}

	for _, ac := range cfg.Agents {
		agent := &Agent{
			ID:       ac.ID,
			Name:     ac.Name,
			Policy:   ac.Policy,
			Profiles: make([]Profile, len(ac.Profiles)),
		}
		for i, pc := range ac.Profiles {
			agent.Profiles[i] = Profile{
				ID:         pc.ID,
				Priority:   pc.Priority,
				Endpoint:   pc.Endpoint,
				Credential: pc.Credential,
			}
		}
		sort.SliceStable(agent.Profiles, func(i, j int) bool {
			return agent.Profiles[i].Priority < agent.Profiles[j].Priority
		})
		snap.Agents[agent.ID] = agent
	}

	for _, ch := range cfg.Channels {
		if ch.DefaultAgent != "" {
			snap.Defaults[ch.ID] = ch.DefaultAgent
		}
	}

	if cfg.Bindings.Path != "" {
		if err := snap.loadBindingSeed(cfg.Bindings.Path); err != nil {
			return nil, err
		}
	}

	return snap, nil
}

// loadBindingSeed reads the TOML binding file into the snapshot.
func (s *Snapshot) loadBindingSeed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading bindings file: %w", err)
	}

	var seed bindingSeedFile
	if err := toml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parsing bindings file: %w", err)
	}

	for i, b := range seed.Binding {
		if b.Channel == "" || b.Conversation == "" || b.Agent == "" {
			return fmt.Errorf("bindings[%d]: channel, conversation, and agent are required", i)
		}
		agent, ok := s.Agents[b.Agent]
		if !ok {
			return fmt.Errorf("bindings[%d]: agent %q is not a configured agent", i, b.Agent)
		}
		if b.Profile != "" && !agentHasProfile(agent, b.Profile) {
			return fmt.Errorf("bindings[%d]: agent %q has no profile %q", i, b.Agent, b.Profile)
		}

		key := BindingKey{Channel: b.Channel, Conversation: b.Conversation}
		if _, dup := s.Bindings[key]; dup {
			return fmt.Errorf("bindings[%d]: duplicate binding for (%s, %s)", i, b.Channel, b.Conversation)
		}
		s.Bindings[key] = Binding{
			Channel:      b.Channel,
			Conversation: b.Conversation,
			AgentID:      b.Agent,
			ProfileID:    b.Profile,
		}
	}

	return nil
}

func agentHasProfile(agent *Agent, profileID string) bool {
	for _, p := range agent.Profiles {
		if p.ID == profileID {
			return true
		}
	}
	return false
}

// Agent returns the agent definition for the given id, or nil.
func (s *Snapshot) Agent(id string) *Agent {
	return s.Agents[id]
}

// Binding returns the explicit binding for (channel, conversation), if any.
func (s *Snapshot) Binding(channel, conversation string) (Binding, bool) {
	b, ok := s.Bindings[BindingKey{Channel: channel, Conversation: conversation}]
	return b, ok
}

// DefaultAgent returns the channel-level default agent id, if configured.
func (s *Snapshot) DefaultAgent(channel string) (string, bool) {
	id, ok := s.Defaults[channel]
	return id, ok
}
