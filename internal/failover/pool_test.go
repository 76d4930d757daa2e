// ABOUTME: Tests for the auth-profile health state machine and selection policies
// ABOUTME: Covers quarantine threshold, cooldown half-open retry, round-robin, and stickiness

package failover

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Afee2019/openclaw/internal/config"
)

func testAgent(policy string, profileIDs ...string) *config.Agent {
	a := &config.Agent{ID: "assistant", Policy: policy}
	for i, id := range profileIDs {
		a.Profiles = append(a.Profiles, config.Profile{ID: id, Priority: i + 1})
	}
	return a
}

func newTestPool(t *testing.T, policy string, profileIDs ...string) *Pool {
	t.Helper()
	return NewPool(testAgent(policy, profileIDs...), 3, time.Hour, nil, nil)
}

func TestStateMachine_LiveDegradedQuarantined(t *testing.T) {
	p := newTestPool(t, config.PolicyRoundRobin, "a")

	status := p.Status()
	require.Equal(t, Live, status[0].Health)

	// One failure: Live -> Degraded.
	require.NoError(t, p.RecordFailure("a"))
	assert.Equal(t, Degraded, p.Status()[0].Health)

	// Second failure: still Degraded.
	require.NoError(t, p.RecordFailure("a"))
	assert.Equal(t, Degraded, p.Status()[0].Health)

	// Third consecutive failure reaches the threshold: Quarantined.
	require.NoError(t, p.RecordFailure("a"))
	assert.Equal(t, Quarantined, p.Status()[0].Health)
}

func TestStateMachine_SuccessRestoresLive(t *testing.T) {
	p := newTestPool(t, config.PolicyRoundRobin, "a")

	require.NoError(t, p.RecordFailure("a"))
	require.Equal(t, Degraded, p.Status()[0].Health)

	require.NoError(t, p.RecordSuccess("a"))
	st := p.Status()[0]
	assert.Equal(t, Live, st.Health)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestQuarantine_ExcludedFromSelection(t *testing.T) {
	p := newTestPool(t, config.PolicyRoundRobin, "a", "b")

	for i := 0; i < 3; i++ {
		require.NoError(t, p.RecordFailure("a"))
	}

	// Only "b" is selectable now, repeatedly.
	for i := 0; i < 4; i++ {
		sel, err := p.Select("")
		require.NoError(t, err)
		assert.Equal(t, "b", sel.ProfileID)
	}
}

func TestQuarantine_AllQuarantinedFails(t *testing.T) {
	p := newTestPool(t, config.PolicyRoundRobin, "a", "b")

	for _, id := range []string{"a", "b"} {
		for i := 0; i < 3; i++ {
			require.NoError(t, p.RecordFailure(id))
		}
	}

	_, err := p.Select("")
	assert.ErrorIs(t, err, ErrNoLiveProfile)
}

func TestQuarantine_CooldownReleasesAsDegraded(t *testing.T) {
	p := NewPool(testAgent(config.PolicyRoundRobin, "a"), 3, 20*time.Millisecond, nil, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.RecordFailure("a"))
	}
	_, err := p.Select("")
	require.ErrorIs(t, err, ErrNoLiveProfile)

	time.Sleep(30 * time.Millisecond)

	// Half-open: eligible again as Degraded, not Live.
	sel, err := p.Select("")
	require.NoError(t, err)
	assert.Equal(t, "a", sel.ProfileID)
	assert.Equal(t, Degraded, p.Status()[0].Health)

	// A single failure in the half-open window re-quarantines.
	require.NoError(t, p.RecordFailure("a"))
	assert.Equal(t, Quarantined, p.Status()[0].Health)
}

func TestQuarantine_CooldownThenSuccessGoesLive(t *testing.T) {
	p := NewPool(testAgent(config.PolicyRoundRobin, "a"), 3, 20*time.Millisecond, nil, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.RecordFailure("a"))
	}
	time.Sleep(30 * time.Millisecond)

	sel, err := p.Select("")
	require.NoError(t, err)
	require.NoError(t, p.RecordSuccess(sel.ProfileID))
	assert.Equal(t, Live, p.Status()[0].Health)
}

func TestRoundRobin_CyclesBeforeRepeating(t *testing.T) {
	p := newTestPool(t, config.PolicyRoundRobin, "a", "b", "c")

	var order []string
	for i := 0; i < 6; i++ {
		sel, err := p.Select("")
		require.NoError(t, err)
		order = append(order, sel.ProfileID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)
}

func TestRoundRobin_SkipsQuarantined(t *testing.T) {
	p := newTestPool(t, config.PolicyRoundRobin, "a", "b", "c")

	for i := 0; i < 3; i++ {
		require.NoError(t, p.RecordFailure("b"))
	}

	var order []string
	for i := 0; i < 4; i++ {
		sel, err := p.Select("")
		require.NoError(t, err)
		order = append(order, sel.ProfileID)
	}
	assert.Equal(t, []string{"a", "c", "a", "c"}, order)
}

func TestSelect_PreferredSticky(t *testing.T) {
	p := newTestPool(t, config.PolicyLastGood, "a", "b", "c")

	// Sticky profile is honored while non-Quarantined.
	sel, err := p.Select("b")
	require.NoError(t, err)
	assert.Equal(t, "b", sel.ProfileID)

	require.NoError(t, p.RecordFailure("b")) // Degraded, still sticky
	sel, err = p.Select("b")
	require.NoError(t, err)
	assert.Equal(t, "b", sel.ProfileID)

	// Quarantined sticky falls back to round-robin among the rest.
	require.NoError(t, p.RecordFailure("b"))
	require.NoError(t, p.RecordFailure("b"))
	sel, err = p.Select("b")
	require.NoError(t, err)
	assert.NotEqual(t, "b", sel.ProfileID)
}

func TestTransitions_Notified(t *testing.T) {
	var mu sync.Mutex
	var transitions []Transition
	notify := func(tr Transition) {
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	}

	p := NewPool(testAgent(config.PolicyRoundRobin, "a"), 3, time.Hour, notify, nil)

	require.NoError(t, p.RecordFailure("a"))
	require.NoError(t, p.RecordFailure("a"))
	require.NoError(t, p.RecordFailure("a"))
	require.NoError(t, p.RecordSuccess("a"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 3)
	assert.Equal(t, Transition{AgentID: "assistant", ProfileID: "a", From: Live, To: Degraded}, transitions[0])
	assert.Equal(t, Transition{AgentID: "assistant", ProfileID: "a", From: Degraded, To: Quarantined}, transitions[1])
	assert.Equal(t, Transition{AgentID: "assistant", ProfileID: "a", From: Quarantined, To: Live}, transitions[2])
}

func TestRecord_UnknownProfile(t *testing.T) {
	p := newTestPool(t, config.PolicyRoundRobin, "a")
	assert.ErrorIs(t, p.RecordFailure("ghost"), ErrUnknownProfile)
	assert.ErrorIs(t, p.RecordSuccess("ghost"), ErrUnknownProfile)
}

func TestPool_ConcurrentSelectAndRecord(t *testing.T) {
	p := newTestPool(t, config.PolicyRoundRobin, "a", "b", "c")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sel, err := p.Select("")
			if err != nil {
				return
			}
			if sel.ProfileID == "b" {
				_ = p.RecordFailure(sel.ProfileID)
			} else {
				_ = p.RecordSuccess(sel.ProfileID)
			}
		}()
	}
	wg.Wait()

	// No profile is quarantined below the threshold.
	for _, st := range p.Status() {
		if st.Health == Quarantined {
			assert.GreaterOrEqual(t, st.ConsecutiveFailures, 3)
		}
	}
}
