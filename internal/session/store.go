// ABOUTME: Concurrency-safe store of active conversation sessions
// ABOUTME: Owns session lifetime: atomic get-or-create, touch, and idle eviction

package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Session is the runtime record for one ongoing conversation. It is created
// on the first inbound event for its key and evicted after the inactivity
// window. Exactly one Session exists per key at any time.
type Session struct {
	Key          string
	Channel      string
	Conversation string
	AgentID      string

	// dispatchMu serializes dispatch work on this session: at most one
	// in-flight agent invocation per conversation.
	dispatchMu sync.Mutex

	mu           sync.Mutex
	lastGood     string // last profile that succeeded for this session
	lastActivity time.Time

	seq atomic.Uint64
}

// LockDispatch blocks until this session's single dispatch slot is free.
func (s *Session) LockDispatch() { s.dispatchMu.Lock() }

// UnlockDispatch releases the dispatch slot.
func (s *Session) UnlockDispatch() { s.dispatchMu.Unlock() }

// NextSeq returns the next inbound-event sequence number for this session.
// The dispatcher uses it to emit derived events in arrival order.
func (s *Session) NextSeq() uint64 { return s.seq.Add(1) }

// LastGoodProfile returns the profile that most recently succeeded for this
// session, or "" if none has.
func (s *Session) LastGoodProfile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastGood
}

// SetLastGoodProfile records a successful profile for sticky selection.
func (s *Session) SetLastGoodProfile(profileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastGood = profileID
}

// LastActivity returns the time of the most recent Touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Key derives the deterministic session key for a channel + conversation
// pair: hex of the first 16 bytes of SHA-256(channel || 0x00 || conversation).
func Key(channel, conversation string) string {
	h := sha256.New()
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write([]byte(conversation))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// Store holds all active sessions. Creation and eviction are linearized per
// key by the store mutex; per-session state has finer-grained locks so
// unrelated sessions never contend during dispatch.
type Store struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	idleWindow time.Duration
	logger     *slog.Logger
}

// NewStore creates a session store with the given inactivity window.
func NewStore(idleWindow time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions:   make(map[string]*Session),
		idleWindow: idleWindow,
		logger:     logger.With("component", "session-store"),
	}
}

// GetOrCreate returns the existing session for (channel, conversation) or
// atomically creates one bound to agentID. The bool reports whether a new
// session was created. Two near-simultaneous calls for the same key cannot
// both create.
func (st *Store) GetOrCreate(channel, conversation, agentID string) (*Session, bool) {
	key := Key(channel, conversation)

	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[key]; ok {
		s.touch(time.Now())
		return s, false
	}

	s := &Session{
		Key:          key,
		Channel:      channel,
		Conversation: conversation,
		AgentID:      agentID,
	}
	s.touch(time.Now())
	st.sessions[key] = s

	st.logger.Debug("session created",
		"key", key,
		"channel", channel,
		"conversation", conversation,
		"agent_id", agentID,
	)
	return s, true
}

// Get returns the session for the given key, if present.
func (st *Store) Get(key string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[key]
	return s, ok
}

// Touch updates the session's last-activity timestamp.
func (st *Store) Touch(key string) {
	st.mu.Lock()
	s, ok := st.sessions[key]
	st.mu.Unlock()
	if ok {
		s.touch(time.Now())
	}
}

// List returns a snapshot of all active sessions.
func (st *Store) List() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of active sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// EvictIdle removes sessions whose last activity is before the cutoff and
// returns them so collaborators can release per-session resources. Sessions
// with an in-flight dispatch are skipped this sweep.
func (st *Store) EvictIdle(cutoff time.Time) []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	var evicted []*Session
	for key, s := range st.sessions {
		if !s.LastActivity().Before(cutoff) {
			continue
		}
		if !s.dispatchMu.TryLock() {
			continue // busy right now, catch it next sweep
		}
		s.dispatchMu.Unlock()

		delete(st.sessions, key)
		evicted = append(evicted, s)
		st.logger.Debug("session evicted", "key", key, "agent_id", s.AgentID)
	}
	return evicted
}

// Run sweeps idle sessions on the given interval until ctx is canceled,
// calling onEvicted for each removed session.
func (st *Store) Run(ctx context.Context, interval time.Duration, onEvicted func(*Session)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range st.EvictIdle(time.Now().Add(-st.idleWindow)) {
				if onEvicted != nil {
					onEvicted(s)
				}
			}
		}
	}
}
