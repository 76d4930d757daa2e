// ABOUTME: Gateway dispatcher driving the inbound message lifecycle
// ABOUTME: Dedupe, route, session, profile selection, bounded retry, reply fan-out

// Package dispatch owns the path an inbound message takes through the
// gateway: duplicate suppression, route resolution, session lookup, auth
// profile selection, agent invocation with bounded retry across profiles,
// and delivery of the reply (or exactly one terminal failure notice) back to
// the originating channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Afee2019/openclaw/internal/config"
	"github.com/Afee2019/openclaw/internal/dedupe"
	"github.com/Afee2019/openclaw/internal/failover"
	"github.com/Afee2019/openclaw/internal/protocol"
	"github.com/Afee2019/openclaw/internal/routing"
	"github.com/Afee2019/openclaw/internal/session"
	"github.com/Afee2019/openclaw/internal/store"
)

// ErrDuplicate marks an inbound message dropped by the dedupe cache.
var ErrDuplicate = errors.New("duplicate message")

// ChannelDriver delivers outbound payloads to one messaging platform.
// Drivers deliver only final replies, never fragments.
type ChannelDriver interface {
	Name() string
	Send(ctx context.Context, conversationID, payload string) error
}

// Invoker runs one agent invocation against a selected auth profile.
type Invoker interface {
	Invoke(ctx context.Context, agentID string, profile failover.Selection, sess *session.Session, payload string) (string, error)
}

// Publisher fans events out to protocol subscribers.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Ledger records durable notifications.
type Ledger interface {
	RecordNotification(ctx context.Context, n *store.Notification) error
}

// Inbound is one message entering the gateway, from a channel driver or from
// a protocol client's send request. MessageID is the platform's message id
// when the channel provides one; empty disables deduplication.
type Inbound struct {
	Channel      string
	Conversation string
	Sender       string
	Content      string
	MessageID    string
}

// Result reports a successful dispatch.
type Result struct {
	SessionKey string
	AgentID    string
	ProfileID  string
	Reply      string
}

// Dispatcher wires the routing engine, session store, failover orchestrator,
// and channel drivers into the inbound lifecycle.
type Dispatcher struct {
	router   *routing.Router
	sessions *session.Store
	profiles *failover.Orchestrator
	dupes    *dedupe.Cache
	drivers  *Registry
	invoker  Invoker
	events   Publisher // may be nil
	ledger   Ledger    // may be nil

	maxAttempts   int
	invokeTimeout time.Duration

	logger *slog.Logger
}

// Options carries the dispatcher's collaborators and tuning.
type Options struct {
	Router        *routing.Router
	Sessions      *session.Store
	Profiles      *failover.Orchestrator
	Dedupe        *dedupe.Cache
	Drivers       *Registry
	Invoker       Invoker
	Events        Publisher
	Ledger        Ledger
	MaxAttempts   int
	InvokeTimeout time.Duration
	Logger        *slog.Logger
}

// NewDispatcher builds a dispatcher. Router, Sessions, Profiles, Drivers,
// and Invoker are required; Events and Ledger may be nil.
func NewDispatcher(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = config.DefaultMaxAttempts
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = config.DefaultInvokeTimeout
	}
	return &Dispatcher{
		router:        opts.Router,
		sessions:      opts.Sessions,
		profiles:      opts.Profiles,
		dupes:         opts.Dedupe,
		drivers:       opts.Drivers,
		invoker:       opts.Invoker,
		events:        opts.Events,
		ledger:        opts.Ledger,
		maxAttempts:   opts.MaxAttempts,
		invokeTimeout: opts.InvokeTimeout,
		logger:        logger.With("component", "dispatch"),
	}
}

// HandleInbound runs one message through the full lifecycle. It blocks while
// another dispatch is in flight for the same session; the per-session lock
// keeps conversation ordering.
func (d *Dispatcher) HandleInbound(ctx context.Context, in Inbound) (*Result, error) {
	if d.dupes != nil && in.MessageID != "" && d.dupes.Seen(in.Channel, in.MessageID) {
		d.logger.Debug("dropped duplicate message",
			"channel", in.Channel, "message_id", in.MessageID)
		return nil, ErrDuplicate
	}

	res, err := d.router.Resolve(in.Channel, in.Conversation)
	if err != nil {
		if errors.Is(err, routing.ErrUnrouted) {
			d.reportUnrouted(ctx, in)
		}
		return nil, fmt.Errorf("resolving route: %w", err)
	}

	sess, created := d.sessions.GetOrCreate(in.Channel, in.Conversation, res.AgentID)
	if created {
		d.publish(protocol.TopicSession, protocol.SessionEvent{
			SessionKey: sess.Key,
			AgentID:    sess.AgentID,
			State:      "created",
		})
	}

	sess.LockDispatch()
	defer sess.UnlockDispatch()
	seq := sess.NextSeq()
	d.sessions.Touch(sess.Key)

	return d.dispatch(ctx, in, sess, seq, res)
}

// dispatch retries across profiles up to maxAttempts. Caller holds the
// session dispatch lock. seq stamps every message event for this dispatch.
func (d *Dispatcher) dispatch(ctx context.Context, in Inbound, sess *session.Session, seq uint64, res routing.Resolution) (*Result, error) {
	preferred := d.preferredProfile(sess, res)

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		sel, err := d.profiles.Select(sess.AgentID, preferred)
		if err != nil {
			// No live profile left; terminal regardless of attempts remaining.
			d.terminalFailure(ctx, in, sess, seq, "", err)
			return nil, fmt.Errorf("selecting profile: %w", err)
		}

		reply, err := d.invoke(ctx, sess, sel, in.Content)
		if err == nil {
			if recErr := d.profiles.RecordSuccess(sess.AgentID, sel.ProfileID); recErr != nil {
				d.logger.Warn("recording success", "error", recErr)
			}
			sess.SetLastGoodProfile(sel.ProfileID)
			d.deliverReply(ctx, in, sess, seq, sel.ProfileID, reply)
			return &Result{
				SessionKey: sess.Key,
				AgentID:    sess.AgentID,
				ProfileID:  sel.ProfileID,
				Reply:      reply,
			}, nil
		}

		lastErr = err
		if recErr := d.profiles.RecordFailure(sess.AgentID, sel.ProfileID); recErr != nil {
			d.logger.Warn("recording failure", "error", recErr)
		}
		d.logger.Warn("invocation failed",
			"session_key", sess.Key,
			"agent_id", sess.AgentID,
			"profile_id", sel.ProfileID,
			"attempt", attempt,
			"error", err,
		)

		// The failed profile is no longer preferred; let the pool rotate.
		preferred = ""

		if ctx.Err() != nil {
			break
		}
	}

	d.terminalFailure(ctx, in, sess, seq, "", lastErr)
	return nil, fmt.Errorf("dispatch failed after %d attempts: %w", d.maxAttempts, lastErr)
}

// preferredProfile decides the starting profile: a binding pin wins, then
// the session's last-good profile under the last-good policy.
func (d *Dispatcher) preferredProfile(sess *session.Session, res routing.Resolution) string {
	if res.ProfileID != "" {
		return res.ProfileID
	}
	policy, err := d.profiles.Policy(sess.AgentID)
	if err == nil && policy == config.PolicyLastGood {
		return sess.LastGoodProfile()
	}
	return ""
}

func (d *Dispatcher) invoke(ctx context.Context, sess *session.Session, sel failover.Selection, content string) (string, error) {
	ictx, cancel := context.WithTimeout(ctx, d.invokeTimeout)
	defer cancel()
	return d.invoker.Invoke(ictx, sess.AgentID, sel, sess, content)
}

// deliverReply sends the agent's reply back to the channel and publishes it
// on the message topic. A channel without a registered driver (protocol
// clients injecting via send) still gets the event.
func (d *Dispatcher) deliverReply(ctx context.Context, in Inbound, sess *session.Session, seq uint64, profileID, reply string) {
	if driver, ok := d.drivers.Get(in.Channel); ok {
		if err := driver.Send(ctx, in.Conversation, reply); err != nil {
			d.logger.Error("delivering reply to channel",
				"channel", in.Channel, "conversation", in.Conversation, "error", err)
		}
	}

	d.publish(protocol.TopicMessage, protocol.MessageEvent{
		SessionKey:   sess.Key,
		SessionSeq:   seq,
		Channel:      in.Channel,
		Conversation: in.Conversation,
		AgentID:      sess.AgentID,
		ProfileID:    profileID,
		Content:      reply,
	})
}

// terminalFailure informs the channel driver exactly once, publishes a
// terminal message event, and records the failure in the ledger.
func (d *Dispatcher) terminalFailure(ctx context.Context, in Inbound, sess *session.Session, seq uint64, profileID string, cause error) {
	msg := "the agent is currently unavailable"
	if errors.Is(cause, failover.ErrNoLiveProfile) {
		msg = "no available credentials for this agent"
	}

	if driver, ok := d.drivers.Get(in.Channel); ok {
		if err := driver.Send(ctx, in.Conversation, msg); err != nil {
			d.logger.Error("delivering failure notice",
				"channel", in.Channel, "conversation", in.Conversation, "error", err)
		}
	}

	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	d.publish(protocol.TopicMessage, protocol.MessageEvent{
		SessionKey:   sess.Key,
		SessionSeq:   seq,
		Channel:      in.Channel,
		Conversation: in.Conversation,
		AgentID:      sess.AgentID,
		ProfileID:    profileID,
		Error:        errText,
		Terminal:     true,
	})
	d.record(ctx, &store.Notification{
		Kind:         store.KindDispatchFailed,
		Channel:      in.Channel,
		Conversation: in.Conversation,
		SessionKey:   sess.Key,
		AgentID:      sess.AgentID,
		ProfileID:    profileID,
		Detail:       errText,
	})
}

func (d *Dispatcher) reportUnrouted(ctx context.Context, in Inbound) {
	d.logger.Warn("no route for message",
		"channel", in.Channel, "conversation", in.Conversation)

	d.publish(protocol.TopicRoute, protocol.RouteEvent{
		Channel:      in.Channel,
		Conversation: in.Conversation,
		Reason:       "no binding or channel default matched",
	})
	d.record(ctx, &store.Notification{
		Kind:         store.KindRouteUnresolved,
		Channel:      in.Channel,
		Conversation: in.Conversation,
	})
}

func (d *Dispatcher) publish(topic string, payload any) {
	if d.events == nil {
		return
	}
	if err := d.events.Publish(topic, payload); err != nil {
		d.logger.Warn("publishing event", "topic", topic, "error", err)
	}
}

func (d *Dispatcher) record(ctx context.Context, n *store.Notification) {
	if d.ledger == nil {
		return
	}
	if err := d.ledger.RecordNotification(ctx, n); err != nil {
		d.logger.Warn("recording notification", "kind", n.Kind, "error", err)
	}
}
