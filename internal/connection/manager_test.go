// ABOUTME: Integration-style tests running the manager over real WebSockets
// ABOUTME: Covers handshake, ping, subscriptions, unknown methods, and framing errors

package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Afee2019/openclaw/internal/auth"
	"github.com/Afee2019/openclaw/internal/events"
	"github.com/Afee2019/openclaw/internal/protocol"
)

type echoHandler struct{}

func (echoHandler) HandleRequest(_ context.Context, _ *Conn, env *protocol.Envelope) (any, *protocol.Error) {
	switch env.Method {
	case "test.echo":
		return map[string]string{"echoed": "yes"}, nil
	case "test.slow":
		time.Sleep(300 * time.Millisecond)
		return map[string]string{"echoed": "slowly"}, nil
	case "test.fail":
		return nil, &protocol.Error{Code: protocol.CodeInternal, Message: "forced failure"}
	default:
		return nil, &protocol.Error{Code: protocol.CodeUnknownMethod, Message: "unknown method"}
	}
}

type testEnv struct {
	manager     *Manager
	broadcaster *events.Broadcaster
	url         string
	token       string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	verifier, err := auth.NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)
	token, err := verifier.Generate("tester", time.Hour)
	require.NoError(t, err)

	broadcaster := events.NewBroadcaster(nil)
	t.Cleanup(broadcaster.Close)

	m := NewManager(Options{
		Verifier:    verifier,
		Broadcaster: broadcaster,
		Handler:     echoHandler{},
		ServerID:    "test-server",
		QueueSize:   16,
		DrainGrace:  100 * time.Millisecond,
		IdleTimeout: time.Minute,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{
		manager:     m,
		broadcaster: broadcaster,
		url:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		token:       token,
	}
}

func dial(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, env.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func recv(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func authenticate(t *testing.T, conn *websocket.Conn, token string) protocol.AuthResponse {
	t.Helper()
	req, err := protocol.NewRequest("auth-1", protocol.MethodAuth, protocol.AuthRequest{Token: token})
	require.NoError(t, err)
	send(t, conn, req)

	resp := recv(t, conn)
	require.Equal(t, protocol.KindResponse, resp.Kind)
	require.Nil(t, resp.Error)

	var ar protocol.AuthResponse
	require.NoError(t, protocol.DecodePayload(resp, &ar))
	return ar
}

func TestHandshake_Success(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)

	ar := authenticate(t, conn, env.token)
	assert.NotEmpty(t, ar.ConnectionID)
	assert.Equal(t, "tester", ar.Identity)
	assert.Equal(t, "test-server", ar.ServerID)
}

func TestHandshake_BadToken(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)

	req, err := protocol.NewRequest("auth-1", protocol.MethodAuth, protocol.AuthRequest{Token: "garbage"})
	require.NoError(t, err)
	send(t, conn, req)

	resp := recv(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeAuthFailure, resp.Error.Code)

	// Server closes with the auth failure code.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(protocol.CloseAuthFailure), websocket.CloseStatus(err))
}

func TestHandshake_FirstRequestMustBeAuth(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)

	req, err := protocol.NewRequest("r1", protocol.MethodPing, nil)
	require.NoError(t, err)
	send(t, conn, req)

	resp := recv(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeAuthFailure, resp.Error.Code)
}

func TestPing_EchoesPayload(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)
	authenticate(t, conn, env.token)

	req, err := protocol.NewRequest("p1", protocol.MethodPing, map[string]string{"nonce": "xyz"})
	require.NoError(t, err)
	send(t, conn, req)

	resp := recv(t, conn)
	require.Nil(t, resp.Error)
	assert.Equal(t, "p1", resp.ID)

	var echoed map[string]string
	require.NoError(t, json.Unmarshal(resp.Payload, &echoed))
	assert.Equal(t, "xyz", echoed["nonce"])
}

func TestSubscribe_ReceivesPublishedEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)
	authenticate(t, conn, env.token)

	req, err := protocol.NewRequest("s1", protocol.MethodSubscribe,
		protocol.SubscribeRequest{Topics: []string{protocol.TopicMessage}})
	require.NoError(t, err)
	send(t, conn, req)
	resp := recv(t, conn)
	require.Nil(t, resp.Error)

	require.NoError(t, env.broadcaster.Publish(protocol.TopicMessage,
		protocol.MessageEvent{SessionKey: "k1", Content: "hello"}))

	ev := recv(t, conn)
	assert.Equal(t, protocol.KindEvent, ev.Kind)
	assert.Equal(t, protocol.TopicMessage, ev.Topic)
	assert.Equal(t, uint64(1), ev.Seq)

	var me protocol.MessageEvent
	require.NoError(t, protocol.DecodePayload(ev, &me))
	assert.Equal(t, "hello", me.Content)
}

func TestSubscribe_UnknownTopicRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)
	authenticate(t, conn, env.token)

	req, err := protocol.NewRequest("s1", protocol.MethodSubscribe,
		protocol.SubscribeRequest{Topics: []string{"gossip"}})
	require.NoError(t, err)
	send(t, conn, req)

	resp := recv(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeBadRequest, resp.Error.Code)
}

func TestUnsubscribe_StopsEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)
	authenticate(t, conn, env.token)

	sub, err := protocol.NewRequest("s1", protocol.MethodSubscribe,
		protocol.SubscribeRequest{Topics: []string{protocol.TopicSession}})
	require.NoError(t, err)
	send(t, conn, sub)
	require.Nil(t, recv(t, conn).Error)

	unsub, err := protocol.NewRequest("s2", protocol.MethodUnsubscribe,
		protocol.SubscribeRequest{Topics: []string{protocol.TopicSession}})
	require.NoError(t, err)
	send(t, conn, unsub)
	require.Nil(t, recv(t, conn).Error)

	require.NoError(t, env.broadcaster.Publish(protocol.TopicSession,
		protocol.SessionEvent{SessionKey: "k1", State: "created"}))

	// A ping round-trip proves no event frame arrived in between.
	ping, err := protocol.NewRequest("p1", protocol.MethodPing, map[string]string{"n": "1"})
	require.NoError(t, err)
	send(t, conn, ping)
	resp := recv(t, conn)
	assert.Equal(t, "p1", resp.ID)
}

func TestUnknownMethod_ConnectionStaysOpen(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)
	authenticate(t, conn, env.token)

	req, err := protocol.NewRequest("u1", "no.such.method", nil)
	require.NoError(t, err)
	send(t, conn, req)

	resp := recv(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeUnknownMethod, resp.Error.Code)

	// Still usable afterwards.
	ping, err := protocol.NewRequest("p1", protocol.MethodPing, map[string]string{"n": "1"})
	require.NoError(t, err)
	send(t, conn, ping)
	assert.Equal(t, "p1", recv(t, conn).ID)
}

func TestHandlerMethods_SuccessAndError(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)
	authenticate(t, conn, env.token)

	req, err := protocol.NewRequest("e1", "test.echo", nil)
	require.NoError(t, err)
	send(t, conn, req)
	resp := recv(t, conn)
	require.Nil(t, resp.Error)

	fail, err := protocol.NewRequest("e2", "test.fail", nil)
	require.NoError(t, err)
	send(t, conn, fail)
	resp = recv(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternal, resp.Error.Code)
}

func TestConcurrentRequests_SlowRequestDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)
	authenticate(t, conn, env.token)

	slow, err := protocol.NewRequest("slow-1", "test.slow", nil)
	require.NoError(t, err)
	send(t, conn, slow)

	fast, err := protocol.NewRequest("fast-1", "test.echo", nil)
	require.NoError(t, err)
	send(t, conn, fast)

	// The fast request overtakes the slow one; each still gets exactly one
	// correlated response.
	first := recv(t, conn)
	require.Equal(t, protocol.KindResponse, first.Kind)
	assert.Equal(t, "fast-1", first.ID)
	require.Nil(t, first.Error)

	second := recv(t, conn)
	require.Equal(t, protocol.KindResponse, second.Kind)
	assert.Equal(t, "slow-1", second.ID)
	require.Nil(t, second.Error)

	var echoed map[string]string
	require.NoError(t, json.Unmarshal(second.Payload, &echoed))
	assert.Equal(t, "slowly", echoed["echoed"])
}

func TestIdleSweep_SparesConnectionWithInflightRequest(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)
	authenticate(t, conn, env.token)

	slow, err := protocol.NewRequest("slow-1", "test.slow", nil)
	require.NoError(t, err)
	send(t, conn, slow)

	// Give the read loop a moment to hand the request off.
	time.Sleep(50 * time.Millisecond)

	// Everything is older than this cutoff, but the in-flight request keeps
	// the connection alive.
	env.manager.sweepIdle(time.Now().Add(time.Hour))
	require.Equal(t, 1, env.manager.Len())

	resp := recv(t, conn)
	assert.Equal(t, "slow-1", resp.ID)
	require.Nil(t, resp.Error)
}

func TestMalformedEnvelope_ClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env)
	authenticate(t, conn, env.token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(protocol.CloseProtocolError), websocket.CloseStatus(err))
}

func TestOnClose_FiresWhenConnectionEnds(t *testing.T) {
	env := newTestEnv(t)

	closed := make(chan *Conn, 1)
	env.manager.onClose = func(c *Conn) { closed <- c }

	conn := dial(t, env)
	ar := authenticate(t, conn, env.token)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))

	select {
	case c := <-closed:
		assert.Equal(t, ar.ConnectionID, c.ID)
		assert.Equal(t, "tester", c.Identity)
	case <-time.After(5 * time.Second):
		t.Fatal("close hook never fired")
	}
}
