// ABOUTME: Minimal WebSocket protocol client used by the openclawctl commands
// ABOUTME: Dials, authenticates, correlates request/response, streams events

package main

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/Afee2019/openclaw/internal/protocol"
)

type client struct {
	conn   *websocket.Conn
	nextID atomic.Uint64
}

// dialGateway connects to the gateway's /ws endpoint and performs the auth
// handshake.
func dialGateway(ctx context.Context, host, token string) (*client, error) {
	url := fmt.Sprintf("ws://%s/ws", host)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	c := &client{conn: conn}
	var ar protocol.AuthResponse
	if err := c.call(ctx, protocol.MethodAuth, protocol.AuthRequest{Token: token}, &ar); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "auth failed")
		return nil, fmt.Errorf("authenticating: %w", err)
	}
	return c, nil
}

func (c *client) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "done")
}

// call sends one request and blocks until its response arrives, discarding
// any event frames that interleave. out may be nil.
func (c *client) call(ctx context.Context, method string, payload, out any) error {
	id := "ctl-" + strconv.FormatUint(c.nextID.Add(1), 10)
	req, err := protocol.NewRequest(id, method, payload)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	for {
		env, err := c.recv(ctx)
		if err != nil {
			return err
		}
		if env.Kind != protocol.KindResponse || env.ID != id {
			continue
		}
		if env.Error != nil {
			return env.Error
		}
		if out == nil {
			return nil
		}
		return protocol.DecodePayload(env, out)
	}
}

func (c *client) recv(ctx context.Context) (*protocol.Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return protocol.Decode(data)
}
