package controlplane

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is a thin control-plane RPC client used by cmd/clawdis's CLI
// subcommands to talk to an already-running gateway daemon.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the control-plane WebSocket endpoint at addr
// (e.g. "127.0.0.1:7379") and, if token is non-empty, authenticates via the
// Sec-WebSocket-Protocol header the same way Server.authenticate expects.
func Dial(addr, token string) (*Client, error) {
	url := fmt.Sprintf("ws://%s/", addr)
	header := make(map[string][]string)
	if token != "" {
		header["Sec-WebSocket-Protocol"] = []string{token}
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable at %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close ends the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call issues one RPC and blocks for the matching response.
func (c *Client) Call(method string, params any) (json.RawMessage, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := Request{ID: uuid.NewString(), Method: method, Params: paramsJSON}
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, err
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return nil, err
	}
	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			return nil, fmt.Errorf("gateway unreachable: %w", err)
		}
		if resp.ID != req.ID {
			continue // a server->client Event or a stale response; ignore
		}
		if resp.Error != nil {
			return nil, &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	}
}

// RemoteError wraps an RPCError so callers can map it to an exit code.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
