package controlplane

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	. "github.com/clawdis/clawdis/internal/logging"
)

// Handler processes one RPC method call and returns a JSON-serializable
// result or an error.
type Handler func(client *Client, params json.RawMessage) (any, error)

// Server is the control-plane WebSocket endpoint. It opens no listener of its
// own; cmd/clawdis serves it on a TCP address and a unix socket.
type Server struct {
	upgrader websocket.Upgrader
	token    string

	mu       sync.RWMutex
	handlers map[string]Handler
	clients  map[*Client]bool
}

// NewServer creates a control-plane Server. A connection authenticates by
// sending token as its WebSocket subprotocol; every loopback connection also
// counts as authenticated, with no check of the peer's UID. Privileged
// methods need the token on every connection. A connection that is neither
// loopback nor token-authenticated is still served, for non-privileged
// methods only. An empty token disables auth entirely (not recommended
// outside local dev).
func NewServer(token string) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		token:    token,
		handlers: make(map[string]Handler),
		clients:  make(map[*Client]bool),
	}
}

// Register binds a Handler to an RPC method name.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// ServeHTTP upgrades the connection and runs the client's read loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("controlplane: upgrade failed", "error", err)
		return
	}

	authed := s.authenticate(r, conn)
	tokenOK := s.token == "" || r.Header.Get("Sec-WebSocket-Protocol") == s.token
	client := &Client{conn: conn, authed: authed, tokenOK: tokenOK, send: make(chan Event, 64)}

	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	go client.writeLoop()
	s.readLoop(client)

	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
	close(client.send)
}

func (s *Server) authenticate(r *http.Request, conn *websocket.Conn) bool {
	if s.token == "" {
		return true
	}
	if sub := r.Header.Get("Sec-WebSocket-Protocol"); sub == s.token {
		return true
	}
	if isLoopbackSameUID(r) {
		return true
	}
	return false
}

// isLoopbackSameUID allows unauthenticated access only for connections from
// 127.0.0.1/::1. It checks the address only; no same-UID verification is
// made.
func isLoopbackSameUID(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) readLoop(client *Client) {
	for {
		var req Request
		if err := client.conn.ReadJSON(&req); err != nil {
			return
		}

		if IsPrivileged(req.Method) && !client.tokenOK {
			client.replyError(req.ID, "UNAUTHORIZED", "method requires authentication")
			continue
		}

		s.mu.RLock()
		h, ok := s.handlers[req.Method]
		s.mu.RUnlock()
		if !ok {
			client.replyError(req.ID, "UNKNOWN_METHOD", "no such method: "+req.Method)
			continue
		}

		result, err := h(client, req.Params)
		if err != nil {
			client.replyError(req.ID, "ERROR", err.Error())
			continue
		}
		client.reply(req.ID, result)
	}
}

// Broadcast pushes an event to every connected client.
func (s *Server) Broadcast(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- ev:
		default:
			L_warn("controlplane: client send buffer full, dropping event", "type", ev.Type)
		}
	}
}

// Client is one connected control-plane session.
type Client struct {
	conn    *websocket.Conn
	authed  bool
	tokenOK bool // presented the server token (or auth is disabled)
	send    chan Event
	mu     sync.Mutex
}

func (c *Client) writeLoop() {
	for ev := range c.send {
		c.mu.Lock()
		err := c.conn.WriteJSON(ev)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Client) reply(id string, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		c.replyError(id, "ENCODE_ERROR", err.Error())
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(Response{ID: id, Result: data})
}

func (c *Client) replyError(id, code, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(Response{ID: id, Error: &RPCError{Code: code, Message: message}})
}
