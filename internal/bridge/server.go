package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	. "github.com/clawdis/clawdis/internal/logging"
)

const serviceName = "_clawdis-bridge._tcp"

// Server listens for node connections, advertises itself over mDNS, and
// tracks connected nodes for invoke fan-out.
type Server struct {
	registry *Registry
	prompt   OperatorPrompt
	sink     EventSink

	mu     sync.RWMutex
	conns  map[string]*Conn // nodeId -> live connection
	mdnsSv *mdns.Server
}

// NewServer creates a bridge Server. registry should be loaded via NewRegistry.
func NewServer(registry *Registry, prompt OperatorPrompt, sink EventSink) *Server {
	return &Server{
		registry: registry,
		prompt:   prompt,
		sink:     sink,
		conns:    make(map[string]*Conn),
	}
}

// ListenAndServe binds a TCP listener on port, advertises it via mDNS, and
// accepts connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("bridge listen: %w", err)
	}
	defer ln.Close()

	if err := s.advertise(port); err != nil {
		L_warn("bridge: mDNS advertisement failed, node discovery will require manual host entry", "error", err)
	}
	defer s.shutdownAdvertise()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	L_info("bridge: listening", "port", port)
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				L_warn("bridge: accept failed", "error", err)
				continue
			}
		}
		go s.serve(ctx, nc)
	}
}

func (s *Server) advertise(port int) error {
	info := []string{"clawdis gateway bridge"}
	service, err := mdns.NewMDNSService("clawdis", serviceName, "", "", port, nil, info)
	if err != nil {
		return err
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return err
	}
	s.mdnsSv = srv
	return nil
}

func (s *Server) shutdownAdvertise() {
	if s.mdnsSv != nil {
		_ = s.mdnsSv.Shutdown()
	}
}

func (s *Server) serve(ctx context.Context, nc net.Conn) {
	c := &Conn{
		nc:        nc,
		registry:  s.registry,
		prompt:    s.prompt,
		sink:      s.sink,
		pending:   make(map[string]chan Frame),
		lastInput: time.Now(),
	}
	c.w = bufio.NewWriter(nc)

	go func() {
		// Track the connection under its node ID as soon as auth completes,
		// and stop tracking it when the connection closes.
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
				if id := c.NodeID(); id != "" {
					s.mu.Lock()
					s.conns[id] = c
					s.mu.Unlock()
					return
				}
			}
		}
	}()

	c.serve(ctx)

	s.mu.Lock()
	for id, conn := range s.conns {
		if conn == c {
			delete(s.conns, id)
		}
	}
	s.mu.Unlock()
}

// Invoke fans out a host-initiated command invocation to a connected node.
// Returns UNAVAILABLE if the node is not currently connected.
func (s *Server) Invoke(ctx context.Context, nodeID, command string, paramsJSON json.RawMessage, timeout time.Duration) (Frame, error) {
	s.mu.RLock()
	c, ok := s.conns[nodeID]
	s.mu.RUnlock()
	if !ok {
		return Frame{}, fmt.Errorf("%s: node %q is not connected", ErrUnavailable, nodeID)
	}
	return c.Invoke(ctx, command, paramsJSON, timeout)
}

// Connected reports whether nodeID currently has a live connection.
func (s *Server) Connected(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[nodeID]
	return ok
}
