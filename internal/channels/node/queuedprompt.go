package node

import (
	"context"
	"sync"

	"github.com/clawdis/clawdis/internal/bridge"
)

// pendingRequest is one node's in-flight pairing request, blocked on Prompt
// until Approve/Reject (or the connection's own context) resolves it.
type pendingRequest struct {
	frame    bridge.Frame
	isRepair bool
	resultCh chan bool
}

// QueuedPrompt is the remote-approval pairing prompt: instead of blocking on a
// terminal read (as CLIPrompt does), it parks each pairing request until an
// operator resolves it via the control plane's nodes.approve/nodes.reject
// methods, and exposes the parked set via Pending for nodes.pending.
type QueuedPrompt struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewQueuedPrompt creates an empty pairing-request queue.
func NewQueuedPrompt() *QueuedPrompt {
	return &QueuedPrompt{pending: make(map[string]*pendingRequest)}
}

// Prompt returns the bridge.OperatorPrompt callback bound to this queue.
func (q *QueuedPrompt) Prompt() bridge.OperatorPrompt {
	return func(ctx context.Context, req bridge.Frame, isRepair bool) bool {
		resultCh := make(chan bool, 1)
		q.mu.Lock()
		q.pending[req.NodeID] = &pendingRequest{frame: req, isRepair: isRepair, resultCh: resultCh}
		q.mu.Unlock()

		defer func() {
			q.mu.Lock()
			delete(q.pending, req.NodeID)
			q.mu.Unlock()
		}()

		select {
		case ok := <-resultCh:
			return ok
		case <-ctx.Done():
			return false
		}
	}
}

// Pending returns the pairing requests currently awaiting a decision.
func (q *QueuedPrompt) Pending() []bridge.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]bridge.Frame, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p.frame)
	}
	return out
}

// Approve resolves a parked pairing request as accepted. Returns false if no
// request for nodeID is currently parked.
func (q *QueuedPrompt) Approve(nodeID string) bool {
	return q.resolve(nodeID, true)
}

// Reject resolves a parked pairing request as declined.
func (q *QueuedPrompt) Reject(nodeID string) bool {
	return q.resolve(nodeID, false)
}

func (q *QueuedPrompt) resolve(nodeID string, ok bool) bool {
	q.mu.Lock()
	p, exists := q.pending[nodeID]
	q.mu.Unlock()
	if !exists {
		return false
	}
	select {
	case p.resultCh <- ok:
		return true
	default:
		return false
	}
}
