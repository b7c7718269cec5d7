package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/uhyunpark/quantaledger/pkg/consensus"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

var ErrUnreachable = errors.New("node unreachable")

// MemHub connects in-process nodes. Every message goes through the wire
// codec so nodes never share memory. Links can be cut to simulate
// partitions.
type MemHub struct {
	mu    sync.RWMutex
	nodes map[quantum.NodeID]*MemNetwork
	cut   map[[2]quantum.NodeID]bool
}

func NewMemHub() *MemHub {
	return &MemHub{
		nodes: make(map[quantum.NodeID]*MemNetwork),
		cut:   make(map[[2]quantum.NodeID]bool),
	}
}

// Join registers a node. A node that joins again replaces its old endpoint.
func (h *MemHub) Join(id quantum.NodeID) *MemNetwork {
	n := &MemNetwork{hub: h, self: id}
	h.mu.Lock()
	h.nodes[id] = n
	h.mu.Unlock()
	return n
}

func linkKey(a, b quantum.NodeID) [2]quantum.NodeID {
	if a > b {
		a, b = b, a
	}
	return [2]quantum.NodeID{a, b}
}

// SetLink cuts or restores the link between a and b.
func (h *MemHub) SetLink(a, b quantum.NodeID, up bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if up {
		delete(h.cut, linkKey(a, b))
	} else {
		h.cut[linkKey(a, b)] = true
	}
}

func (h *MemHub) peer(from, to quantum.NodeID) (*MemNetwork, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[to]
	if !ok || h.cut[linkKey(from, to)] {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to.Short())
	}
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to.Short())
	}
	return n, nil
}

func (h *MemHub) others(self quantum.NodeID) []quantum.NodeID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]quantum.NodeID, 0, len(h.nodes))
	for id := range h.nodes {
		if id != self && !h.cut[linkKey(self, id)] {
			out = append(out, id)
		}
	}
	return out
}

// MemNetwork is one node's endpoint on a MemHub.
type MemNetwork struct {
	hub      *MemHub
	self     quantum.NodeID
	handlers handlerBox

	mu     sync.Mutex
	closed bool
}

func (n *MemNetwork) Self() quantum.NodeID { return n.self }

func (n *MemNetwork) SetHandlers(h Handlers) { n.handlers.set(h) }

func (n *MemNetwork) call(ctx context.Context, to quantum.NodeID, req *request) (*reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return nil, errors.New("network closed")
	}
	p, err := n.hub.peer(n.self, to)
	if err != nil {
		return nil, err
	}
	wireReq, err := roundTrip(req)
	if err != nil {
		return nil, err
	}
	rep, err := roundTrip(p.handlers.dispatch(ctx, n.self, wireReq))
	if err != nil {
		return nil, err
	}
	return rep, rep.err()
}

func (n *MemNetwork) Hello(ctx context.Context, to quantum.NodeID, h Hello) (Hello, error) {
	rep, err := n.call(ctx, to, &request{Kind: kindHello, Hello: &h})
	if err != nil {
		return Hello{}, err
	}
	return rep.hello(), nil
}

func (n *MemNetwork) SendQuanta(ctx context.Context, to quantum.NodeID, batch []*quantum.Quantum) error {
	_, err := n.call(ctx, to, &request{Kind: kindQuanta, Quanta: batch})
	return err
}

func (n *MemNetwork) SendSignatures(ctx context.Context, to quantum.NodeID, batch []quantum.ApexSignature) error {
	_, err := n.call(ctx, to, &request{Kind: kindSignatures, Signatures: batch})
	return err
}

func (n *MemNetwork) SendState(ctx context.Context, to quantum.NodeID, ps *consensus.PeerState) error {
	_, err := n.call(ctx, to, &request{Kind: kindState, State: ps})
	return err
}

func (n *MemNetwork) RequestStates(ctx context.Context) error {
	for _, id := range n.hub.others(n.self) {
		p, err := n.hub.peer(n.self, id)
		if err != nil {
			continue
		}
		h := p.handlers.get()
		if h.OnStateRequest == nil {
			continue
		}
		go func(p *MemNetwork, h Handlers) {
			ps := h.OnStateRequest(n.self)
			if ps == nil {
				return
			}
			_ = p.SendState(ctx, n.self, ps)
		}(p, h)
	}
	return nil
}

// Disconnect is a no-op beyond validating the peer; in-process links have
// no connection state.
func (n *MemNetwork) Disconnect(to quantum.NodeID) error {
	_, err := n.hub.peer(n.self, to)
	return err
}

func (n *MemNetwork) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

var _ Network = (*MemNetwork)(nil)
