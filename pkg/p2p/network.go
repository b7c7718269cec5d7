// Package p2p carries replication traffic between constellation nodes.
package p2p

import (
	"context"
	"sync"

	"github.com/uhyunpark/quantaledger/pkg/consensus"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/replication"
)

// Handlers receive inbound traffic. A handler error is returned to the
// sender, which must not advance its cursor.
type Handlers struct {
	OnHello        func(from quantum.NodeID, h Hello) Hello
	OnQuanta       func(ctx context.Context, from quantum.NodeID, batch []*quantum.Quantum) error
	OnSignatures   func(ctx context.Context, from quantum.NodeID, batch []quantum.ApexSignature) error
	OnStateRequest func(from quantum.NodeID) *consensus.PeerState
	OnStateReport  func(from quantum.NodeID, ps *consensus.PeerState)
}

// Network is the transport between nodes, addressed by node id.
type Network interface {
	Self() quantum.NodeID
	SetHandlers(h Handlers)
	Hello(ctx context.Context, to quantum.NodeID, h Hello) (Hello, error)
	SendQuanta(ctx context.Context, to quantum.NodeID, batch []*quantum.Quantum) error
	SendSignatures(ctx context.Context, to quantum.NodeID, batch []quantum.ApexSignature) error
	// RequestStates asks every reachable node for its Rising report. Replies
	// arrive through OnStateReport.
	RequestStates(ctx context.Context) error
	SendState(ctx context.Context, to quantum.NodeID, ps *consensus.PeerState) error
	Disconnect(to quantum.NodeID) error
	Close() error
}

// PeerConn is the outbound link to one node used by a replication worker.
type PeerConn struct {
	net Network
	to  quantum.NodeID
	mu  sync.Mutex
}

func NewPeerConn(n Network, to quantum.NodeID) *PeerConn {
	return &PeerConn{net: n, to: to}
}

func (c *PeerConn) Peer() quantum.NodeID { return c.to }

func (c *PeerConn) SendQuanta(ctx context.Context, batch []*quantum.Quantum) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.net.SendQuanta(ctx, c.to, batch)
}

func (c *PeerConn) SendSignatures(ctx context.Context, batch []quantum.ApexSignature) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.net.SendSignatures(ctx, c.to, batch)
}

func (c *PeerConn) Close() error { return c.net.Disconnect(c.to) }

var _ replication.Connection = (*PeerConn)(nil)

type handlerBox struct {
	mu sync.RWMutex
	h  Handlers
}

func (b *handlerBox) set(h Handlers) {
	b.mu.Lock()
	b.h = h
	b.mu.Unlock()
}

func (b *handlerBox) get() Handlers {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.h
}

func (b *handlerBox) dispatch(ctx context.Context, from quantum.NodeID, req *request) *reply {
	h := b.get()
	switch req.Kind {
	case kindHello:
		if h.OnHello == nil {
			return replyFor(quantum.Errorf(quantum.StatusInvalidState, "not accepting peers"))
		}
		var in Hello
		if req.Hello != nil {
			in = *req.Hello
		}
		resp := h.OnHello(from, in)
		return &reply{Hello: &resp}
	case kindQuanta:
		if h.OnQuanta == nil {
			return replyFor(quantum.Errorf(quantum.StatusUnexpectedMessage, "quanta not accepted"))
		}
		return replyFor(h.OnQuanta(ctx, from, req.Quanta))
	case kindSignatures:
		if h.OnSignatures == nil {
			return replyFor(quantum.Errorf(quantum.StatusUnexpectedMessage, "signatures not accepted"))
		}
		return replyFor(h.OnSignatures(ctx, from, req.Signatures))
	case kindState:
		if req.State == nil {
			return replyFor(quantum.Errorf(quantum.StatusBadRequest, "empty state report"))
		}
		if h.OnStateReport != nil {
			h.OnStateReport(from, req.State)
		}
		return &reply{}
	default:
		return replyFor(quantum.Errorf(quantum.StatusBadRequest, "unknown message kind %d", req.Kind))
	}
}
