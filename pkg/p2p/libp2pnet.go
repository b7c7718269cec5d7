package p2p

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	lcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/quantaledger/pkg/consensus"
	"github.com/uhyunpark/quantaledger/pkg/crypto"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/util"
)

const (
	protocolHello      = protocol.ID("/quantaledger/hello/1.0.0")
	protocolQuanta     = protocol.ID("/quantaledger/quanta/1.0.0")
	protocolSignatures = protocol.ID("/quantaledger/signatures/1.0.0")
	protocolState      = protocol.ID("/quantaledger/state/1.0.0")
	topicRising        = "quantaledger-rising"
)

// Libp2pNet runs the node protocols over libp2p. The host identity is the
// node's ed25519 key, so node ids and peer ids map onto each other.
type Libp2pNet struct {
	h       host.Host
	ps      *pubsub.PubSub
	log     *zap.SugaredLogger
	self    quantum.NodeID
	timeout time.Duration

	tRising   *pubsub.Topic
	subRising *pubsub.Subscription
	nonce     atomic.Uint64

	handlers handlerBox
	cancel   context.CancelFunc
}

type Libp2pConfig struct {
	ListenAddr string
	// Bootstrap holds full multiaddrs including the /p2p/ component.
	Bootstrap []string
	Key       *crypto.NodeKey
	Timeout   time.Duration // per stream
	Logger    *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	if cfg.Key == nil {
		return nil, errors.New("libp2p: node key required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	priv, err := lcrypto.UnmarshalEd25519PrivateKey(cfg.Key.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("libp2p identity: %w", err)
	}
	opts := []libp2p.Option{libp2p.Identity(priv)}
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}

	n := &Libp2pNet{
		h:       h,
		ps:      ps,
		log:     util.OrNop(cfg.Logger),
		self:    cfg.Key.NodeID(),
		timeout: cfg.Timeout,
		cancel:  cancel,
	}

	for _, bs := range cfg.Bootstrap {
		if err := n.AddPeer(runCtx, bs); err != nil {
			n.log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := n.joinTopics(); err != nil {
		n.Close()
		return nil, err
	}

	for _, p := range []protocol.ID{protocolHello, protocolQuanta, protocolSignatures, protocolState} {
		h.SetStreamHandler(p, n.handleStream)
	}
	go n.handleRising(runCtx)

	n.log.Infow("libp2p_ready", "peer", h.ID().String(), "node", n.self.Short(), "listen", cfg.ListenAddr)
	return n, nil
}

// AddPeer remembers addr permanently and dials it once. Later sends redial
// on demand.
func (n *Libp2pNet) AddPeer(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	n.h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	return n.h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics() error {
	var err error
	if n.tRising, err = n.ps.Join(topicRising); err != nil {
		return err
	}
	n.subRising, err = n.tRising.Subscribe()
	return err
}

func (n *Libp2pNet) Host() host.Host { return n.h }

// Addrs returns the dialable multiaddrs of this host.
func (n *Libp2pNet) Addrs() []string {
	var out []string
	for _, a := range n.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.h.ID()))
	}
	return out
}

func (n *Libp2pNet) Self() quantum.NodeID { return n.self }

func (n *Libp2pNet) SetHandlers(h Handlers) { n.handlers.set(h) }

func (n *Libp2pNet) Close() error {
	n.cancel()
	if n.subRising != nil {
		n.subRising.Cancel()
	}
	return n.h.Close()
}

func (n *Libp2pNet) Disconnect(to quantum.NodeID) error {
	pid, err := PeerIDOf(to)
	if err != nil {
		return err
	}
	return n.h.Network().ClosePeer(pid)
}

func (n *Libp2pNet) Hello(ctx context.Context, to quantum.NodeID, h Hello) (Hello, error) {
	rep, err := n.call(ctx, to, protocolHello, &request{Kind: kindHello, Hello: &h})
	if err != nil {
		return Hello{}, err
	}
	return rep.hello(), nil
}

func (n *Libp2pNet) SendQuanta(ctx context.Context, to quantum.NodeID, batch []*quantum.Quantum) error {
	_, err := n.call(ctx, to, protocolQuanta, &request{Kind: kindQuanta, Quanta: batch})
	return err
}

func (n *Libp2pNet) SendSignatures(ctx context.Context, to quantum.NodeID, batch []quantum.ApexSignature) error {
	_, err := n.call(ctx, to, protocolSignatures, &request{Kind: kindSignatures, Signatures: batch})
	return err
}

func (n *Libp2pNet) SendState(ctx context.Context, to quantum.NodeID, ps *consensus.PeerState) error {
	_, err := n.call(ctx, to, protocolState, &request{Kind: kindState, State: ps})
	return err
}

func (n *Libp2pNet) RequestStates(ctx context.Context) error {
	data, err := gobEncode(stateRequest{Nonce: n.nonce.Add(1)})
	if err != nil {
		return err
	}
	return n.tRising.Publish(ctx, data)
}

// call writes one request on a fresh stream and reads the reply.
func (n *Libp2pNet) call(ctx context.Context, to quantum.NodeID, proto protocol.ID, req *request) (*reply, error) {
	pid, err := PeerIDOf(to)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	s, err := n.h.NewStream(ctx, pid, proto)
	if err != nil {
		return nil, fmt.Errorf("open %s to %s: %w", proto, to.Short(), err)
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	data, err := gobEncode(req)
	if err != nil {
		s.Reset()
		return nil, err
	}
	if _, err := s.Write(data); err != nil {
		s.Reset()
		return nil, fmt.Errorf("write %s: %w", proto, err)
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return nil, err
	}
	var rep reply
	if err := readMsg(s, &rep); err != nil {
		return nil, fmt.Errorf("read %s reply: %w", proto, err)
	}
	return &rep, rep.err()
}

func (n *Libp2pNet) handleStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(n.timeout))

	from, err := nodeIDOf(s.Conn().RemotePublicKey())
	if err != nil {
		s.Reset()
		return
	}
	var req request
	if err := readMsg(s, &req); err != nil {
		n.log.Debugw("stream_decode_failed", "peer", from.Short(), "protocol", s.Protocol(), "err", err)
		s.Reset()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	rep := n.handlers.dispatch(ctx, from, &req)
	data, err := gobEncode(rep)
	if err != nil {
		s.Reset()
		return
	}
	_, _ = s.Write(data)
}

// handleRising answers gossiped state requests with a direct state report.
func (n *Libp2pNet) handleRising(ctx context.Context) {
	for {
		msg, err := n.subRising.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() || msg.GetFrom() == n.h.ID() {
			continue
		}
		var sr stateRequest
		if err := gobDecode(msg.Data, &sr); err != nil {
			continue
		}
		pub, err := msg.GetFrom().ExtractPublicKey()
		if err != nil {
			continue
		}
		from, err := nodeIDOf(pub)
		if err != nil {
			continue
		}
		h := n.handlers.get()
		if h.OnStateRequest == nil {
			continue
		}
		ps := h.OnStateRequest(from)
		if ps == nil {
			continue
		}
		go func() {
			if err := n.SendState(ctx, from, ps); err != nil {
				n.log.Debugw("state_report_failed", "peer", from.Short(), "err", err)
			}
		}()
	}
}

// PeerIDOf converts a node id into the libp2p peer id of its host.
func PeerIDOf(id quantum.NodeID) (peer.ID, error) {
	raw, err := hex.DecodeString(string(id))
	if err != nil {
		return "", fmt.Errorf("node id %s: %w", id.Short(), err)
	}
	pub, err := lcrypto.UnmarshalEd25519PublicKey(raw)
	if err != nil {
		return "", fmt.Errorf("node id %s: %w", id.Short(), err)
	}
	return peer.IDFromPublicKey(pub)
}

func nodeIDOf(pub lcrypto.PubKey) (quantum.NodeID, error) {
	if pub == nil {
		return "", errors.New("no remote key")
	}
	if pub.Type() != lcrypto.Ed25519 {
		return "", fmt.Errorf("unsupported key type %s", pub.Type())
	}
	raw, err := pub.Raw()
	if err != nil {
		return "", err
	}
	return quantum.NodeID(hex.EncodeToString(raw)), nil
}

var _ Network = (*Libp2pNet)(nil)
