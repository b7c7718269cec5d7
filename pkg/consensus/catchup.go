package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/util"
)

var (
	ErrMajorityUnreachable = errors.New("majority unreachable")
	ErrKeyCompromised      = errors.New("signing key compromised")
	ErrMissingSnapshot     = errors.New("winning snapshot data unavailable")
)

// PeerState is what a node reports while another node is rising: its last
// snapshot and the quanta it holds above it.
type PeerState struct {
	Node         quantum.NodeID
	Apex         quantum.Apex
	SnapshotApex quantum.Apex
	SnapshotHash quantum.Hash
	Snapshot     []byte
	Quanta       []*quantum.Quantum
}

// Key groups reports that agree on the snapshot.
func (p *PeerState) Key() string {
	return fmt.Sprintf("%d/%s", p.SnapshotApex, p.SnapshotHash)
}

// StateRequester asks every reachable peer for its PeerState. Replies are
// delivered back through Catchup.AddReport.
type StateRequester interface {
	RequestStates(ctx context.Context) error
}

// Target is the state being rebuilt.
type Target interface {
	// RestoreSnapshot resets the state to the snapshot identified by hash
	// and returns the hash of the quantum at apex. Apex 0 with no data
	// means the empty ledger.
	RestoreSnapshot(apex quantum.Apex, hash quantum.Hash, data []byte) (quantum.Hash, error)
	// Replay applies an already accepted quantum without business validation.
	Replay(q *quantum.Quantum) error
}

type CatchupConfig struct {
	Total       int // constellation size, own node included
	Alpha       quantum.NodeID
	SettleDelay time.Duration
	Timeout     time.Duration // re-request interval while undecided

	// VerifySignature checks a node signature over a quantum. When nil only
	// the presence of the alpha signature is checked.
	VerifySignature func(q *quantum.Quantum, sig quantum.NodeSignature) bool
	// SnapshotHash recomputes the hash of reported snapshot bytes. Reports
	// whose data does not match their claimed hash are dropped.
	SnapshotHash func(data []byte) (quantum.Hash, error)
}

// CatchupResult summarizes a completed Rising phase.
type CatchupResult struct {
	SnapshotApex quantum.Apex
	LastApex     quantum.Apex
	Replayed     int
	Agreeing     int
}

// Catchup drives a node from Rising to Running.
type Catchup struct {
	cfg       CatchupConfig
	log       *zap.SugaredLogger
	clock     util.Clock
	state     *StateManager
	requester StateRequester
	target    Target

	calc     *MajorityCalculator[*PeerState]
	reported chan struct{}
}

func NewCatchup(cfg CatchupConfig, state *StateManager, requester StateRequester, target Target, clock util.Clock, log *zap.SugaredLogger) *Catchup {
	if cfg.Total < 1 {
		cfg.Total = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Catchup{
		cfg:       cfg,
		log:       util.OrNop(log),
		clock:     clock,
		state:     state,
		requester: requester,
		target:    target,
		calc:      NewMajorityCalculator(cfg.Total, (*PeerState).Key),
		reported:  make(chan struct{}, 1),
	}
}

// AddReport records a peer's state and returns the current decision.
func (c *Catchup) AddReport(ps *PeerState) Decision {
	if ps == nil || ps.Node == "" {
		return c.calc.Decision()
	}
	if len(ps.Snapshot) > 0 && c.cfg.SnapshotHash != nil {
		h, err := c.cfg.SnapshotHash(ps.Snapshot)
		if err != nil || h != ps.SnapshotHash {
			c.log.Warnw("rising_report_rejected", "peer", ps.Node.Short(), "reason", "snapshot hash mismatch", "err", err)
			return c.calc.Decision()
		}
	}
	d := c.calc.Add(ps.Node, ps)
	c.log.Debugw("rising_report", "peer", ps.Node.Short(), "snapshot_apex", ps.SnapshotApex, "apex", ps.Apex,
		"reports", c.calc.Count(), "decision", d.String())
	select {
	case c.reported <- struct{}{}:
	default:
	}
	return d
}

// Decision returns the current majority decision.
func (c *Catchup) Decision() Decision { return c.calc.Decision() }

// Run performs the Rising phase with self as the node's own report. Fatal
// outcomes also move the node to Failed.
func (c *Catchup) Run(ctx context.Context, self *PeerState) (*CatchupResult, error) {
	if err := c.state.SetState(StateRising); err != nil {
		return nil, err
	}
	c.log.Infow("rising_start", "total", c.cfg.Total, "need", Majority(c.cfg.Total))
	c.AddReport(self)

	if err := c.awaitDecision(ctx); err != nil {
		if errors.Is(err, ErrMajorityUnreachable) {
			c.state.Fail(err)
		}
		return nil, err
	}

	if c.cfg.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(c.cfg.SettleDelay):
		}
	}

	res, err := c.apply(c.calc.Majority())
	if err != nil {
		c.state.Fail(fmt.Errorf("rising: %w", err))
		return nil, err
	}
	if err := c.state.SetState(StateRunning); err != nil {
		return nil, err
	}
	c.log.Infow("rising_success", "snapshot_apex", res.SnapshotApex, "last_apex", res.LastApex,
		"replayed", res.Replayed, "agreeing", res.Agreeing)
	return res, nil
}

func (c *Catchup) awaitDecision(ctx context.Context) error {
	for {
		switch c.calc.Decision() {
		case DecisionSuccess:
			return nil
		case DecisionUnreachable:
			c.log.Errorw("rising_unreachable", "reports", c.calc.Count(), "total", c.cfg.Total)
			return ErrMajorityUnreachable
		}

		if c.requester != nil {
			if err := c.requester.RequestStates(ctx); err != nil {
				c.log.Warnw("rising_request_failed", "err", err)
			}
		}

		timeout := c.clock.After(c.cfg.Timeout)
	wait:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.state.Failed():
				return c.state.Err()
			case <-c.reported:
				if c.calc.Decision() != DecisionUnknown {
					break wait
				}
			case <-timeout:
				c.log.Infow("rising_timeout", "reports", c.calc.Count(), "need", Majority(c.cfg.Total))
				break wait
			}
		}
	}
}

func (c *Catchup) apply(reports []*PeerState) (*CatchupResult, error) {
	if len(reports) == 0 {
		return nil, ErrMajorityUnreachable
	}
	base := reports[0]
	var data []byte
	if base.SnapshotApex > 0 {
		for _, r := range reports {
			if len(r.Snapshot) > 0 {
				data = r.Snapshot
				break
			}
		}
		if data == nil {
			return nil, ErrMissingSnapshot
		}
	}
	prior, err := c.target.RestoreSnapshot(base.SnapshotApex, base.SnapshotHash, data)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %d: %w", base.SnapshotApex, err)
	}

	merged, err := c.mergeQuanta(base.SnapshotApex, reports)
	if err != nil {
		return nil, err
	}

	res := &CatchupResult{SnapshotApex: base.SnapshotApex, LastApex: base.SnapshotApex, Agreeing: len(reports)}
	for apex := base.SnapshotApex + 1; ; apex++ {
		q, ok := merged[apex]
		if !ok {
			break
		}
		if q.PriorHash != prior {
			c.log.Warnw("rising_chain_break", "apex", apex)
			break
		}
		if err := c.target.Replay(q); err != nil {
			return nil, fmt.Errorf("replay apex %d: %w", apex, err)
		}
		prior = q.Hash
		res.LastApex = apex
		res.Replayed++
	}
	return res, nil
}

// mergeQuanta collects candidate quanta above from. Candidates without a
// valid alpha signature are dropped; two valid candidates for one apex with
// different hashes mean the alpha key signed conflicting histories.
func (c *Catchup) mergeQuanta(from quantum.Apex, reports []*PeerState) (map[quantum.Apex]*quantum.Quantum, error) {
	merged := make(map[quantum.Apex]*quantum.Quantum)
	for _, r := range reports {
		for _, q := range r.Quanta {
			if q == nil || q.Apex <= from {
				continue
			}
			if !q.VerifyHash() || !c.alphaSigned(q) {
				c.log.Warnw("rising_quantum_rejected", "peer", r.Node.Short(), "apex", q.Apex)
				continue
			}
			existing, ok := merged[q.Apex]
			if !ok {
				merged[q.Apex] = q.Clone()
				continue
			}
			if existing.Hash != q.Hash {
				c.log.Errorw("rising_conflict", "apex", q.Apex, "a", existing.Hash.String(), "b", q.Hash.String())
				return nil, fmt.Errorf("%w: conflicting quanta at apex %d", ErrKeyCompromised, q.Apex)
			}
			for _, sig := range q.Signatures {
				_ = existing.AddSignature(sig)
			}
		}
	}
	return merged, nil
}

func (c *Catchup) alphaSigned(q *quantum.Quantum) bool {
	sig, ok := q.Signature(c.cfg.Alpha)
	if !ok {
		return false
	}
	if c.cfg.VerifySignature == nil {
		return true
	}
	return c.cfg.VerifySignature(q, quantum.NodeSignature{Signer: c.cfg.Alpha, Signature: sig})
}
