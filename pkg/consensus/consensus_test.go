package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/util"
)

func TestMajority(t *testing.T) {
	want := []int{1, 2, 2, 3, 3, 4, 4, 5, 5, 6}
	for n := 1; n <= 10; n++ {
		if got := Majority(n); got != want[n-1] {
			t.Errorf("Majority(%d) = %d, want %d", n, got, want[n-1])
		}
	}
	if Majority(0) != 0 {
		t.Errorf("Majority(0) must be 0")
	}
}

func ident(s string) string { return s }

func TestMajorityCalculator(t *testing.T) {
	tests := []struct {
		name  string
		total int
		votes []string
		want  Decision
	}{
		{"three of five agree", 5, []string{"H", "H", "H"}, DecisionSuccess},
		{"two of five agree", 5, []string{"H", "H"}, DecisionUnknown},
		{"split can still converge", 5, []string{"H", "H", "X"}, DecisionUnknown},
		{"split cannot converge", 5, []string{"A", "B", "C", "D"}, DecisionUnreachable},
		{"even split with one missing", 5, []string{"A", "A", "B", "B", "C"}, DecisionUnreachable},
		{"single node", 1, []string{"H"}, DecisionSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMajorityCalculator(tt.total, ident)
			var got Decision
			for i, v := range tt.votes {
				got = m.Add(quantum.NodeID(rune('a'+i)), v)
			}
			if got != tt.want {
				t.Errorf("decision = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMajorityCalculator_StickySuccess(t *testing.T) {
	m := NewMajorityCalculator(5, ident)
	m.Add("a", "H")
	m.Add("b", "H")
	if d := m.Add("c", "H"); d != DecisionSuccess {
		t.Fatalf("decision = %s", d)
	}
	m.Add("d", "X")
	m.Add("e", "H")
	if m.Decision() != DecisionSuccess {
		t.Fatalf("success must be final")
	}
	if got := len(m.Majority()); got != 4 {
		t.Errorf("majority group size = %d, want 4", got)
	}
	if m.Add("a", "X") != DecisionSuccess || m.Count() != 5 {
		t.Errorf("duplicate report changed the calculator")
	}
}

func TestStateManager(t *testing.T) {
	m := NewStateManager(nil)
	if err := m.SetState(StateRunning); err == nil {
		t.Fatalf("undefined -> running must be rejected")
	}
	sub := m.Subscribe()
	for _, s := range []NodeState{StateRising, StateRunning, StateReady} {
		if err := m.SetState(s); err != nil {
			t.Fatalf("set %s: %v", s, err)
		}
	}
	if !m.IsOperational() {
		t.Errorf("ready node must be operational")
	}
	if got := <-sub; got != StateRising {
		t.Errorf("first notification = %s", got)
	}

	m.Fail(errors.New("boom"))
	m.Fail(errors.New("second"))
	select {
	case <-m.Failed():
	default:
		t.Fatalf("Failed channel not closed")
	}
	if m.Err().Error() != "boom" {
		t.Errorf("err = %v", m.Err())
	}
	if err := m.SetState(StateRunning); err == nil {
		t.Errorf("failed is terminal")
	}
	if m.IsOperational() {
		t.Errorf("failed node must not be operational")
	}
}

const alpha = quantum.NodeID("alpha")

func chain(n int) []*quantum.Quantum {
	var prior quantum.Hash
	var out []*quantum.Quantum
	for i := 1; i <= n; i++ {
		q := &quantum.Quantum{Payload: quantum.NewAccountCreatePayload(common.HexToAddress("0x0a"), uint64(i))}
		q.Seal(quantum.Apex(i), prior, int64(i))
		_ = q.AddSignature(quantum.NodeSignature{Signer: alpha, Signature: []byte{1}})
		prior = q.Hash
		out = append(out, q)
	}
	return out
}

type fakeTarget struct {
	restored quantum.Apex
	replayed []quantum.Apex
}

func (f *fakeTarget) RestoreSnapshot(apex quantum.Apex, _ quantum.Hash, _ []byte) (quantum.Hash, error) {
	f.restored = apex
	f.replayed = nil
	return quantum.Hash{}, nil
}

func (f *fakeTarget) Replay(q *quantum.Quantum) error {
	f.replayed = append(f.replayed, q.Apex)
	return nil
}

type requesterFunc func(ctx context.Context) error

func (f requesterFunc) RequestStates(ctx context.Context) error { return f(ctx) }

func newCatchup(total int, req StateRequester, target Target, clock util.Clock) (*Catchup, *StateManager) {
	sm := NewStateManager(nil)
	c := NewCatchup(CatchupConfig{Total: total, Alpha: alpha, Timeout: time.Second}, sm, req, target, clock, nil)
	return c, sm
}

func TestCatchup_FiveNodesThreeAgree(t *testing.T) {
	qs := chain(3)
	target := &fakeTarget{}
	var c *Catchup
	c, sm := newCatchup(5, requesterFunc(func(context.Context) error {
		c.AddReport(&PeerState{Node: "n2", Apex: 3, Quanta: qs})
		c.AddReport(&PeerState{Node: "n3", Apex: 1, Quanta: qs[:1]})
		return nil
	}), target, util.RealClock{})

	res, err := c.Run(context.Background(), &PeerState{Node: "n1", Apex: 2, Quanta: qs[:2]})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.LastApex != 3 || res.Replayed != 3 || res.Agreeing != 3 {
		t.Errorf("result = %+v", res)
	}
	if len(target.replayed) != 3 || target.replayed[2] != 3 {
		t.Errorf("replayed = %v", target.replayed)
	}
	if sm.State() != StateRunning {
		t.Errorf("state = %s, want running", sm.State())
	}
}

func TestCatchup_WaitsAndRerequestsOnTimeout(t *testing.T) {
	clock := util.NewManualClock(time.Unix(0, 0))
	requests := 0
	var c *Catchup
	c, _ = newCatchup(5, requesterFunc(func(context.Context) error {
		requests++
		c.AddReport(&PeerState{Node: quantum.NodeID(rune('a' + requests))})
		return nil
	}), &fakeTarget{}, clock)

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), &PeerState{Node: "self"})
		done <- err
	}()

	deadline := time.After(5 * time.Second)
	for c.Decision() != DecisionSuccess {
		if clock.Pending() > 0 {
			clock.Advance(time.Second)
		}
		select {
		case <-deadline:
			t.Fatalf("no decision reached")
		case <-time.After(time.Millisecond):
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
}

func TestCatchup_UnreachableFailsNode(t *testing.T) {
	var c *Catchup
	c, sm := newCatchup(5, requesterFunc(func(context.Context) error {
		for i, h := range []quantum.Hash{{1}, {2}, {3}} {
			c.AddReport(&PeerState{Node: quantum.NodeID(rune('b' + i)), SnapshotApex: 7, SnapshotHash: h})
		}
		return nil
	}), &fakeTarget{}, util.RealClock{})

	_, err := c.Run(context.Background(), &PeerState{Node: "a"})
	if !errors.Is(err, ErrMajorityUnreachable) {
		t.Fatalf("err = %v, want unreachable", err)
	}
	if sm.State() != StateFailed {
		t.Errorf("state = %s, want failed", sm.State())
	}
}

func TestCatchup_ConflictingAlphaQuantaFailNode(t *testing.T) {
	honest := chain(2)
	forged := &quantum.Quantum{Payload: quantum.NewAccountCreatePayload(common.HexToAddress("0x0b"), 9)}
	forged.Seal(2, honest[0].Hash, 2)
	_ = forged.AddSignature(quantum.NodeSignature{Signer: alpha, Signature: []byte{2}})

	var c *Catchup
	c, sm := newCatchup(3, requesterFunc(func(context.Context) error {
		c.AddReport(&PeerState{Node: "b", Quanta: []*quantum.Quantum{honest[0], forged}})
		return nil
	}), &fakeTarget{}, util.RealClock{})

	_, err := c.Run(context.Background(), &PeerState{Node: "a", Quanta: honest})
	if !errors.Is(err, ErrKeyCompromised) {
		t.Fatalf("err = %v, want key compromised", err)
	}
	if sm.State() != StateFailed {
		t.Errorf("state = %s, want failed", sm.State())
	}
}

func TestCatchup_DropsUnsignedQuanta(t *testing.T) {
	qs := chain(2)
	unsigned := qs[1].Clone()
	unsigned.Signatures = nil
	target := &fakeTarget{}
	c, _ := newCatchup(1, nil, target, util.RealClock{})

	res, err := c.Run(context.Background(), &PeerState{Node: "a", Quanta: []*quantum.Quantum{qs[0], unsigned}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.LastApex != 1 {
		t.Errorf("last apex = %d, want 1", res.LastApex)
	}
}
