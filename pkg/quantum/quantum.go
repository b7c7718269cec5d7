package quantum

import (
	"crypto/sha256"
	"errors"
)

var ErrDuplicateSignature = errors.New("duplicate signature")

type NodeSignature struct {
	Signer    NodeID
	Signature []byte
}

// ApexSignature is a node signature detached from its quantum, as exchanged
// between auditors and the alpha.
type ApexSignature struct {
	Apex      Apex
	Signature NodeSignature
}

// Quantum is one entry of the replicated log.
type Quantum struct {
	Apex       Apex
	Payload    Payload
	Timestamp  int64 // unix millis, fixed when the alpha first processes the quantum
	PriorHash  Hash
	Hash       Hash
	Signatures []NodeSignature
}

// ComputeHash returns SHA-256(payload ‖ timestamp ‖ apex ‖ prior hash).
func (q *Quantum) ComputeHash() Hash {
	var e Encoder
	q.Payload.Encode(&e)
	e.PutInt64(q.Timestamp)
	e.PutUint64(uint64(q.Apex))
	e.PutHash(q.PriorHash)
	return sha256.Sum256(e.Bytes())
}

// Seal fixes the position of the quantum in the chain and computes its hash.
func (q *Quantum) Seal(apex Apex, prior Hash, timestamp int64) {
	q.Apex = apex
	q.PriorHash = prior
	q.Timestamp = timestamp
	q.Hash = q.ComputeHash()
}

func (q *Quantum) VerifyHash() bool { return q.Hash == q.ComputeHash() }

// AddSignature appends sig unless the signer already signed.
func (q *Quantum) AddSignature(sig NodeSignature) error {
	if q.HasSignature(sig.Signer) {
		return ErrDuplicateSignature
	}
	q.Signatures = append(q.Signatures, sig)
	return nil
}

func (q *Quantum) HasSignature(node NodeID) bool {
	_, ok := q.Signature(node)
	return ok
}

func (q *Quantum) Signature(node NodeID) ([]byte, bool) {
	for _, s := range q.Signatures {
		if s.Signer == node {
			return s.Signature, true
		}
	}
	return nil, false
}

func (q *Quantum) SignerCount() int { return len(q.Signatures) }

// IsConfirmed reports whether at least quorum nodes signed the quantum.
func (q *Quantum) IsConfirmed(quorum int) bool { return quorum > 0 && len(q.Signatures) >= quorum }

// Clone copies the quantum and its signature list. The payload is shared; it
// is never mutated once sealed.
func (q *Quantum) Clone() *Quantum {
	c := *q
	c.Signatures = make([]NodeSignature, len(q.Signatures))
	copy(c.Signatures, q.Signatures)
	return &c
}
