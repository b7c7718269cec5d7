package storage

import "github.com/uhyunpark/quantaledger/pkg/quantum"

// Key schema for Pebble storage:
//
//	q:<apex>           → Quantum (gob)
//	e:<apex>           → []Effect (gob)
//	s:<apex><signer>   → signature bytes added after the quantum was saved
//	snap:<apex>        → encoded ledger snapshot
//	meta:last          → last saved apex
//	meta:snap          → apex of the newest snapshot
const (
	prefixQuantum   = "q:"
	prefixEffects   = "e:"
	prefixSignature = "s:"
	prefixSnapshot  = "snap:"
)

var (
	keyLastApex     = []byte("meta:last")
	keyLastSnapshot = []byte("meta:snap")
)

func withApex(prefix string, a quantum.Apex) []byte {
	return append([]byte(prefix), apexKey(a)...)
}

func quantumKey(a quantum.Apex) []byte  { return withApex(prefixQuantum, a) }
func effectsKey(a quantum.Apex) []byte  { return withApex(prefixEffects, a) }
func snapshotKey(a quantum.Apex) []byte { return withApex(prefixSnapshot, a) }

func signaturePrefix(a quantum.Apex) []byte { return withApex(prefixSignature, a) }

func signatureKey(a quantum.Apex, signer quantum.NodeID) []byte {
	return append(signaturePrefix(a), signer...)
}

// keyUpperBound returns the smallest key greater than every key with prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
