package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// NodeKey is the ed25519 identity of a constellation node. The hex encoded
// public key is the node id.
type NodeKey struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   quantum.NodeID
}

func GenerateNodeKey() (*NodeKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	return &NodeKey{priv: priv, pub: pub, id: quantum.NodeID(hex.EncodeToString(pub))}, nil
}

// NodeKeyFromSeed derives the key from a 32 byte hex encoded seed.
func NodeKeyFromSeed(seedHex string) (*NodeKey, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode node seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("node seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, priv[ed25519.SeedSize:])
	return &NodeKey{priv: priv, pub: pub, id: quantum.NodeID(hex.EncodeToString(pub))}, nil
}

func (k *NodeKey) NodeID() quantum.NodeID { return k.id }

func (k *NodeKey) SeedHex() string { return hex.EncodeToString(k.priv[:ed25519.SeedSize]) }

// PrivateKey returns the raw 64 byte key (seed followed by public key).
func (k *NodeKey) PrivateKey() []byte { return append([]byte(nil), k.priv...) }

func (k *NodeKey) Sign(msg []byte) []byte { return ed25519.Sign(k.priv, msg) }

// SignQuantum returns this node's signature over the quantum hash.
func (k *NodeKey) SignQuantum(q *quantum.Quantum) quantum.NodeSignature {
	return quantum.NodeSignature{Signer: k.id, Signature: k.Sign(q.Hash[:])}
}

// VerifyNodeSignature checks an ed25519 signature against a node id.
func VerifyNodeSignature(id quantum.NodeID, msg, sig []byte) bool {
	pub, err := hex.DecodeString(string(id))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// VerifyQuantumSignature checks sig against the hash of q.
func VerifyQuantumSignature(q *quantum.Quantum, sig quantum.NodeSignature) bool {
	return VerifyNodeSignature(sig.Signer, q.Hash[:], sig.Signature)
}
