package quantum

import (
	"encoding/hex"
	"fmt"
)

// Apex is the position of a quantum in the log. Apex 0 means "nothing yet".
type Apex uint64

// Hash is a SHA-256 digest.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("decode hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// NodeID is the hex encoded ed25519 public key of a constellation node.
type NodeID string

func (id NodeID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

type Side uint8

const (
	Buy  Side = 1
	Sell Side = 2
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// TimeInForce controls what happens to the unfilled remainder of an order.
type TimeInForce uint8

const (
	// GoodTillExpire rests the remainder on the book.
	GoodTillExpire TimeInForce = iota
	// ImmediateOrCancel discards the remainder.
	ImmediateOrCancel
)

func (t TimeInForce) String() string {
	if t == ImmediateOrCancel {
		return "ioc"
	}
	return "gte"
}
