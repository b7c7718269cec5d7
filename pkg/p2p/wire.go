package p2p

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/uhyunpark/quantaledger/pkg/consensus"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// maxMessage bounds a single envelope. Rising reports carry a full snapshot.
const maxMessage = 64 << 20

var ErrRejected = errors.New("rejected by peer")

// Hello is exchanged whenever two nodes (re)connect so that each side can
// position its replication cursor for the other.
type Hello struct {
	Apex quantum.Apex // sender's last apex
	// Signed is the highest apex at which the sender holds the receiver's
	// signature.
	Signed quantum.Apex
}

type kind uint8

const (
	kindHello kind = iota + 1
	kindQuanta
	kindSignatures
	kindState
)

// request is the envelope written on every outbound stream. Kind selects
// the populated field.
type request struct {
	Kind       kind
	Hello      *Hello
	Quanta     []*quantum.Quantum
	Signatures []quantum.ApexSignature
	State      *consensus.PeerState
}

type reply struct {
	Code  quantum.StatusCode
	Error string
	Hello *Hello
}

func (r *reply) hello() Hello {
	if r.Hello == nil {
		return Hello{}
	}
	return *r.Hello
}

func (r *reply) err() error {
	if r.Code == quantum.StatusSuccess {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrRejected, r.Code, r.Error)
}

func replyFor(err error) *reply {
	if err == nil {
		return &reply{}
	}
	return &reply{Code: quantum.StatusOf(err), Error: err.Error()}
}

// stateRequest is gossiped by a rising node. The requester is taken from the
// authenticated message origin, not from the payload.
type stateRequest struct {
	Nonce uint64
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func readMsg(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, maxMessage+1))
	if err != nil {
		return err
	}
	if len(data) > maxMessage {
		return fmt.Errorf("message exceeds %d bytes", maxMessage)
	}
	return gobDecode(data, v)
}

// roundTrip passes v through the wire codec, returning an independent copy.
func roundTrip[T any](v T) (T, error) {
	var out T
	data, err := gobEncode(v)
	if err != nil {
		return out, err
	}
	err = gobDecode(data, &out)
	return out, err
}
