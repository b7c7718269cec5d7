package quantum

import (
	"bytes"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Encoder produces the canonical byte form used for hashing and signing.
// Variable length values are prefixed with a big-endian uint32 length.
type Encoder struct {
	buf bytes.Buffer
}

func (e *Encoder) PutUint8(v uint8) { e.buf.WriteByte(v) }

func (e *Encoder) PutUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) PutInt64(v int64) { e.PutUint64(uint64(v)) }

func (e *Encoder) PutBool(v bool) {
	if v {
		e.buf.WriteByte(1)
		return
	}
	e.buf.WriteByte(0)
}

func (e *Encoder) PutBytes(v []byte) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(len(v)))
	e.buf.Write(b[:])
	e.buf.Write(v)
}

func (e *Encoder) PutString(v string) { e.PutBytes([]byte(v)) }

// PutDecimal writes the shortest string form, so 10 and 10.00 encode the same.
func (e *Encoder) PutDecimal(d decimal.Decimal) { e.PutString(d.String()) }

func (e *Encoder) PutAddress(a common.Address) { e.buf.Write(a[:]) }

func (e *Encoder) PutHash(h Hash) { e.buf.Write(h[:]) }

func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }
