package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func apexKey(a quantum.Apex) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(a))
	return k[:]
}

func apexFromKey(b []byte) quantum.Apex {
	if len(b) < 8 {
		return 0
	}
	return quantum.Apex(binary.BigEndian.Uint64(b[:8]))
}
