// Package wire implements the tagged-union record encoding and the
// length-prefixed framed transport for the protocol's byte stream.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Tag discriminates the three wire record variants.
type Tag uint8

const (
	TagEncrypted   Tag = 1
	TagDhOffer     Tag = 2
	TagDhResponse  Tag = 3
)

// MacLen is the fixed width of a MAC tag and of a revealed MAC key, in bytes.
const MacLen = 64

// MaxRecordLen bounds a single decoded record's total wire size so that a
// corrupt or hostile length prefix can be rejected before any allocation.
const MaxRecordLen = 16 << 20 // 16 MiB

// Record is the tagged union described by the specification: Encrypted,
// DhOffer, or DhResponse.
type Record struct {
	Tag Tag

	// Encrypted fields.
	Content   []byte
	Mac       [MacLen]byte
	OldMacKey [MacLen]byte

	// DhOffer / DhResponse fields.
	PublicKey []byte
	Signature []byte
}

// Encode renders a Record into its canonical deterministic byte encoding:
// a one-byte tag followed by each field as a 4-byte big-endian length
// prefix plus the field bytes, in struct-declaration order for the
// variant. Fixed-width fields (Mac, OldMacKey) are still length-prefixed
// for a single, uniform decoder — the prefix is simply always MacLen.
func (r *Record) Encode() []byte {
	switch r.Tag {
	case TagEncrypted:
		return encodeFields(byte(r.Tag), r.Content, r.Mac[:], r.OldMacKey[:])
	case TagDhOffer, TagDhResponse:
		return encodeFields(byte(r.Tag), r.PublicKey, r.Signature)
	default:
		panic(fmt.Sprintf("wire: unknown tag %d", r.Tag))
	}
}

func encodeFields(tag byte, fields ...[]byte) []byte {
	size := 1
	for _, f := range fields {
		size += 4 + len(f)
	}
	out := make([]byte, size)
	out[0] = tag
	off := 1
	for _, f := range fields {
		binary.BigEndian.PutUint32(out[off:], uint32(len(f)))
		off += 4
		copy(out[off:], f)
		off += len(f)
	}
	return out
}

// Decode parses the canonical encoding produced by Encode. A malformed
// record (truncated, over-long field, unknown tag, wrong field count for
// its tag) yields a non-nil error; the caller treats this as the
// `deserialize-error` soft failure and drops the record.
func Decode(b []byte) (*Record, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("wire: empty record")
	}
	tag := Tag(b[0])
	rest := b[1:]

	switch tag {
	case TagEncrypted:
		fields, err := readFields(rest, 3)
		if err != nil {
			return nil, fmt.Errorf("wire: decode Encrypted: %w", err)
		}
		if len(fields[1]) != MacLen || len(fields[2]) != MacLen {
			return nil, fmt.Errorf("wire: Encrypted mac/old_mac_key must be %d bytes", MacLen)
		}
		r := &Record{Tag: TagEncrypted, Content: fields[0]}
		copy(r.Mac[:], fields[1])
		copy(r.OldMacKey[:], fields[2])
		return r, nil

	case TagDhOffer, TagDhResponse:
		fields, err := readFields(rest, 2)
		if err != nil {
			return nil, fmt.Errorf("wire: decode DH record: %w", err)
		}
		return &Record{Tag: tag, PublicKey: fields[0], Signature: fields[1]}, nil

	default:
		return nil, fmt.Errorf("wire: unknown tag %d", tag)
	}
}

func readFields(b []byte, count int) ([][]byte, error) {
	fields := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("truncated length prefix for field %d", i)
		}
		n := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint64(n) > uint64(len(b)) {
			return nil, fmt.Errorf("field %d length %d exceeds remaining %d bytes", i, n, len(b))
		}
		fields = append(fields, b[:n])
		b = b[n:]
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d fields", len(b), count)
	}
	return fields, nil
}
