// Package xdr implements the subset of RFC 4506 External Data
// Representation the ONC-RPC server needs: big-endian fixed-width
// integers and 4-byte-padded opaque/variable-length data.
package xdr

import (
	"encoding/binary"

	"github.com/joeycumines/go-netloop/neterr"
)

// RoundUpPow2 rounds num up to the nearest multiple of 1<<bits. With
// bits == 2 this is XDR's 4-byte alignment rule.
func RoundUpPow2(num uint32, bits uint) uint32 {
	return ((num + (1 << bits) - 1) >> bits) << bits
}

// PadLen4 returns the number of zero padding bytes needed after n bytes
// of opaque data to reach a 4-byte boundary.
func PadLen4(n uint32) uint32 {
	return RoundUpPow2(n, 2) - n
}

// Encoder appends XDR-encoded values to an in-memory buffer; the Put
// methods chain.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with an empty internal buffer.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the accumulated encoded output.
func (e *Encoder) Bytes() []byte { return e.buf }

// PutUint32 appends a big-endian u32.
func (e *Encoder) PutUint32(v uint32) *Encoder {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

// PutInt32 appends a big-endian i32.
func (e *Encoder) PutInt32(v int32) *Encoder {
	return e.PutUint32(uint32(v))
}

// PutUint64 appends a big-endian u64.
func (e *Encoder) PutUint64(v uint64) *Encoder {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

// PutBool appends a u32-encoded boolean (0 or 1).
func (e *Encoder) PutBool(v bool) *Encoder {
	if v {
		return e.PutUint32(1)
	}
	return e.PutUint32(0)
}

// PutFixedOpaque appends bytes as-is, zero-padded to a 4-byte boundary,
// without a length prefix.
func (e *Encoder) PutFixedOpaque(bytes []byte) *Encoder {
	e.buf = append(e.buf, bytes...)
	pad := PadLen4(uint32(len(bytes)))
	for i := uint32(0); i < pad; i++ {
		e.buf = append(e.buf, 0)
	}
	return e
}

// PutOpaque appends a u32 length prefix followed by the bytes, zero-padded
// to a 4-byte boundary.
func (e *Encoder) PutOpaque(bytes []byte) *Encoder {
	e.PutUint32(uint32(len(bytes)))
	return e.PutFixedOpaque(bytes)
}

// PutString appends bytes as an XDR opaque<> (length-prefixed, padded).
func (e *Encoder) PutString(s string) *Encoder {
	return e.PutOpaque([]byte(s))
}

// ParseUint32 decodes a big-endian u32 from a 4-byte slice. Panics (a
// programming error, not a protocol error) if len(b) != 4; callers are
// expected to have already obtained exactly 4 bytes from a byte source.
func ParseUint32(b []byte) uint32 {
	if len(b) != 4 {
		panic("xdr: ParseUint32 requires exactly 4 bytes")
	}
	return binary.BigEndian.Uint32(b)
}

// ParseInt32 decodes a big-endian i32 from a 4-byte slice.
func ParseInt32(b []byte) int32 {
	return int32(ParseUint32(b))
}

// ParseUint64 decodes a big-endian u64 from an 8-byte slice.
func ParseUint64(b []byte) uint64 {
	if len(b) != 8 {
		panic("xdr: ParseUint64 requires exactly 8 bytes")
	}
	return binary.BigEndian.Uint64(b)
}

// PutOptional encodes an XDR optional-data union: a u32 discriminant (1 if
// present, 0 otherwise) followed by put(*v) when present.
func PutOptional[T any](e *Encoder, v *T, put func(*Encoder, T)) *Encoder {
	if v == nil {
		return e.PutBool(false)
	}
	e.PutBool(true)
	put(e, *v)
	return e
}

// DecodeOptional reads an XDR optional-data union written by PutOptional:
// a u32 discriminant via read, then get(read) when the discriminant is 1.
// Any discriminant other than 0 or 1 is a protocol error.
func DecodeOptional[T any](read func(n uint32) ([]byte, error), get func(read func(n uint32) ([]byte, error)) (T, error)) (*T, error) {
	b, err := read(4)
	if err != nil {
		return nil, err
	}
	switch ParseUint32(b) {
	case 0:
		return nil, nil
	case 1:
		v, err := get(read)
		if err != nil {
			return nil, err
		}
		return &v, nil
	default:
		return nil, neterr.NewMalformedRequest("invalid optional-data discriminant")
	}
}

// VariableOpaque reads a u32 length (rejecting lengths over maxLength),
// then that many payload bytes via read, then discards the 4-byte
// padding remainder via read. read is expected to block/suspend as
// needed to satisfy exact byte counts (e.g. Conn.Read or a Generator
// pull).
func VariableOpaque(read func(n uint32) ([]byte, error), maxLength uint32) ([]byte, error) {
	lenBytes, err := read(4)
	if err != nil {
		return nil, err
	}
	length := ParseUint32(lenBytes)
	if length > maxLength {
		return nil, neterr.NewMalformedRequest("opaque length too long")
	}
	data, err := read(length)
	if err != nil {
		return nil, err
	}
	if pad := PadLen4(length); pad > 0 {
		if _, err := read(pad); err != nil {
			return nil, err
		}
	}
	return data, nil
}
