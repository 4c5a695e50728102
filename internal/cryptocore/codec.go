package cryptocore

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type encoder struct {
	b []byte
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if v {
		e.uint(num, 1)
	}
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) message(num protowire.Number, fn func(*encoder)) {
	var inner encoder
	fn(&inner)
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, inner.b)
}

// field is one decoded wire field. Only varint and length-delimited fields are
// produced; other wire types are skipped.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	value uint64
	raw   []byte
}

func decodeFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidState, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.value, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				b = b[n:]
				continue
			}
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrInvalidState, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) bytes() []byte {
	return append([]byte(nil), f.raw...)
}

func (f field) uint32() (uint32, error) {
	if f.value > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: field %d overflows uint32", ErrInvalidState, f.num)
	}
	return uint32(f.value), nil
}

func (f field) key32() ([32]byte, error) {
	var k [32]byte
	if len(f.raw) != len(k) {
		return k, fmt.Errorf("%w: field %d is %d bytes, want 32", ErrInvalidState, f.num, len(f.raw))
	}
	copy(k[:], f.raw)
	return k, nil
}

func checkVersion(f field, want uint64) error {
	if f.value != want {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidState, f.value)
	}
	return nil
}
