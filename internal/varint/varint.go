package varint

import (
	"fmt"

	"github.com/glizzus/voicecore/internal/errs"
)

// Maximum encoded lengths for each width.
const (
	MaxLen32 = 5
	MaxLen64 = 10
)

// Size64 returns the number of bytes needed to encode v.
func Size64(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// Size32 returns the number of bytes needed to encode v.
func Size32(v uint32) int {
	return Size64(uint64(v))
}

// PutUint64 encodes v into buf and returns the number of bytes written.
func PutUint64(buf []byte, v uint64) (int, error) {
	n := Size64(v)
	if len(buf) < n {
		return 0, fmt.Errorf("varint needs %d bytes, have %d: %w", n, len(buf), errs.ErrBufferTooSmall)
	}
	i := 0
	for v >= 0x80 {
		buf[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return n, nil
}

// PutUint32 encodes v into buf and returns the number of bytes written.
func PutUint32(buf []byte, v uint32) (int, error) {
	return PutUint64(buf, uint64(v))
}

// AppendUint64 appends the encoding of v to buf.
func AppendUint64(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// Uint64 decodes a value from the start of buf and returns it together with
// the number of bytes consumed.
func Uint64(buf []byte) (uint64, int, error) {
	return read(buf, 64, MaxLen64)
}

// Uint32 decodes a value from the start of buf and returns it together with
// the number of bytes consumed.
func Uint32(buf []byte) (uint32, int, error) {
	v, n, err := read(buf, 32, MaxLen32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(v), n, nil
}

func read(buf []byte, bits uint, maxLen int) (uint64, int, error) {
	var v uint64
	var shift uint
	for i := 0; i < maxLen; i++ {
		if i >= len(buf) {
			return 0, 0, fmt.Errorf("varint truncated after %d bytes: %w", i, errs.ErrMalformedVarint)
		}
		b := buf[i]
		if i == maxLen-1 {
			// the last permitted byte may only carry the bits left in the width
			if b&0x80 != 0 || uint64(b)>>(bits-shift) != 0 {
				return 0, 0, fmt.Errorf("varint exceeds %d bits: %w", bits, errs.ErrMalformedVarint)
			}
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("varint exceeds %d bytes: %w", maxLen, errs.ErrMalformedVarint)
}
