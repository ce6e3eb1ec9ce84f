// Package rtpframe locates the header, ciphertext, extension and nonce
// regions of voice RTP frames, and writes outbound RTP headers.
package rtpframe

import (
	"encoding/binary"
	"fmt"

	"github.com/glizzus/voicecore/internal/errs"
)

const (
	// HeaderSize is the fixed RTP header without CSRCs or extension.
	HeaderSize = 12

	// ExtensionPreambleSize covers the 0xBEDE profile marker and the
	// extension length in 32-bit words.
	ExtensionPreambleSize = 4

	versionFlags = 0x80
	payloadType  = 0x78

	extensionBit  = 0x10
	csrcCountMask = 0x0f
)

// Flags alter how a frame is laid out.
type Flags uint8

const (
	// FlagEncryptedExtension marks frames from the legacy xsalsa20 modes,
	// where the extension preamble is encrypted along with the payload and
	// can only be located after decryption.
	FlagEncryptedExtension Flags = 1 << iota
)

// Range is a half-open byte range [Start, End) into a frame.
type Range struct {
	Start int
	End   int
}

// Len returns the number of bytes covered by r.
func (r Range) Len() int {
	return r.End - r.Start
}

// Of returns the bytes of b covered by r.
func (r Range) Of(b []byte) []byte {
	return b[r.Start:r.End]
}

// Info is a view over a single wire frame. Header, Ciphertext and Nonce
// partition the frame. ExtensionHeader, when present, lies at the start
// of Ciphertext.
type Info struct {
	Header          Range
	Ciphertext      Range
	ExtensionHeader Range
	Nonce           Range

	// ExtensionLength is the extension payload length in bytes, or 0 when
	// the frame carries no extension.
	ExtensionLength int
}

// Parse computes the regions of frame for a mode whose trailing nonce is
// nonceSize bytes long.
func Parse(frame []byte, nonceSize int, flags Flags) (Info, error) {
	if nonceSize < 0 {
		return Info{}, fmt.Errorf("negative nonce size %d: %w", nonceSize, errs.ErrProtocolViolation)
	}
	if len(frame) < HeaderSize+nonceSize {
		return Info{}, fmt.Errorf("frame of %d bytes is shorter than its header: %w", len(frame), errs.ErrProtocolViolation)
	}
	if frame[0]>>6 != 2 {
		return Info{}, fmt.Errorf("unsupported rtp version %d: %w", frame[0]>>6, errs.ErrProtocolViolation)
	}

	headerLen := HeaderSize + 4*int(frame[0]&csrcCountMask)
	extLen := 0
	hasExtension := frame[0]&extensionBit != 0

	if hasExtension && flags&FlagEncryptedExtension == 0 {
		if len(frame) < headerLen+ExtensionPreambleSize+nonceSize {
			return Info{}, fmt.Errorf("frame of %d bytes truncates its extension preamble: %w", len(frame), errs.ErrProtocolViolation)
		}
		extLen = 4 * int(binary.BigEndian.Uint16(frame[headerLen+2:]))
		headerLen += ExtensionPreambleSize
	}

	end := len(frame) - nonceSize
	if headerLen > end {
		return Info{}, fmt.Errorf("frame of %d bytes is shorter than its header: %w", len(frame), errs.ErrProtocolViolation)
	}
	if headerLen+extLen > end {
		return Info{}, fmt.Errorf("extension of %d bytes overruns the ciphertext: %w", extLen, errs.ErrProtocolViolation)
	}

	return Info{
		Header:          Range{Start: 0, End: headerLen},
		Ciphertext:      Range{Start: headerLen, End: end},
		ExtensionHeader: Range{Start: headerLen, End: headerLen + extLen},
		Nonce:           Range{Start: end, End: len(frame)},
		ExtensionLength: extLen,
	}, nil
}

// StripExtension removes a leading extension block from a decrypted
// legacy-mode payload. The header byte tells whether one is present.
func StripExtension(firstHeaderByte byte, plaintext []byte) ([]byte, error) {
	if firstHeaderByte&extensionBit == 0 {
		return plaintext, nil
	}
	if len(plaintext) < ExtensionPreambleSize {
		return nil, fmt.Errorf("payload of %d bytes truncates its extension: %w", len(plaintext), errs.ErrProtocolViolation)
	}
	n := ExtensionPreambleSize + 4*int(binary.BigEndian.Uint16(plaintext[2:]))
	if n > len(plaintext) {
		return nil, fmt.Errorf("extension of %d bytes overruns the payload: %w", n, errs.ErrProtocolViolation)
	}
	return plaintext[n:], nil
}

// Header holds the variable fields of an outbound voice header.
type Header struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
}

// WriteHeader writes h into the first 12 bytes of buf.
func WriteHeader(buf []byte, h Header) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("rtp header needs %d bytes, have %d: %w", HeaderSize, len(buf), errs.ErrBufferTooSmall)
	}
	buf[0] = versionFlags
	buf[1] = payloadType
	binary.BigEndian.PutUint16(buf[2:], h.Sequence)
	binary.BigEndian.PutUint32(buf[4:], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:], h.SSRC)
	return nil
}

// ReadHeader reads the fixed fields of a frame header.
func ReadHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, fmt.Errorf("frame of %d bytes is shorter than its header: %w", len(frame), errs.ErrProtocolViolation)
	}
	return Header{
		Sequence:  binary.BigEndian.Uint16(frame[2:]),
		Timestamp: binary.BigEndian.Uint32(frame[4:]),
		SSRC:      binary.BigEndian.Uint32(frame[8:]),
	}, nil
}
