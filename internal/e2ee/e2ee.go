// Package e2ee seals individual media frames under a group member's frame
// key and tags them with the epoch that key belongs to.
//
// A sealed frame is laid out as
//
//	ciphertext | tag(16) | ULEB128 nonce | ULEB128 epoch | size(1) | 0xFA 0xFA
//
// where size counts the trailer from the first varint through the marker.
package e2ee

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/glizzus/voicecore/internal/errs"
	"github.com/glizzus/voicecore/internal/varint"
)

const (
	KeySize = 32
	TagSize = 16

	fixedTrailer = 3
)

var marker = []byte{0xfa, 0xfa}

// silence is the Opus frame clients send between talk spurts. It is
// never encrypted.
var silence = []byte{0xf8, 0xff, 0xfe}

var (
	ErrNotEncrypted = errors.New("frame carries no e2ee trailer")
	ErrDecrypt      = errors.New("frame failed e2ee authentication")
)

// DeriveKey expands a member's sender secret into a frame key.
func DeriveKey(senderSecret []byte, userID string) ([]byte, error) {
	r := hkdf.New(sha256.New, senderSecret, nil, []byte("voicecore frame key "+userID))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive frame key: %w", err)
	}
	return key, nil
}

// FrameCipher seals and opens frames for one member in one epoch.
type FrameCipher struct {
	epoch uint64
	aead  cipher.AEAD
}

// NewFrameCipher returns a cipher for key, tagging frames with epoch.
func NewFrameCipher(key []byte, epoch uint64) (*FrameCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("frame key of %d bytes, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &FrameCipher{epoch: epoch, aead: aead}, nil
}

// Epoch returns the epoch this cipher tags frames with.
func (c *FrameCipher) Epoch() uint64 {
	return c.epoch
}

func gcmNonce(counter uint32) []byte {
	nonce := make([]byte, 12)
	nonce[8] = byte(counter >> 24)
	nonce[9] = byte(counter >> 16)
	nonce[10] = byte(counter >> 8)
	nonce[11] = byte(counter)
	return nonce
}

// Seal encrypts a media frame. Silence frames are returned unchanged.
func (c *FrameCipher) Seal(counter uint32, frame []byte) []byte {
	if IsSilence(frame) {
		return frame
	}
	trailer := varint.AppendUint64(nil, uint64(counter))
	trailer = varint.AppendUint64(trailer, c.epoch)

	out := make([]byte, 0, len(frame)+TagSize+len(trailer)+fixedTrailer)
	out = c.aead.Seal(out, gcmNonce(counter), frame, trailer)
	out = append(out, trailer...)
	out = append(out, byte(len(trailer)+fixedTrailer))
	return append(out, marker...)
}

// Open authenticates and decrypts a sealed frame.
func (c *FrameCipher) Open(frame []byte) ([]byte, error) {
	t, err := parseTrailer(frame)
	if err != nil {
		return nil, err
	}
	if t.epoch != c.epoch {
		return nil, fmt.Errorf("frame epoch %d, key epoch %d: %w", t.epoch, c.epoch, ErrDecrypt)
	}
	plain, err := c.aead.Open(nil, gcmNonce(t.counter), t.sealed, t.aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

type trailer struct {
	sealed  []byte
	aad     []byte
	counter uint32
	epoch   uint64
}

func parseTrailer(frame []byte) (trailer, error) {
	if !IsEncrypted(frame) {
		return trailer{}, ErrNotEncrypted
	}
	size := int(frame[len(frame)-fixedTrailer])
	if size < fixedTrailer+2 || size+TagSize > len(frame) {
		return trailer{}, fmt.Errorf("trailer size %d in %d byte frame: %w", size, len(frame), errs.ErrProtocolViolation)
	}
	start := len(frame) - size
	aad := frame[start : len(frame)-fixedTrailer]

	counter, n, err := varint.Uint32(aad)
	if err != nil {
		return trailer{}, fmt.Errorf("frame nonce: %w", err)
	}
	epoch, m, err := varint.Uint64(aad[n:])
	if err != nil {
		return trailer{}, fmt.Errorf("frame epoch: %w", err)
	}
	if n+m != len(aad) {
		return trailer{}, fmt.Errorf("trailer has %d unparsed bytes: %w", len(aad)-n-m, errs.ErrProtocolViolation)
	}
	return trailer{
		sealed:  frame[:start],
		aad:     aad,
		counter: counter,
		epoch:   epoch,
	}, nil
}

// IsEncrypted reports whether frame ends with the e2ee marker.
func IsEncrypted(frame []byte) bool {
	return len(frame) >= TagSize+fixedTrailer && bytes.HasSuffix(frame, marker)
}

// IsSilence reports whether frame is the Opus silence frame.
func IsSilence(frame []byte) bool {
	return bytes.Equal(frame, silence)
}

// FrameEpoch returns the epoch tag of a sealed frame.
func FrameEpoch(frame []byte) (uint64, error) {
	t, err := parseTrailer(frame)
	if err != nil {
		return 0, err
	}
	return t.epoch, nil
}
