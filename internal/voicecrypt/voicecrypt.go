// Package voicecrypt implements the transport encryption modes a voice
// server can select in its session description.
package voicecrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/glizzus/voicecore/internal/errs"
	"github.com/glizzus/voicecore/internal/rtpframe"
)

// Mode is the wire name of an encryption mode.
type Mode string

const (
	ModeAES256GCMRTPSize         Mode = "aead_aes256_gcm_rtpsize"
	ModeXChaCha20Poly1305RTPSize Mode = "aead_xchacha20_poly1305_rtpsize"
	ModeXSalsa20Poly1305Lite     Mode = "xsalsa20_poly1305_lite"
	ModeXSalsa20Poly1305Suffix   Mode = "xsalsa20_poly1305_suffix"
	ModeXSalsa20Poly1305         Mode = "xsalsa20_poly1305"
)

// KeySize is the length of the session secret key.
const KeySize = 32

const (
	counterNonceSize = 4
	randomNonceSize  = 24
)

// Preferred lists supported modes, most preferred first.
var Preferred = []Mode{
	ModeAES256GCMRTPSize,
	ModeXChaCha20Poly1305RTPSize,
	ModeXSalsa20Poly1305Lite,
	ModeXSalsa20Poly1305Suffix,
	ModeXSalsa20Poly1305,
}

var ErrNoCommonMode = errors.New("no supported encryption mode offered")

// Select returns the most preferred mode among those offered.
func Select(offered []string) (Mode, error) {
	for _, m := range Preferred {
		if slices.Contains(offered, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("offered %v: %w", offered, ErrNoCommonMode)
}

// NonceSize returns the number of trailing nonce bytes the mode appends to
// each frame.
func (m Mode) NonceSize() int {
	switch m {
	case ModeAES256GCMRTPSize, ModeXChaCha20Poly1305RTPSize, ModeXSalsa20Poly1305Lite:
		return counterNonceSize
	case ModeXSalsa20Poly1305Suffix:
		return randomNonceSize
	}
	return 0
}

// Flags returns the frame layout flags for the mode.
func (m Mode) Flags() rtpframe.Flags {
	switch m {
	case ModeAES256GCMRTPSize, ModeXChaCha20Poly1305RTPSize:
		return 0
	}
	return rtpframe.FlagEncryptedExtension
}

// Cipher seals and opens frames for one mode and secret key.
type Cipher struct {
	mode Mode
	aead cipher.AEAD
	key  [KeySize]byte
}

// New returns a cipher for mode keyed with the session secret.
func New(mode Mode, secret []byte) (*Cipher, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("secret key of %d bytes, want %d: %w", len(secret), KeySize, errs.ErrProtocolViolation)
	}
	c := &Cipher{mode: mode}
	copy(c.key[:], secret)

	switch mode {
	case ModeAES256GCMRTPSize:
		block, err := aes.NewCipher(secret)
		if err != nil {
			return nil, err
		}
		c.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
	case ModeXChaCha20Poly1305RTPSize:
		aead, err := chacha20poly1305.NewX(secret)
		if err != nil {
			return nil, err
		}
		c.aead = aead
	case ModeXSalsa20Poly1305Lite, ModeXSalsa20Poly1305Suffix, ModeXSalsa20Poly1305:
	default:
		return nil, fmt.Errorf("mode %q: %w", mode, ErrNoCommonMode)
	}
	return c, nil
}

// Mode returns the cipher's mode.
func (c *Cipher) Mode() Mode {
	return c.mode
}

// Seal encrypts payload behind header and appends the mode's nonce. The
// counter is used by the counter-nonce modes and ignored otherwise.
func (c *Cipher) Seal(header, payload []byte, counter uint32) ([]byte, error) {
	out := make([]byte, len(header), len(header)+len(payload)+secretbox.Overhead+randomNonceSize)
	copy(out, header)

	switch c.mode {
	case ModeAES256GCMRTPSize, ModeXChaCha20Poly1305RTPSize:
		var wire [counterNonceSize]byte
		binary.LittleEndian.PutUint32(wire[:], counter)
		nonce := make([]byte, c.aead.NonceSize())
		copy(nonce, wire[:])
		out = c.aead.Seal(out, nonce, payload, header)
		return append(out, wire[:]...), nil

	case ModeXSalsa20Poly1305Lite:
		var nonce [24]byte
		binary.LittleEndian.PutUint32(nonce[:], counter)
		out = secretbox.Seal(out, payload, &nonce, &c.key)
		return append(out, nonce[:counterNonceSize]...), nil

	case ModeXSalsa20Poly1305Suffix:
		var nonce [24]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
		out = secretbox.Seal(out, payload, &nonce, &c.key)
		return append(out, nonce[:]...), nil

	default:
		var nonce [24]byte
		copy(nonce[:], header[:rtpframe.HeaderSize])
		return secretbox.Seal(out, payload, &nonce, &c.key), nil
	}
}

var errOpen = errors.New("voice frame failed authentication")

// Open authenticates and decrypts the ciphertext region of frame.
func (c *Cipher) Open(frame []byte, info rtpframe.Info) ([]byte, error) {
	header := info.Header.Of(frame)
	ciphertext := info.Ciphertext.Of(frame)
	wire := info.Nonce.Of(frame)

	switch c.mode {
	case ModeAES256GCMRTPSize, ModeXChaCha20Poly1305RTPSize:
		nonce := make([]byte, c.aead.NonceSize())
		copy(nonce, wire)
		plain, err := c.aead.Open(nil, nonce, ciphertext, header)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errOpen, errs.ErrProtocolViolation)
		}
		return plain, nil

	default:
		var nonce [24]byte
		if len(wire) == 0 {
			copy(nonce[:], frame[:rtpframe.HeaderSize])
		} else {
			copy(nonce[:], wire)
		}
		plain, ok := secretbox.Open(nil, ciphertext, &nonce, &c.key)
		if !ok {
			return nil, fmt.Errorf("%w: %w", errOpen, errs.ErrProtocolViolation)
		}
		return plain, nil
	}
}

// Payload opens frame and strips any header extension, returning the
// media payload.
func (c *Cipher) Payload(frame []byte) ([]byte, error) {
	info, err := rtpframe.Parse(frame, c.mode.NonceSize(), c.mode.Flags())
	if err != nil {
		return nil, err
	}
	plain, err := c.Open(frame, info)
	if err != nil {
		return nil, err
	}
	if c.mode.Flags()&rtpframe.FlagEncryptedExtension != 0 {
		return rtpframe.StripExtension(frame[0], plain)
	}
	return plain[info.ExtensionLength:], nil
}
