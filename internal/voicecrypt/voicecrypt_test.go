package voicecrypt_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/glizzus/voicecore/internal/errs"
	"github.com/glizzus/voicecore/internal/rtpframe"
	"github.com/glizzus/voicecore/internal/voicecrypt"
)

var secret = bytes.Repeat([]byte{0x5a}, voicecrypt.KeySize)

func header(t *testing.T, seq uint16) []byte {
	t.Helper()
	h := make([]byte, rtpframe.HeaderSize)
	if err := rtpframe.WriteHeader(h, rtpframe.Header{Sequence: seq, Timestamp: uint32(seq) * 960, SSRC: 77}); err != nil {
		t.Fatalf("WriteHeader returned error: %v", err)
	}
	return h
}

func TestSealOpenEveryMode(t *testing.T) {
	for _, mode := range voicecrypt.Preferred {
		t.Run(string(mode), func(t *testing.T) {
			c, err := voicecrypt.New(mode, secret)
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}
			payload := []byte("opus payload bytes")
			frame, err := c.Seal(header(t, 3), payload, 41)
			if err != nil {
				t.Fatalf("Seal returned error: %v", err)
			}

			info, err := rtpframe.Parse(frame, mode.NonceSize(), mode.Flags())
			if err != nil {
				t.Fatalf("Parse returned error: %v", err)
			}
			if info.Nonce.Len() != mode.NonceSize() {
				t.Errorf("nonce length = %d; want %d", info.Nonce.Len(), mode.NonceSize())
			}

			got, err := c.Payload(frame)
			if err != nil {
				t.Fatalf("Payload returned error: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("Payload = %q; want %q", got, payload)
			}

			frame[len(frame)-mode.NonceSize()-1] ^= 0xff
			if _, err := c.Payload(frame); !errors.Is(err, errs.ErrProtocolViolation) {
				t.Errorf("Payload of tampered frame error = %v; want ErrProtocolViolation", err)
			}
		})
	}
}

func TestCounterNonceIsLittleEndian(t *testing.T) {
	c, err := voicecrypt.New(voicecrypt.ModeAES256GCMRTPSize, secret)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	frame, err := c.Seal(header(t, 1), []byte{1, 2, 3}, 0x01020304)
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if got := frame[len(frame)-4:]; !bytes.Equal(got, []byte{0x04, 0x03, 0x02, 0x01}) {
		t.Errorf("trailing nonce = %x; want 04030201", got)
	}
}

func TestHeaderIsAuthenticated(t *testing.T) {
	c, err := voicecrypt.New(voicecrypt.ModeXChaCha20Poly1305RTPSize, secret)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	frame, err := c.Seal(header(t, 9), []byte("abc"), 1)
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	frame[3] ^= 0x01 // sequence number
	if _, err := c.Payload(frame); err == nil {
		t.Errorf("Payload accepted a frame with a modified header")
	}
}

func TestPayloadStripsExtension(t *testing.T) {
	opus := []byte("opus")
	extPayload := []byte{0x10, 0xaa, 0x00, 0x00}
	preamble := []byte{0xbe, 0xde, 0x00, 0x01}

	t.Run("rtpsize keeps preamble in the header", func(t *testing.T) {
		c, err := voicecrypt.New(voicecrypt.ModeAES256GCMRTPSize, secret)
		if err != nil {
			t.Fatalf("New returned error: %v", err)
		}
		h := header(t, 5)
		h[0] |= 0x10
		h = append(h, preamble...)
		frame, err := c.Seal(h, append(append([]byte{}, extPayload...), opus...), 7)
		if err != nil {
			t.Fatalf("Seal returned error: %v", err)
		}
		got, err := c.Payload(frame)
		if err != nil {
			t.Fatalf("Payload returned error: %v", err)
		}
		if !bytes.Equal(got, opus) {
			t.Errorf("Payload = %q; want %q", got, opus)
		}
	})

	t.Run("legacy encrypts the whole extension", func(t *testing.T) {
		c, err := voicecrypt.New(voicecrypt.ModeXSalsa20Poly1305Lite, secret)
		if err != nil {
			t.Fatalf("New returned error: %v", err)
		}
		h := header(t, 5)
		h[0] |= 0x10
		plain := append(append(append([]byte{}, preamble...), extPayload...), opus...)
		frame, err := c.Seal(h, plain, 7)
		if err != nil {
			t.Fatalf("Seal returned error: %v", err)
		}
		got, err := c.Payload(frame)
		if err != nil {
			t.Fatalf("Payload returned error: %v", err)
		}
		if !bytes.Equal(got, opus) {
			t.Errorf("Payload = %q; want %q", got, opus)
		}
	})
}

func TestSelect(t *testing.T) {
	table := []struct {
		offered []string
		want    voicecrypt.Mode
		err     bool
	}{
		{offered: []string{"xsalsa20_poly1305", "aead_aes256_gcm_rtpsize"}, want: voicecrypt.ModeAES256GCMRTPSize},
		{offered: []string{"aead_xchacha20_poly1305_rtpsize", "xsalsa20_poly1305_lite"}, want: voicecrypt.ModeXChaCha20Poly1305RTPSize},
		{offered: []string{"xsalsa20_poly1305"}, want: voicecrypt.ModeXSalsa20Poly1305},
		{offered: []string{"aead_aes256_gcm"}, err: true},
	}
	for _, tc := range table {
		got, err := voicecrypt.Select(tc.offered)
		if tc.err {
			if !errors.Is(err, voicecrypt.ErrNoCommonMode) {
				t.Errorf("Select(%v) error = %v; want ErrNoCommonMode", tc.offered, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("Select(%v) = (%q, %v); want %q", tc.offered, got, err, tc.want)
		}
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	if _, err := voicecrypt.New(voicecrypt.ModeAES256GCMRTPSize, secret[:16]); err == nil {
		t.Errorf("New accepted a 16 byte key")
	}
	if _, err := voicecrypt.New("plain", secret); err == nil {
		t.Errorf("New accepted an unknown mode")
	}
}
