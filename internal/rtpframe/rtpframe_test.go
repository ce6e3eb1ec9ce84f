package rtpframe_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pion/rtp"

	"github.com/glizzus/voicecore/internal/errs"
	"github.com/glizzus/voicecore/internal/rtpframe"
)

func marshalPacket(t *testing.T, csrc []uint32, extension []byte, payload []byte) []byte {
	t.Helper()
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0x78,
			SequenceNumber: 7,
			Timestamp:      960,
			SSRC:           0xcafe,
			CSRC:           csrc,
		},
		Payload: payload,
	}
	if extension != nil {
		if err := p.Header.SetExtension(1, extension); err != nil {
			t.Fatalf("SetExtension returned error: %v", err)
		}
	}
	b, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	return b
}

func TestParseRanges(t *testing.T) {
	payload := make([]byte, 40)
	table := []struct {
		name      string
		csrc      []uint32
		extension []byte
		nonceSize int
		want      rtpframe.Info
	}{
		{
			name:      "plain header, header-derived nonce",
			nonceSize: 0,
			want: rtpframe.Info{
				Header:          rtpframe.Range{Start: 0, End: 12},
				Ciphertext:      rtpframe.Range{Start: 12, End: 52},
				ExtensionHeader: rtpframe.Range{Start: 12, End: 12},
				Nonce:           rtpframe.Range{Start: 52, End: 52},
			},
		},
		{
			name:      "two csrcs, counter nonce",
			csrc:      []uint32{1, 2},
			nonceSize: 4,
			want: rtpframe.Info{
				Header:          rtpframe.Range{Start: 0, End: 20},
				Ciphertext:      rtpframe.Range{Start: 20, End: 56},
				ExtensionHeader: rtpframe.Range{Start: 20, End: 20},
				Nonce:           rtpframe.Range{Start: 56, End: 60},
			},
		},
		{
			// one-byte profile: id/len byte plus two data bytes, padded to a word
			name:      "extension, counter nonce",
			extension: []byte{0xaa, 0xbb},
			nonceSize: 4,
			want: rtpframe.Info{
				Header:          rtpframe.Range{Start: 0, End: 16},
				Ciphertext:      rtpframe.Range{Start: 16, End: 56},
				ExtensionHeader: rtpframe.Range{Start: 16, End: 20},
				Nonce:           rtpframe.Range{Start: 56, End: 60},
				ExtensionLength: 4,
			},
		},
		{
			name:      "csrc and extension, random nonce",
			csrc:      []uint32{9},
			extension: []byte{0x01},
			nonceSize: 24,
			want: rtpframe.Info{
				Header:          rtpframe.Range{Start: 0, End: 20},
				Ciphertext:      rtpframe.Range{Start: 20, End: 40},
				ExtensionHeader: rtpframe.Range{Start: 20, End: 24},
				Nonce:           rtpframe.Range{Start: 40, End: 64},
				ExtensionLength: 4,
			},
		},
	}

	for _, tc := range table {
		t.Run(tc.name, func(t *testing.T) {
			frame := marshalPacket(t, tc.csrc, tc.extension, payload)
			got, err := rtpframe.Parse(frame, tc.nonceSize, 0)
			if err != nil {
				t.Fatalf("Parse returned error: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Parse mismatch (-want +got):\n%s", diff)
			}
			if got.Header.End != got.Ciphertext.Start || got.Ciphertext.End != got.Nonce.Start || got.Nonce.End != len(frame) {
				t.Errorf("ranges do not partition the frame: %+v (len %d)", got, len(frame))
			}
		})
	}
}

func TestParseCoversFrameForAllNonceSizes(t *testing.T) {
	for _, nonceSize := range []int{0, 4, 24} {
		for _, payloadLen := range []int{nonceSize, nonceSize + 1, nonceSize + 100} {
			frame := marshalPacket(t, nil, []byte{0x10, 0x20, 0x30}, make([]byte, payloadLen+8))
			info, err := rtpframe.Parse(frame, nonceSize, 0)
			if err != nil {
				t.Fatalf("Parse(len=%d, nonce=%d) returned error: %v", len(frame), nonceSize, err)
			}
			if info.Header.Start != 0 || info.Header.End != info.Ciphertext.Start ||
				info.Ciphertext.End != info.Nonce.Start || info.Nonce.End != len(frame) {
				t.Errorf("Parse(len=%d, nonce=%d) = %+v; ranges do not cover the frame", len(frame), nonceSize, info)
			}
			if info.ExtensionHeader.Start != info.Ciphertext.Start || info.ExtensionHeader.End > info.Ciphertext.End {
				t.Errorf("extension %+v is not nested in ciphertext %+v", info.ExtensionHeader, info.Ciphertext)
			}
		}
	}
}

func TestParseEncryptedExtensionLeavesPreambleInCiphertext(t *testing.T) {
	frame := marshalPacket(t, nil, []byte{0xaa, 0xbb}, make([]byte, 10))
	info, err := rtpframe.Parse(frame, 24, rtpframe.FlagEncryptedExtension)
	if err == nil {
		t.Fatalf("Parse of a %d byte frame with a 24 byte nonce succeeded: %+v", len(frame), info)
	}

	frame = marshalPacket(t, nil, []byte{0xaa, 0xbb}, make([]byte, 40))
	info, err = rtpframe.Parse(frame, 24, rtpframe.FlagEncryptedExtension)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if info.Header.End != rtpframe.HeaderSize || info.ExtensionLength != 0 {
		t.Errorf("Parse = %+v; want a bare 12 byte header", info)
	}
}

func TestParseRejectsShortFrames(t *testing.T) {
	table := []struct {
		name      string
		frame     []byte
		nonceSize int
	}{
		{name: "shorter than header", frame: []byte{0x80, 0x78, 0, 1}},
		{name: "nonce overlaps header", frame: append([]byte{0x80, 0x78}, make([]byte, 12)...), nonceSize: 4},
		{name: "csrcs past end", frame: append([]byte{0x8f, 0x78}, make([]byte, 20)...)},
		{name: "wrong version", frame: append([]byte{0x40, 0x78}, make([]byte, 20)...)},
		{
			name:  "extension longer than frame",
			frame: append([]byte{0x90, 0x78, 0, 1, 0, 0, 0, 1, 0, 0, 0, 1, 0xbe, 0xde, 0x00, 0x09}, make([]byte, 8)...),
		},
	}
	for _, tc := range table {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rtpframe.Parse(tc.frame, tc.nonceSize, 0)
			if !errors.Is(err, errs.ErrProtocolViolation) {
				t.Errorf("Parse error = %v; want ErrProtocolViolation", err)
			}
		})
	}
}

func TestStripExtension(t *testing.T) {
	plaintext := []byte{0xbe, 0xde, 0x00, 0x01, 0x10, 0xaa, 0x00, 0x00, 'o', 'p', 'u', 's'}
	got, err := rtpframe.StripExtension(0x90, plaintext)
	if err != nil {
		t.Fatalf("StripExtension returned error: %v", err)
	}
	if string(got) != "opus" {
		t.Errorf("StripExtension = %q; want %q", got, "opus")
	}

	got, err = rtpframe.StripExtension(0x80, plaintext)
	if err != nil || len(got) != len(plaintext) {
		t.Errorf("StripExtension without extension bit = (%x, %v); want input unchanged", got, err)
	}

	if _, err := rtpframe.StripExtension(0x90, plaintext[:2]); !errors.Is(err, errs.ErrProtocolViolation) {
		t.Errorf("StripExtension of truncated payload error = %v; want ErrProtocolViolation", err)
	}
}

func TestWriteHeaderMatchesPion(t *testing.T) {
	buf := make([]byte, rtpframe.HeaderSize+3)
	h := rtpframe.Header{Sequence: 0xbeef, Timestamp: 123456789, SSRC: 42}
	if err := rtpframe.WriteHeader(buf, h); err != nil {
		t.Fatalf("WriteHeader returned error: %v", err)
	}

	var parsed rtp.Header
	if _, err := parsed.Unmarshal(buf); err != nil {
		t.Fatalf("pion could not unmarshal header: %v", err)
	}
	if parsed.Version != 2 || parsed.PayloadType != 0x78 || parsed.SequenceNumber != h.Sequence ||
		parsed.Timestamp != h.Timestamp || parsed.SSRC != h.SSRC {
		t.Errorf("pion read %+v; want %+v", parsed, h)
	}

	back, err := rtpframe.ReadHeader(buf)
	if err != nil {
		t.Fatalf("ReadHeader returned error: %v", err)
	}
	if back != h {
		t.Errorf("ReadHeader = %+v; want %+v", back, h)
	}
}

func TestWriteHeaderAtomicOnShortBuffer(t *testing.T) {
	buf := make([]byte, 11)
	for i := range buf {
		buf[i] = 0xee
	}
	err := rtpframe.WriteHeader(buf, rtpframe.Header{Sequence: 1})
	if !errors.Is(err, errs.ErrBufferTooSmall) {
		t.Fatalf("WriteHeader error = %v; want ErrBufferTooSmall", err)
	}
	for i, b := range buf {
		if b != 0xee {
			t.Fatalf("byte %d modified on failure", i)
		}
	}
}
