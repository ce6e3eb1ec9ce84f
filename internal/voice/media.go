package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glizzus/voicecore/internal/e2ee"
	"github.com/glizzus/voicecore/internal/errs"
	"github.com/glizzus/voicecore/internal/metrics"
	"github.com/glizzus/voicecore/internal/rtpframe"
)

// maxDatagram bounds a received voice packet.
const maxDatagram = 1500

// Frame is one decrypted Opus frame received from a member.
type Frame struct {
	SSRC      uint32
	UserID    string
	Sequence  uint16
	Timestamp uint32

	// Epoch is the group epoch the frame was sealed under, zero for
	// frames without end-to-end encryption.
	Epoch uint64
	Opus  []byte
}

// Frames returns the decrypted inbound frames. The channel is closed when
// the session stops.
func (s *Session) Frames() <-chan Frame {
	return s.frames
}

func (s *Session) startMedia(m *media) {
	s.lifeMu.Lock()
	ctx, g := s.runCtx, s.runGroup
	s.lifeMu.Unlock()

	mctx, cancel := context.WithCancel(ctx)
	s.mediaCancel = cancel
	s.media.Store(m)
	g.Go(func() error { return s.receiveLoop(mctx, m) })
}

// stopMedia stops the receive loop and evicts the transport from the
// factory.
func (s *Session) stopMedia() error {
	if s.mediaCancel != nil {
		s.mediaCancel()
		s.mediaCancel = nil
	}
	var err error
	if m := s.media.Swap(nil); m != nil {
		err = s.opts.Transports.Remove(m.local, m.remote)
	}
	if m := s.pending; m != nil {
		s.pending = nil
		err = errors.Join(err, s.opts.Transports.Remove(m.local, m.remote))
	}
	return err
}

func (s *Session) receiveLoop(ctx context.Context, m *media) error {
	buf := make([]byte, maxDatagram)
	for {
		n, err := m.udp.ReceiveInto(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("voice receive loop stopped: %w", err)
		}
		frame, ok := s.openFrame(m, buf[:n])
		if !ok {
			continue
		}
		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) drop(reason string, ssrc uint32, err error) {
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	s.logger.Debug("Dropping voice frame", "reason", reason, "ssrc", ssrc, slog.Any("error", err))
}

func isControl(packet []byte) bool {
	return len(packet) >= 2 && packet[1] >= 200 && packet[1] <= 204
}

// openFrame removes transport encryption, then end-to-end encryption
// with the keyring of the epoch the frame was sealed under.
func (s *Session) openFrame(m *media, packet []byte) (Frame, bool) {
	if isControl(packet) {
		s.drop(metrics.DropControl, 0, nil)
		return Frame{}, false
	}
	header, err := rtpframe.ReadHeader(packet)
	if err != nil {
		s.drop(metrics.DropMalformed, 0, err)
		return Frame{}, false
	}
	payload, err := m.cipher.Payload(packet)
	if err != nil {
		s.drop(metrics.DropTransport, header.SSRC, err)
		return Frame{}, false
	}

	frame := Frame{
		SSRC:      header.SSRC,
		UserID:    s.userFor(header.SSRC),
		Sequence:  header.Sequence,
		Timestamp: header.Timestamp,
	}
	if e2ee.IsSilence(payload) {
		frame.Opus = payload
		return frame, true
	}

	st := s.Group()
	if !e2ee.IsEncrypted(payload) {
		if st != nil && st.Encrypted() {
			s.drop(metrics.DropPassthrough, header.SSRC, nil)
			return Frame{}, false
		}
		frame.Opus = payload
		metrics.FramesDecrypted.Inc()
		return frame, true
	}

	epoch, err := e2ee.FrameEpoch(payload)
	if err != nil {
		s.drop(metrics.DropMalformed, header.SSRC, err)
		return Frame{}, false
	}
	if st == nil {
		s.drop(metrics.DropUnknownKey, header.SSRC, nil)
		return Frame{}, false
	}
	ring, ok := st.KeyringFor(epoch)
	if !ok {
		s.drop(metrics.DropUnknownKey, header.SSRC, fmt.Errorf("no keyring for epoch %d", epoch))
		return Frame{}, false
	}
	c, ok := ring.Cipher(frame.UserID)
	if !ok {
		s.drop(metrics.DropUnknownKey, header.SSRC, fmt.Errorf("no key for user %q in epoch %d", frame.UserID, epoch))
		return Frame{}, false
	}
	opus, err := c.Open(payload)
	if err != nil {
		s.drop(metrics.DropE2EE, header.SSRC, err)
		return Frame{}, false
	}
	frame.Epoch = epoch
	frame.Opus = opus
	metrics.FramesDecrypted.Inc()
	return frame, true
}

// SendOpus encrypts one Opus frame for the group, frames it as RTP and
// sends it to the voice server.
func (s *Session) SendOpus(ctx context.Context, opus []byte) error {
	m := s.media.Load()
	if m == nil {
		return ErrNotConnected
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	payload := opus
	if st := s.Group(); st != nil && st.Encrypted() {
		c, ok := st.Current.Cipher(s.desc.UserID)
		if !ok {
			return fmt.Errorf("no frame key for the local user in epoch %d: %w", st.Epoch, errs.ErrCryptoProvider)
		}
		counter, _ := s.frameCounter.Next()
		payload = c.Seal(counter, opus)
	}

	sequence, _ := s.sequence.Next()
	timestamp, _ := s.timestamp.Next()
	nonce, _ := s.nonce.Next()

	header := make([]byte, rtpframe.HeaderSize)
	if err := rtpframe.WriteHeader(header, rtpframe.Header{
		Sequence:  sequence,
		Timestamp: timestamp,
		SSRC:      m.ssrc,
	}); err != nil {
		return err
	}
	packet, err := m.cipher.Seal(header, payload, nonce)
	if err != nil {
		return err
	}
	return m.udp.Send(ctx, packet)
}

// Speaking tells the gateway whether the local user is sending audio.
func (s *Session) Speaking(on bool) error {
	m := s.media.Load()
	if m == nil {
		return ErrNotConnected
	}
	d := speakingData{SSRC: m.ssrc}
	if on {
		d.Speaking = 1
	}
	return s.sendJSON(OpSpeaking, d)
}
