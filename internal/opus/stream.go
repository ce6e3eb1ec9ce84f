package opus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// FrameDuration is the playback length of one frame.
const FrameDuration = 20 * time.Millisecond

// Sender is the outbound side of a voice session.
type Sender interface {
	SendOpus(ctx context.Context, opus []byte) error
	Speaking(on bool) error
}

// StreamToSession reads Opus frames from source and sends them to the
// session, one every FrameDuration. It blocks until all frames are sent or
// an error occurs. Returns nil on clean EOF.
func StreamToSession(ctx context.Context, source FrameSource, sink Sender) error {
	if err := sink.Speaking(true); err != nil {
		return fmt.Errorf("error setting speaking state to 'true': %w", err)
	}
	defer func() {
		if err := sink.Speaking(false); err != nil {
			slog.Error("failed to stop speaking", "error", err)
		}
	}()

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	for {
		frame, err := source.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if err := sink.SendOpus(ctx, frame); err != nil {
			return err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
