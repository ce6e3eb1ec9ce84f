package opus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"

	"github.com/jonas747/ogg"
)

// OggReader yields the audio packets of an Ogg/Opus stream, skipping the
// OpusHead and OpusTags header packets.
type OggReader struct {
	decoder *ogg.PacketDecoder
}

func NewOggReader(r io.Reader) *OggReader {
	return &OggReader{decoder: ogg.NewPacketDecoder(ogg.NewDecoder(r))}
}

var (
	opusHead = []byte("OpusHead")
	opusTags = []byte("OpusTags")
)

// ReadFrame returns the next Opus frame, or io.EOF at the end of the
// stream.
func (o *OggReader) ReadFrame() ([]byte, error) {
	for {
		packet, _, err := o.decoder.Decode()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		if bytes.HasPrefix(packet, opusHead) || bytes.HasPrefix(packet, opusTags) {
			continue
		}
		return packet, nil
	}
}

// Encode takes any audio as an io.Reader, runs FFmpeg to transcode it to Opus,
// and returns an io.Reader that produces length-prefixed Opus frames.
// The caller should read until EOF. The returned io.ReadCloser must be closed
// to clean up the FFmpeg process.
func Encode(ctx context.Context, r io.Reader) (io.ReadCloser, error) {
	ffmpeg := exec.CommandContext(ctx, "ffmpeg",
		"-i", "pipe:0",
		"-vn",
		"-map", "0:a",
		"-acodec", "libopus",
		"-f", "ogg",
		"-vbr", "on",
		"-ar", "48000",
		"-ac", "2",
		"-b:a", "64000",
		"-application", "voip",
		"-frame_duration", "20",
		"pipe:1",
	)
	ffmpeg.Stdin = r

	stdout, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer ffmpeg.Wait()
		pw.CloseWithError(Copy(NewFrameWriter(pw), NewOggReader(stdout)))
	}()

	return &encodeCloser{ReadCloser: pr, cmd: ffmpeg}, nil
}

// FrameSource is anything frames can be read from until io.EOF.
type FrameSource interface {
	ReadFrame() ([]byte, error)
}

// Copy writes every frame of src to dst. It returns nil at io.EOF.
func Copy(dst *FrameWriter, src FrameSource) error {
	for {
		frame, err := src.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := dst.WriteFrame(frame); err != nil {
			return err
		}
	}
}

// encodeCloser wraps the pipe reader and ensures the FFmpeg process is cleaned up.
type encodeCloser struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (e *encodeCloser) Close() error {
	err := e.ReadCloser.Close()
	// Kill FFmpeg if still running (e.g. pipe closed early).
	if e.cmd.Process != nil {
		e.cmd.Process.Kill()
	}
	e.cmd.Wait()
	return err
}
