package opus

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// FrameReader reads length-prefixed Opus frames from an io.Reader.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader returns a new FrameReader that reads from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads and returns the next raw Opus frame.
// Returns io.EOF when there are no more frames.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	var size uint16
	if err := binary.Read(f.r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(f.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// FrameWriter writes frames in the format FrameReader reads.
type FrameWriter struct {
	w io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame appends one frame.
func (f *FrameWriter) WriteFrame(frame []byte) error {
	if len(frame) > math.MaxUint16 {
		return fmt.Errorf("opus frame of %d bytes does not fit a uint16 length", len(frame))
	}
	var size [2]byte
	binary.LittleEndian.PutUint16(size[:], uint16(len(frame)))
	if _, err := f.w.Write(size[:]); err != nil {
		return err
	}
	_, err := f.w.Write(frame)
	return err
}
