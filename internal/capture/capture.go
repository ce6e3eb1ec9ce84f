// Package capture records decrypted voice frames per user and uploads
// them to blob storage in the length-prefixed opus frame format.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/glizzus/voicecore/internal/datalayer"
	"github.com/glizzus/voicecore/internal/generator"
	"github.com/glizzus/voicecore/internal/opus"
	"github.com/glizzus/voicecore/internal/voice"
)

const ContentType = "application/x-opus-frames"

type track struct {
	buf        bytes.Buffer
	w          *opus.FrameWriter
	frames     int
	firstEpoch uint64
	lastEpoch  uint64
}

// Recorder buffers frames until Flush uploads them. It is safe for
// concurrent use.
type Recorder struct {
	storage datalayer.BlobStorage
	prefix  string
	ids     generator.Generator[string]
	logger  *slog.Logger

	mu     sync.Mutex
	tracks map[string]*track
}

type Options struct {
	// Prefix is prepended to every object key.
	Prefix string
	IDs    generator.Generator[string]
	Logger *slog.Logger
}

func NewRecorder(storage datalayer.BlobStorage, opts Options) *Recorder {
	if opts.IDs == nil {
		opts.IDs = &generator.UUIDV4Generator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Recorder{
		storage: storage,
		prefix:  opts.Prefix,
		ids:     opts.IDs,
		logger:  opts.Logger,
		tracks:  make(map[string]*track),
	}
}

// trackName is the user the frame came from, or its SSRC when the user
// is not known yet.
func trackName(f voice.Frame) string {
	if f.UserID != "" {
		return f.UserID
	}
	return "ssrc-" + strconv.FormatUint(uint64(f.SSRC), 10)
}

// Add buffers one frame.
func (r *Recorder) Add(f voice.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := trackName(f)
	t, ok := r.tracks[name]
	if !ok {
		t = &track{firstEpoch: f.Epoch}
		t.w = opus.NewFrameWriter(&t.buf)
		r.tracks[name] = t
	}
	if err := t.w.WriteFrame(f.Opus); err != nil {
		return fmt.Errorf("failed to buffer frame from %s: %w", name, err)
	}
	t.frames++
	t.lastEpoch = f.Epoch
	return nil
}

// Flush uploads every buffered track under a new capture ID and returns
// the keys written. Tracks that fail to upload are dropped and reported
// in the joined error.
func (r *Recorder) Flush(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	tracks := r.tracks
	r.tracks = make(map[string]*track)
	r.mu.Unlock()

	if len(tracks) == 0 {
		return nil, nil
	}

	captureID, err := r.ids.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to generate capture ID: %w", err)
	}

	names := make([]string, 0, len(tracks))
	for name := range tracks {
		names = append(names, name)
	}
	sort.Strings(names)

	var keys []string
	var errs []error
	for _, name := range names {
		t := tracks[name]
		key := path.Join(r.prefix, captureID, name+".opus")
		err := r.storage.Put(ctx, key, &t.buf, datalayer.PutOptions{
			Size:        int64(t.buf.Len()),
			ContentType: ContentType,
			Metadata: map[string]string{
				"frames":      strconv.Itoa(t.frames),
				"first-epoch": strconv.FormatUint(t.firstEpoch, 10),
				"last-epoch":  strconv.FormatUint(t.lastEpoch, 10),
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to upload %s: %w", key, err))
			continue
		}
		r.logger.InfoContext(ctx, "Uploaded capture", "key", key, "frames", t.frames)
		keys = append(keys, key)
	}
	return keys, errors.Join(errs...)
}

// Run records frames until the channel closes or ctx ends, flushing every
// interval. Whatever is buffered at the end is flushed once more.
func (r *Recorder) Run(ctx context.Context, frames <-chan voice.Frame, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if _, err := r.Flush(ctx); err != nil {
			r.logger.ErrorContext(ctx, "Failed to flush capture", slog.Any("error", err))
		}
	}

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				flush(context.WithoutCancel(ctx))
				return nil
			}
			if err := r.Add(f); err != nil {
				r.logger.WarnContext(ctx, "Dropping frame from capture", slog.Any("error", err))
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return ctx.Err()
		}
	}
}
