package capture_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/glizzus/voicecore/internal/capture"
	"github.com/glizzus/voicecore/internal/datalayer"
	"github.com/glizzus/voicecore/internal/opus"
	"github.com/glizzus/voicecore/internal/voice"
)

type object struct {
	data []byte
	opts datalayer.PutOptions
}

type memoryStorage struct {
	mu      sync.Mutex
	objects map[string]object
	fail    map[string]bool
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{objects: map[string]object{}, fail: map[string]bool{}}
}

func (m *memoryStorage) Put(_ context.Context, key string, data io.Reader, opts datalayer.PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[key] {
		return errors.New("bucket is full")
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[key] = object{data: b, opts: opts}
	return nil
}

func (m *memoryStorage) get(key string) (object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return o, ok
}

type fixedIDs []string

func (f *fixedIDs) Next() (string, error) {
	if len(*f) == 0 {
		return "", errors.New("out of ids")
	}
	id := (*f)[0]
	*f = (*f)[1:]
	return id, nil
}

func readFrames(t *testing.T, data []byte) [][]byte {
	t.Helper()
	r := opus.NewFrameReader(bytes.NewReader(data))
	var frames [][]byte
	for {
		f, err := r.ReadFrame()
		if errors.Is(err, io.EOF) {
			return frames
		}
		if err != nil {
			t.Fatalf("failed to read frame: %v", err)
		}
		frames = append(frames, f)
	}
}

func TestFlushUploadsOneObjectPerUser(t *testing.T) {
	storage := newMemoryStorage()
	ids := fixedIDs{"c1", "c2"}
	rec := capture.NewRecorder(storage, capture.Options{Prefix: "g/ch", IDs: &ids})

	input := []voice.Frame{
		{UserID: "alice", Epoch: 1, Opus: []byte{1}},
		{UserID: "bob", Epoch: 1, Opus: []byte{2, 2}},
		{UserID: "alice", Epoch: 2, Opus: []byte{3, 3, 3}},
		{SSRC: 99, Opus: []byte{4}},
	}
	for _, f := range input {
		if err := rec.Add(f); err != nil {
			t.Fatalf("Add() error: %v", err)
		}
	}

	keys, err := rec.Flush(t.Context())
	if err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	want := []string{"g/ch/c1/alice.opus", "g/ch/c1/bob.opus", "g/ch/c1/ssrc-99.opus"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}

	alice, _ := storage.get("g/ch/c1/alice.opus")
	if diff := cmp.Diff([][]byte{{1}, {3, 3, 3}}, readFrames(t, alice.data)); diff != "" {
		t.Errorf("alice frames mismatch (-want +got):\n%s", diff)
	}
	wantOpts := datalayer.PutOptions{
		Size:        int64(len(alice.data)),
		ContentType: capture.ContentType,
		Metadata:    map[string]string{"frames": "2", "first-epoch": "1", "last-epoch": "2"},
	}
	if diff := cmp.Diff(wantOpts, alice.opts); diff != "" {
		t.Errorf("alice options mismatch (-want +got):\n%s", diff)
	}

	// Flushed tracks are not uploaded again.
	keys, err = rec.Flush(t.Context())
	if err != nil || keys != nil {
		t.Errorf("second Flush() = %v, %v; want nothing", keys, err)
	}
}

func TestFlushReportsFailedUploads(t *testing.T) {
	storage := newMemoryStorage()
	storage.fail["c1/bob.opus"] = true
	ids := fixedIDs{"c1"}
	rec := capture.NewRecorder(storage, capture.Options{IDs: &ids})

	_ = rec.Add(voice.Frame{UserID: "alice", Opus: []byte{1}})
	_ = rec.Add(voice.Frame{UserID: "bob", Opus: []byte{2}})

	keys, err := rec.Flush(t.Context())
	if err == nil {
		t.Fatal("expected an upload error")
	}
	if diff := cmp.Diff([]string{"c1/alice.opus"}, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestAddRejectsOversizedFrames(t *testing.T) {
	rec := capture.NewRecorder(newMemoryStorage(), capture.Options{})
	if err := rec.Add(voice.Frame{UserID: "alice", Opus: make([]byte, 1<<16)}); err == nil {
		t.Error("expected an error for a frame that does not fit the length prefix")
	}
}

func TestRunFlushesWhenFramesEnd(t *testing.T) {
	storage := newMemoryStorage()
	ids := fixedIDs{"c1"}
	rec := capture.NewRecorder(storage, capture.Options{IDs: &ids})

	frames := make(chan voice.Frame, 2)
	frames <- voice.Frame{UserID: "alice", Opus: []byte{1}}
	frames <- voice.Frame{UserID: "alice", Opus: []byte{2}}
	close(frames)

	if err := rec.Run(t.Context(), frames, time.Hour); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	o, ok := storage.get("c1/alice.opus")
	if !ok {
		t.Fatal("capture was not uploaded")
	}
	if diff := cmp.Diff([][]byte{{1}, {2}}, readFrames(t, o.data)); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFlushesOnCancel(t *testing.T) {
	storage := newMemoryStorage()
	ids := fixedIDs{"c1"}
	rec := capture.NewRecorder(storage, capture.Options{IDs: &ids})

	ctx, cancel := context.WithCancel(t.Context())
	frames := make(chan voice.Frame)
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, frames, time.Hour) }()

	frames <- voice.Frame{UserID: "bob", Opus: []byte{7}}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, ok := storage.get("c1/bob.opus"); !ok {
		t.Error("buffered frames were not flushed on cancel")
	}
}
