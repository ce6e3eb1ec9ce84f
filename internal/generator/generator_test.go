package generator_test

import (
	"math"
	"regexp"
	"sync"
	"testing"

	"github.com/glizzus/voicecore/internal/generator"
)

func TestUUIDV4Generator_Next_Concurrent(t *testing.T) {
	regex := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	gen := generator.UUIDV4Generator{}

	var mu sync.Mutex
	seen := make(map[string]struct{})

	total := 100000
	concurrency := 10
	batchSize := total / concurrency

	var wg sync.WaitGroup
	wg.Add(concurrency)

	for range concurrency {
		go func() {
			defer wg.Done()
			for range batchSize {
				id, err := gen.Next()
				if err != nil {
					t.Error("expected no error, got:", err)
					return
				}
				mu.Lock()
				if _, ok := seen[id]; ok {
					mu.Unlock()
					t.Errorf("expected a unique ID, got duplicate: %s", id)
					return
				}
				seen[id] = struct{}{}
				mu.Unlock()

				if !regex.MatchString(id) {
					t.Errorf("expected valid UUID format, got %s", id)
					return
				}
			}
		}()
	}

	wg.Wait()
}

func TestCounterWraps(t *testing.T) {
	c := generator.NewCounter[uint16](math.MaxUint16-1, 1)
	want := []uint16{math.MaxUint16 - 1, math.MaxUint16, 0, 1}
	for i, w := range want {
		got, err := c.Next()
		if err != nil {
			t.Fatalf("Next() returned error: %v", err)
		}
		if got != w {
			t.Errorf("Next() #%d = %d; want %d", i, got, w)
		}
	}
}

func TestCounterStep(t *testing.T) {
	c := generator.NewCounter[uint32](0, 960)
	for i := range 3 {
		got, _ := c.Next()
		if want := uint32(i * 960); got != want {
			t.Errorf("Next() #%d = %d; want %d", i, got, want)
		}
	}
}

func TestCounter_Next_Concurrent(t *testing.T) {
	c := generator.NewCounter[uint64](0, 0)

	var mu sync.Mutex
	seen := make(map[uint64]struct{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				v, _ := c.Next()
				mu.Lock()
				if _, ok := seen[v]; ok {
					t.Errorf("expected a unique value, got duplicate: %d", v)
				}
				seen[v] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 8000 {
		t.Errorf("expected 8000 values, got %d", len(seen))
	}
}
