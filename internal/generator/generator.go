package generator

import (
	"sync"

	"github.com/google/uuid"
)

// Generator is an interface that defines a method to generate a new value of type T.
// This can be used to generate unique identifiers, lazily iterate, etc.
type Generator[T any] interface {
	Next() (T, error)
}

// UUIDV4Generator is a generator that produces UUIDv4 strings.
// It implements the Generator interface.
type UUIDV4Generator struct{}

func (g *UUIDV4Generator) Next() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var _ Generator[string] = &UUIDV4Generator{}

// Counter yields consecutive values starting at its initial value and
// wraps around at the top of T. RTP sequence numbers, timestamps and
// nonce counters all behave this way.
type Counter[T ~uint16 | ~uint32 | ~uint64] struct {
	mu   sync.Mutex
	next T
	step T
}

// NewCounter returns a counter starting at start and advancing by step.
// A zero step is treated as one.
func NewCounter[T ~uint16 | ~uint32 | ~uint64](start, step T) *Counter[T] {
	if step == 0 {
		step = 1
	}
	return &Counter[T]{next: start, step: step}
}

func (c *Counter[T]) Next() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.next
	c.next += c.step
	return v, nil
}

var _ Generator[uint32] = &Counter[uint32]{}
