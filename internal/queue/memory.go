package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by MemoryBus.Publish after Close.
var ErrClosed = errors.New("queue: bus closed")

// MemoryBus is an unbounded in-process FIFO queue. It backs single-process deployments and tests.
type MemoryBus struct {
	mu     sync.Mutex
	items  []Envelope
	closed bool
	signal chan struct{} // buffered, size 1
	policy RetryPolicy
}

func NewMemoryBus(policy RetryPolicy) *MemoryBus {
	return &MemoryBus{
		items:  make([]Envelope, 0, 16),
		signal: make(chan struct{}, 1),
		policy: policy,
	}
}

// Publish appends env. It never blocks.
func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.items = append(b.items, env)
	select {
	case b.signal <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns a copy of the queued envelopes without removing them.
func (b *MemoryBus) Pending() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, len(b.items))
	copy(out, b.items)
	return out
}

// Len returns the number of queued envelopes.
func (b *MemoryBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *MemoryBus) tryPop() (Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return Envelope{}, false
	}
	env := b.items[0]
	b.items[0] = Envelope{}
	if len(b.items) == 1 {
		b.items = b.items[:0]
	} else {
		b.items = b.items[1:]
	}
	return env, true
}

// Drain handles envelopes until the queue is empty, including envelopes published by h itself,
// and returns how many were processed.
func (b *MemoryBus) Drain(ctx context.Context, h HandlerFunc) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		env, ok := b.tryPop()
		if !ok {
			return n, nil
		}
		if err := deliver(ctx, h, env, b.policy); err != nil {
			return n, err
		}
		n++
	}
}

// Run handles envelopes as they arrive until ctx is cancelled or the bus is closed and empty.
func (b *MemoryBus) Run(ctx context.Context, h HandlerFunc) error {
	for {
		if _, err := b.Drain(ctx, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		b.mu.Lock()
		done := b.closed && len(b.items) == 0
		b.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-b.signal:
		}
	}
}

// Close stops accepting envelopes. Run returns once the remaining ones are handled.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		select {
		case b.signal <- struct{}{}:
		default:
		}
	}
	return nil
}
