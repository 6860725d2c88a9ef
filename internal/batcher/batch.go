package batcher

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"batchgate/internal/service"
)

// Batch is a caller handle onto a batching worker.
//
// A handle is used by one goroutine at a time; concurrent callers each take
// their own handle with Clone. All handles share the queue, so each one
// observes backpressure caused by the others.
type Batch[Req, Resp any] struct {
	s        *shared[Req, Resp]
	reserved bool
	released bool
}

// New validates cfg, starts the worker and returns the first handle.
// The worker exclusively owns inner from this point on.
func New[Req, Resp any](inner Inner[Req, Resp], cfg Config, logger zerolog.Logger) (*Batch[Req, Resp], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch config: %w", err)
	}

	s := newShared(inner, cfg, logger.With().Str("component", "batcher").Logger())
	go s.run()

	s.logger.Debug().
		Int("maxSize", cfg.MaxSize).
		Dur("maxWait", cfg.MaxWait).
		Int("queueSize", cfg.QueueSize).
		Msg("batch worker started")

	return &Batch[Req, Resp]{s: s}, nil
}

// PollReady reserves a queue slot for the next Call.
// Returns Closed once the worker has terminated or this handle was closed.
func (b *Batch[Req, Resp]) PollReady() service.Readiness {
	if err := b.s.admissionErr(); err != nil {
		return service.Closed(err)
	}
	if b.released {
		return service.Closed(service.ErrClosed)
	}
	if b.reserved {
		return service.Ready()
	}

	// Take the wake channel before trying, so a release in between is not lost.
	wake := b.s.waker()
	select {
	case b.s.slots <- struct{}{}:
		b.reserved = true
		return service.Ready()
	default:
		return service.NotReady(wake)
	}
}

// Call enqueues req using the slot reserved by the preceding Ready poll.
// Calling without a reservation is a contract violation and yields
// ErrBackpressureExceeded.
func (b *Batch[Req, Resp]) Call(ctx context.Context, req Req) <-chan service.Outcome[Resp] {
	if !b.reserved {
		return service.Failed[Resp](service.ErrBackpressureExceeded)
	}
	b.reserved = false

	s := b.s
	slot := service.NewSlot[Resp]()

	s.mu.RLock()
	if s.failed != nil || s.closed {
		err := s.failed
		s.mu.RUnlock()
		if err == nil {
			err = &service.TerminatedError{Cause: service.ErrClosed}
		}
		s.release()
		slot <- service.Outcome[Resp]{Err: err}
		return slot
	}
	// never blocks: the reservation guarantees channel capacity
	s.entries <- &entry[Req, Resp]{req: req, slot: slot}
	s.mu.RUnlock()

	return slot
}

// Clone returns a new handle sharing this handle's worker
func (b *Batch[Req, Resp]) Clone() *Batch[Req, Resp] {
	s := b.s
	s.mu.Lock()
	if !s.closed {
		s.handles++
	}
	closed := s.closed
	s.mu.Unlock()
	return &Batch[Req, Resp]{s: s, released: closed}
}

// Close releases this handle. Closing the last handle closes the queue:
// the worker flushes what is pending and terminates.
func (b *Batch[Req, Resp]) Close() {
	if b.released {
		return
	}
	b.released = true
	if b.reserved {
		b.reserved = false
		b.s.release()
	}

	s := b.s
	s.mu.Lock()
	s.handles--
	last := s.handles == 0 && !s.closed
	if last {
		s.closed = true
		close(s.entries)
	}
	s.mu.Unlock()
	if last {
		s.notify()
	}
}

// Shutdown stops admission for every handle, flushes queued entries and
// waits for the worker to exit. If ctx expires first the in-flight dispatch
// is abandoned and its entries fail with a WorkerTerminated error.
func (b *Batch[Req, Resp]) Shutdown(ctx context.Context) error {
	b.s.closeQueue()
	select {
	case <-b.s.done:
		return nil
	case <-ctx.Done():
		b.s.cancel()
		<-b.s.done
		return ctx.Err()
	}
}

// Done is closed once the worker has exited
func (b *Batch[Req, Resp]) Done() <-chan struct{} {
	return b.s.done
}

// Err returns the terminal error, or nil while the worker is alive
func (b *Batch[Req, Resp]) Err() error {
	return b.s.terminalErr()
}

// Stats returns the worker counters
func (b *Batch[Req, Resp]) Stats() Stats {
	return b.s.stats.snapshot()
}
