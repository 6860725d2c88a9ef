package batcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"batchgate/internal/service"
)

// shared is the state common to every handle of one Batch
type shared[Req, Resp any] struct {
	cfg     Config
	inner   Inner[Req, Resp]
	tracker *service.Tracker
	logger  zerolog.Logger

	entries chan *entry[Req, Resp]
	slots   chan struct{} // one token per reserved or queued entry

	// mu orders enqueues (read side) against closing and termination
	mu      sync.RWMutex
	handles int
	closed  bool
	failed  error

	wakeMu sync.Mutex
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	stats counters
}

func newShared[Req, Resp any](inner Inner[Req, Resp], cfg Config, logger zerolog.Logger) *shared[Req, Resp] {
	ctx, cancel := context.WithCancel(context.Background())
	return &shared[Req, Resp]{
		cfg:     cfg,
		inner:   inner,
		tracker: service.TrackService[[]Req, []service.Outcome[Resp]](inner),
		logger:  logger,
		entries: make(chan *entry[Req, Resp], cfg.QueueSize),
		slots:   make(chan struct{}, cfg.QueueSize),
		handles: 1,
		wake:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// waker returns the channel closed on the next capacity or liveness change
func (s *shared[Req, Resp]) waker() <-chan struct{} {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	return s.wake
}

func (s *shared[Req, Resp]) notify() {
	s.wakeMu.Lock()
	close(s.wake)
	s.wake = make(chan struct{})
	s.wakeMu.Unlock()
}

// release frees one queue slot and wakes NotReady handles
func (s *shared[Req, Resp]) release() {
	<-s.slots
	s.notify()
}

func (s *shared[Req, Resp]) terminalErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failed
}

// admissionErr returns the error new calls fail with, or nil if the queue
// still accepts entries
func (s *shared[Req, Resp]) admissionErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failed != nil {
		return s.failed
	}
	if s.closed {
		return &service.TerminatedError{Cause: service.ErrClosed}
	}
	return nil
}

// closeQueue stops admission; the worker flushes what is queued and exits
func (s *shared[Req, Resp]) closeQueue() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.entries)
	}
	s.mu.Unlock()
	s.notify()
}

// run is the worker loop. It is the only caller of the inner service.
func (s *shared[Req, Resp]) run() {
	defer close(s.done)

	var (
		batch  []*entry[Req, Resp]
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timerC = nil
	}

	for {
		select {
		case e, ok := <-s.entries:
			if !ok {
				stopTimer()
				if len(batch) > 0 {
					if err := s.dispatch(batch, triggerClose); err != nil {
						s.terminate(err)
						return
					}
				}
				s.terminate(service.ErrClosed)
				return
			}

			s.release()
			batch = append(batch, e)
			if len(batch) == 1 {
				if timer == nil {
					timer = time.NewTimer(s.cfg.MaxWait)
				} else {
					timer.Reset(s.cfg.MaxWait)
				}
				timerC = timer.C
			}
			if len(batch) < s.cfg.MaxSize {
				continue
			}

			stopTimer()
			err := s.dispatch(batch, triggerSize)
			batch = nil
			if err != nil {
				s.terminate(err)
				return
			}

		case <-timerC:
			timerC = nil
			if len(batch) == 0 {
				continue
			}
			err := s.dispatch(batch, triggerTimer)
			batch = nil
			if err != nil {
				s.terminate(err)
				return
			}
		}
	}
}

// dispatch issues one batch and distributes its outcomes.
// A non-nil return is fatal to the worker; the batch entries were already
// resolved with a TerminatedError carrying it.
func (s *shared[Req, Resp]) dispatch(batch []*entry[Req, Resp], t trigger) error {
	s.stats.record(t, len(batch))

	if err := s.tracker.Wait(s.ctx); err != nil {
		s.fail(batch, err)
		return err
	}
	s.tracker.Consume()

	reqs := make([]Req, len(batch))
	for i, e := range batch {
		reqs[i] = e.req
	}

	s.logger.Debug().
		Int("entries", len(batch)).
		Str("trigger", string(t)).
		Msg("dispatching batch")

	slot, err := s.callInner(reqs)
	if err != nil {
		s.logger.Error().Err(err).Msg("inner service panicked")
		s.fail(batch, err)
		return err
	}

	var out service.Outcome[[]service.Outcome[Resp]]
	select {
	case out = <-slot:
	case <-s.ctx.Done():
		s.fail(batch, s.ctx.Err())
		return s.ctx.Err()
	}

	if out.Err != nil {
		s.logger.Debug().Err(out.Err).Int("entries", len(batch)).Msg("batch failed")
		inner := &service.InnerServiceError{Err: out.Err}
		for _, e := range batch {
			service.Deliver(e.slot, service.Outcome[Resp]{Err: inner})
		}
		return nil
	}

	if len(out.Response) != len(batch) {
		mismatch := &service.MismatchError{Want: len(batch), Got: len(out.Response)}
		s.logger.Error().
			Int("expected", len(batch)).
			Int("got", len(out.Response)).
			Msg("batch outcome size mismatch")
		s.fail(batch, mismatch)
		return mismatch
	}

	for i, e := range batch {
		o := out.Response[i]
		if o.Err != nil {
			o.Err = &service.InnerServiceError{Err: o.Err}
		}
		service.Deliver(e.slot, o)
	}
	return nil
}

// callInner shields the worker from a panicking inner service
func (s *shared[Req, Resp]) callInner(reqs []Req) (slot <-chan service.Outcome[[]service.Outcome[Resp]], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inner service panic: %v", r)
		}
	}()
	return s.inner.Call(s.ctx, reqs), nil
}

func (s *shared[Req, Resp]) fail(batch []*entry[Req, Resp], cause error) {
	err := &service.TerminatedError{Cause: cause}
	for _, e := range batch {
		service.Deliver(e.slot, service.Outcome[Resp]{Err: err})
	}
}

// terminate latches the worker failure and fails every queued entry
func (s *shared[Req, Resp]) terminate(cause error) {
	err := &service.TerminatedError{Cause: cause}

	s.mu.Lock()
	if s.failed == nil {
		s.failed = err
	}
	s.mu.Unlock()

	// No enqueue can start after failed is set, so draining empties the queue.
	drained := 0
	for {
		select {
		case e, ok := <-s.entries:
			if !ok {
				s.finishTermination(drained)
				return
			}
			<-s.slots
			drained++
			service.Deliver(e.slot, service.Outcome[Resp]{Err: err})
		default:
			s.finishTermination(drained)
			return
		}
	}
}

func (s *shared[Req, Resp]) finishTermination(drained int) {
	s.cancel()
	s.notify()
	s.logger.Info().
		Err(s.terminalErr()).
		Int("failedQueued", drained).
		Msg("batch worker terminated")
}
