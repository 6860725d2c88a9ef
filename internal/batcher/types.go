package batcher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"batchgate/internal/service"
)

// Config holds the construction-time batching parameters
type Config struct {
	MaxSize   int           // dispatch once this many entries are queued
	MaxWait   time.Duration // dispatch once the first entry waited this long
	QueueSize int           // bounded channel capacity shared by all handles
}

// Validate checks the batching parameters
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return errors.New("batch max size must be positive")
	}
	if c.MaxWait <= 0 {
		return errors.New("batch max wait must be positive")
	}
	if c.QueueSize <= 0 {
		return errors.New("batch queue size must be positive")
	}
	return nil
}

// Inner is the service a Batch dispatches to.
// A successful call returns one outcome per request, positionally aligned.
// A failed call fails the whole batch.
type Inner[Req, Resp any] interface {
	service.Service[[]Req, []service.Outcome[Resp]]
}

// InnerFunc adapts a batch function into an always-ready Inner
func InnerFunc[Req, Resp any](fn func(ctx context.Context, reqs []Req) ([]service.Outcome[Resp], error)) Inner[Req, Resp] {
	return service.Func[[]Req, []service.Outcome[Resp]](fn)
}

// entry pairs a request with its delivery slot
type entry[Req, Resp any] struct {
	req  Req
	slot chan service.Outcome[Resp]
}

// trigger names what caused a dispatch
type trigger string

const (
	triggerSize  trigger = "size"
	triggerTimer trigger = "timer"
	triggerClose trigger = "close"
)

// Stats is a snapshot of worker counters
type Stats struct {
	Batches        uint64
	Entries        uint64
	SizeTriggered  uint64
	TimerTriggered uint64
	CloseTriggered uint64
}

type counters struct {
	batches        atomic.Uint64
	entries        atomic.Uint64
	sizeTriggered  atomic.Uint64
	timerTriggered atomic.Uint64
	closeTriggered atomic.Uint64
}

func (c *counters) record(t trigger, n int) {
	c.batches.Add(1)
	c.entries.Add(uint64(n))
	switch t {
	case triggerSize:
		c.sizeTriggered.Add(1)
	case triggerTimer:
		c.timerTriggered.Add(1)
	case triggerClose:
		c.closeTriggered.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Batches:        c.batches.Load(),
		Entries:        c.entries.Load(),
		SizeTriggered:  c.sizeTriggered.Load(),
		TimerTriggered: c.timerTriggered.Load(),
		CloseTriggered: c.closeTriggered.Load(),
	}
}
