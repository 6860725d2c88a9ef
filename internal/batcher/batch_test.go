package batcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"batchgate/internal/service"
)

// testInner records every batch it receives
type testInner struct {
	mu         sync.Mutex
	batches    [][]int
	handler    func(reqs []int) ([]service.Outcome[int], error)
	ready      func() service.Readiness
	dispatched chan []int
}

func newTestInner() *testInner {
	return &testInner{
		handler:    doubleAll,
		dispatched: make(chan []int, 128),
	}
}

func doubleAll(reqs []int) ([]service.Outcome[int], error) {
	outs := make([]service.Outcome[int], len(reqs))
	for i, r := range reqs {
		outs[i] = service.Outcome[int]{Response: r * 2}
	}
	return outs, nil
}

func (ti *testInner) PollReady() service.Readiness {
	if ti.ready != nil {
		return ti.ready()
	}
	return service.Ready()
}

func (ti *testInner) Call(ctx context.Context, reqs []int) <-chan service.Outcome[[]service.Outcome[int]] {
	cp := append([]int(nil), reqs...)
	ti.mu.Lock()
	ti.batches = append(ti.batches, cp)
	handler := ti.handler
	ti.mu.Unlock()

	select {
	case ti.dispatched <- cp:
	default:
	}

	slot := service.NewSlot[[]service.Outcome[int]]()
	go func() {
		outs, err := handler(cp)
		slot <- service.Outcome[[]service.Outcome[int]]{Response: outs, Err: err}
	}()
	return slot
}

func (ti *testInner) batchSizes() []int {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	sizes := make([]int, len(ti.batches))
	for i, b := range ti.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func newTestBatch(t *testing.T, inner *testInner, cfg Config) *Batch[int, int] {
	t.Helper()
	b, err := New[int, int](inner, cfg, zerolog.Nop())
	require.NoError(t, err)
	return b
}

// submit requires an immediate Ready and enqueues req
func submit(t *testing.T, b *Batch[int, int], req int) <-chan service.Outcome[int] {
	t.Helper()
	require.True(t, b.PollReady().IsReady(), "handle must be ready")
	return b.Call(context.Background(), req)
}

func await(t *testing.T, slot <-chan service.Outcome[int]) service.Outcome[int] {
	t.Helper()
	select {
	case o := <-slot:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("outcome not delivered")
		return service.Outcome[int]{}
	}
}

func waitDispatch(t *testing.T, inner *testInner) []int {
	t.Helper()
	select {
	case b := <-inner.dispatched:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("batch not dispatched")
		return nil
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{MaxSize: 1, MaxWait: time.Millisecond, QueueSize: 1}
	assert.NoError(t, valid.Validate())

	for _, cfg := range []Config{
		{MaxSize: 0, MaxWait: time.Millisecond, QueueSize: 1},
		{MaxSize: 1, MaxWait: 0, QueueSize: 1},
		{MaxSize: 1, MaxWait: time.Millisecond, QueueSize: 0},
	} {
		assert.Error(t, cfg.Validate())
		_, err := New[int, int](newTestInner(), cfg, zerolog.Nop())
		assert.Error(t, err)
	}
}

func TestBatch_EveryRequestGetsExactlyOneOutcome(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n = 64
	inner := newTestInner()
	b := newTestBatch(t, inner, Config{MaxSize: 8, MaxWait: 5 * time.Millisecond, QueueSize: n})

	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		h := b.Clone()
		wg.Add(1)
		go func(i int, h *Batch[int, int]) {
			defer wg.Done()
			defer h.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			results[i], errs[i] = service.Oneshot[int, int](ctx, h, i)
		}(i, h)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, i*2, results[i])
	}

	total := 0
	for _, size := range inner.batchSizes() {
		assert.LessOrEqual(t, size, 8)
		total += size
	}
	assert.Equal(t, n, total)

	b.Close()
	<-b.Done()
}

func TestBatch_CallWithoutReadyIsBackpressureViolation(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBatch(t, newTestInner(), Config{MaxSize: 1, MaxWait: time.Second, QueueSize: 1})
	o := await(t, b.Call(context.Background(), 1))
	assert.ErrorIs(t, o.Err, service.ErrBackpressureExceeded)

	b.Close()
	<-b.Done()
}

func TestBatch_TimerTriggersPartialBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	inner := newTestInner()
	b := newTestBatch(t, inner, Config{MaxSize: 4, MaxWait: 50 * time.Millisecond, QueueSize: 8})
	defer func() {
		b.Close()
		<-b.Done()
	}()

	start := time.Now()
	slots := make([]<-chan service.Outcome[int], 3)
	for i := range slots {
		slots[i] = submit(t, b, i)
	}

	batch := waitDispatch(t, inner)
	elapsed := time.Since(start)
	assert.Equal(t, []int{0, 1, 2}, batch)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond, "size-1 entries must wait for the timer")

	for i, slot := range slots {
		o := await(t, slot)
		require.NoError(t, o.Err)
		assert.Equal(t, i*2, o.Response)
	}
	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.TimerTriggered)
	assert.Equal(t, uint64(0), stats.SizeTriggered)
}

func TestBatch_SizeTriggersImmediateDispatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	inner := newTestInner()
	b := newTestBatch(t, inner, Config{MaxSize: 4, MaxWait: time.Hour, QueueSize: 8})
	defer func() {
		b.Close()
		<-b.Done()
	}()

	slots := make([]<-chan service.Outcome[int], 4)
	for i := range slots {
		slots[i] = submit(t, b, i)
	}

	assert.Equal(t, []int{0, 1, 2, 3}, waitDispatch(t, inner))
	for _, slot := range slots {
		require.NoError(t, await(t, slot).Err)
	}
	assert.Equal(t, uint64(1), b.Stats().SizeTriggered)
}

// Three entries at t=0 and a fourth at t=10ms share one size-triggered batch.
func TestBatch_LateEntryJoinsPendingBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	inner := newTestInner()
	b := newTestBatch(t, inner, Config{MaxSize: 4, MaxWait: 50 * time.Millisecond, QueueSize: 8})
	defer func() {
		b.Close()
		<-b.Done()
	}()

	start := time.Now()
	var slots []<-chan service.Outcome[int]
	for i := 0; i < 3; i++ {
		slots = append(slots, submit(t, b, i))
	}
	time.Sleep(10 * time.Millisecond)
	slots = append(slots, submit(t, b, 3))

	batch := waitDispatch(t, inner)
	assert.Equal(t, []int{0, 1, 2, 3}, batch)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	for _, slot := range slots {
		require.NoError(t, await(t, slot).Err)
	}
	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Batches)
	assert.Equal(t, uint64(1), stats.SizeTriggered)
	assert.Equal(t, uint64(0), stats.TimerTriggered)
}

func TestBatch_BatchLevelErrorReachesEveryEntry(t *testing.T) {
	defer goleak.VerifyNone(t)

	verifyErr := errors.New("batch verification failed")
	inner := newTestInner()
	inner.handler = func(reqs []int) ([]service.Outcome[int], error) {
		return nil, verifyErr
	}
	b := newTestBatch(t, inner, Config{MaxSize: 3, MaxWait: time.Hour, QueueSize: 8})

	var slots []<-chan service.Outcome[int]
	for i := 0; i < 3; i++ {
		slots = append(slots, submit(t, b, i))
	}

	var first error
	for _, slot := range slots {
		o := await(t, slot)
		require.Error(t, o.Err)
		assert.ErrorIs(t, o.Err, verifyErr)
		assert.True(t, service.IsTransient(o.Err))
		if first == nil {
			first = o.Err
		}
		assert.Equal(t, first.Error(), o.Err.Error())
	}

	// the worker survives an inner failure
	assert.NoError(t, b.Err())
	assert.True(t, b.PollReady().IsReady())

	b.Close()
	<-b.Done()
}

func TestBatch_PerEntryOutcomesArePositional(t *testing.T) {
	defer goleak.VerifyNone(t)

	badSig := errors.New("bad signature")
	inner := newTestInner()
	inner.handler = func(reqs []int) ([]service.Outcome[int], error) {
		outs := make([]service.Outcome[int], len(reqs))
		for i, r := range reqs {
			if r%2 == 1 {
				outs[i] = service.Outcome[int]{Err: badSig}
			} else {
				outs[i] = service.Outcome[int]{Response: r * 10}
			}
		}
		return outs, nil
	}
	b := newTestBatch(t, inner, Config{MaxSize: 4, MaxWait: time.Hour, QueueSize: 8})

	var slots []<-chan service.Outcome[int]
	for i := 0; i < 4; i++ {
		slots = append(slots, submit(t, b, i))
	}
	for i, slot := range slots {
		o := await(t, slot)
		if i%2 == 1 {
			assert.ErrorIs(t, o.Err, badSig)
		} else {
			require.NoError(t, o.Err)
			assert.Equal(t, i*10, o.Response)
		}
	}

	b.Close()
	<-b.Done()
}

func TestBatch_OutcomeMismatchTerminatesWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	inner := newTestInner()
	inner.handler = func(reqs []int) ([]service.Outcome[int], error) {
		<-gate
		return nil, nil
	}
	b := newTestBatch(t, inner, Config{MaxSize: 1, MaxWait: time.Hour, QueueSize: 4})

	first := submit(t, b, 1)
	waitDispatch(t, inner)

	queued := []<-chan service.Outcome[int]{submit(t, b, 2), submit(t, b, 3)}
	close(gate)

	o := await(t, first)
	assert.ErrorIs(t, o.Err, service.ErrWorkerTerminated)
	assert.ErrorIs(t, o.Err, service.ErrOutcomeMismatch)

	for _, slot := range queued {
		o := await(t, slot)
		assert.ErrorIs(t, o.Err, service.ErrWorkerTerminated)
		assert.True(t, service.IsPermanent(o.Err))
	}

	<-b.Done()
	r := b.PollReady()
	assert.True(t, r.IsClosed())
	assert.ErrorIs(t, r.Err, service.ErrWorkerTerminated)
	assert.ErrorIs(t, b.Err(), service.ErrOutcomeMismatch)

	// clones observe the same terminal state
	h := b.Clone()
	assert.True(t, h.PollReady().IsClosed())
	h.Close()
	b.Close()
}

func TestBatch_PanickingInnerTerminatesWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	b, err := New[int, int](panicInner{}, Config{MaxSize: 1, MaxWait: time.Hour, QueueSize: 1}, zerolog.Nop())
	require.NoError(t, err)

	o := await(t, submit(t, b, 1))
	assert.ErrorIs(t, o.Err, service.ErrWorkerTerminated)
	<-b.Done()
	assert.True(t, b.PollReady().IsClosed())
	b.Close()
}

type panicInner struct{}

func (panicInner) PollReady() service.Readiness { return service.Ready() }

func (panicInner) Call(ctx context.Context, reqs []int) <-chan service.Outcome[[]service.Outcome[int]] {
	panic("verifier exploded")
}

func TestBatch_BackpressureAcrossHandles(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	inner := newTestInner()
	inner.handler = func(reqs []int) ([]service.Outcome[int], error) {
		<-gate
		return doubleAll(reqs)
	}
	b := newTestBatch(t, inner, Config{MaxSize: 1, MaxWait: time.Hour, QueueSize: 2})
	h2, h3, h4 := b.Clone(), b.Clone(), b.Clone()

	// the worker takes the first entry and blocks on the inner service
	s1 := submit(t, b, 1)
	waitDispatch(t, inner)

	s2 := submit(t, h2, 2)
	s3 := submit(t, h3, 3)

	r := h4.PollReady()
	require.Equal(t, service.StateNotReady, r.State, "queue is full")
	require.NotNil(t, r.Wake)

	close(gate)

	select {
	case <-r.Wake:
	case <-time.After(2 * time.Second):
		t.Fatal("capacity release did not wake the waiting handle")
	}
	require.NoError(t, service.WaitReady[int, int](context.Background(), h4))
	s4 := h4.Call(context.Background(), 4)

	for i, slot := range []<-chan service.Outcome[int]{s1, s2, s3, s4} {
		o := await(t, slot)
		require.NoError(t, o.Err)
		assert.Equal(t, (i+1)*2, o.Response)
	}

	for _, h := range []*Batch[int, int]{b, h2, h3, h4} {
		h.Close()
	}
	<-b.Done()
}

func TestBatch_UnusedReservationIsReleasedOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBatch(t, newTestInner(), Config{MaxSize: 1, MaxWait: time.Hour, QueueSize: 1})
	h := b.Clone()
	require.True(t, h.PollReady().IsReady())
	assert.Equal(t, service.StateNotReady, b.PollReady().State)

	h.Close()
	require.True(t, b.PollReady().IsReady())
	require.NoError(t, await(t, b.Call(context.Background(), 5)).Err)

	b.Close()
	<-b.Done()
}

func TestBatch_ClosingLastHandleFlushes(t *testing.T) {
	defer goleak.VerifyNone(t)

	inner := newTestInner()
	b := newTestBatch(t, inner, Config{MaxSize: 10, MaxWait: time.Hour, QueueSize: 10})
	h := b.Clone()

	s1 := submit(t, b, 1)
	s2 := submit(t, h, 2)

	b.Close()
	// another handle is still open: nothing is flushed yet
	assert.True(t, h.PollReady().IsReady())
	h.Close()

	assert.Equal(t, 2, await(t, s1).Response)
	assert.Equal(t, 4, await(t, s2).Response)

	<-b.Done()
	assert.ErrorIs(t, b.Err(), service.ErrWorkerTerminated)
	assert.ErrorIs(t, b.Err(), service.ErrClosed)
	assert.Equal(t, uint64(1), b.Stats().CloseTriggered)
	assert.Equal(t, []int{2}, inner.batchSizes())
}

func TestBatch_ShutdownFlushesQueued(t *testing.T) {
	defer goleak.VerifyNone(t)

	inner := newTestInner()
	b := newTestBatch(t, inner, Config{MaxSize: 10, MaxWait: time.Hour, QueueSize: 10})
	h := b.Clone()

	s1 := submit(t, b, 1)
	s2 := submit(t, h, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	assert.Equal(t, 2, await(t, s1).Response)
	assert.Equal(t, 4, await(t, s2).Response)

	r := h.PollReady()
	assert.True(t, r.IsClosed())
	assert.True(t, service.IsPermanent(r.Err))

	h.Close()
	b.Close()
}

func TestBatch_ShutdownDeadlineAbandonsDispatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	defer close(gate)
	inner := newTestInner()
	inner.handler = func(reqs []int) ([]service.Outcome[int], error) {
		<-gate
		return doubleAll(reqs)
	}
	b := newTestBatch(t, inner, Config{MaxSize: 1, MaxWait: time.Hour, QueueSize: 2})

	s1 := submit(t, b, 1)
	waitDispatch(t, inner)
	s2 := submit(t, b, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Shutdown(ctx), context.DeadlineExceeded)

	assert.ErrorIs(t, await(t, s1).Err, service.ErrWorkerTerminated)
	assert.ErrorIs(t, await(t, s2).Err, service.ErrWorkerTerminated)
	b.Close()
}

func TestBatch_AbandonedCallerDoesNotAffectBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	inner := newTestInner()
	b := newTestBatch(t, inner, Config{MaxSize: 2, MaxWait: time.Hour, QueueSize: 4})

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, b.PollReady().IsReady())
	abandoned := b.Call(ctx, 1)
	cancel()
	_, err := service.Await(ctx, abandoned)
	require.ErrorIs(t, err, context.Canceled)

	kept := submit(t, b, 2)
	o := await(t, kept)
	require.NoError(t, o.Err)
	assert.Equal(t, 4, o.Response)
	assert.Equal(t, []int{2}, inner.batchSizes())

	b.Close()
	<-b.Done()
}

func TestBatch_WaitsForInnerReadiness(t *testing.T) {
	defer goleak.VerifyNone(t)

	var (
		mu   sync.Mutex
		open bool
		wake = make(chan struct{})
	)
	inner := newTestInner()
	inner.ready = func() service.Readiness {
		mu.Lock()
		defer mu.Unlock()
		if open {
			return service.Ready()
		}
		return service.NotReady(wake)
	}
	b := newTestBatch(t, inner, Config{MaxSize: 1, MaxWait: time.Hour, QueueSize: 2})

	slot := submit(t, b, 7)
	select {
	case <-inner.dispatched:
		t.Fatal("dispatched before the inner service was ready")
	case <-time.After(30 * time.Millisecond):
	}

	mu.Lock()
	open = true
	close(wake)
	mu.Unlock()

	assert.Equal(t, 14, await(t, slot).Response)
	b.Close()
	<-b.Done()
}

func TestBatch_InnerClosedTerminatesWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	gone := errors.New("verifier shut down")
	inner := newTestInner()
	inner.ready = func() service.Readiness { return service.Closed(gone) }
	b := newTestBatch(t, inner, Config{MaxSize: 1, MaxWait: time.Hour, QueueSize: 2})

	o := await(t, submit(t, b, 1))
	assert.ErrorIs(t, o.Err, service.ErrWorkerTerminated)
	assert.ErrorIs(t, o.Err, gone)

	<-b.Done()
	r := b.PollReady()
	assert.True(t, r.IsClosed())
	assert.ErrorIs(t, r.Err, gone)
	assert.Empty(t, inner.batchSizes())
	b.Close()
}

func TestInnerFunc(t *testing.T) {
	defer goleak.VerifyNone(t)

	inner := InnerFunc(func(ctx context.Context, reqs []string) ([]service.Outcome[int], error) {
		outs := make([]service.Outcome[int], len(reqs))
		for i, r := range reqs {
			outs[i] = service.Outcome[int]{Response: len(r)}
		}
		return outs, nil
	})
	b, err := New[string, int](inner, Config{MaxSize: 2, MaxWait: time.Millisecond, QueueSize: 2}, zerolog.Nop())
	require.NoError(t, err)

	n, err := service.Oneshot[string, int](context.Background(), b, "abcd")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	b.Close()
	<-b.Done()
}
