package writer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/queue"
	"github.com/xtxerr/sentinel/internal/storage/types"
	testutil "github.com/xtxerr/sentinel/internal/testing"
)

const waitFor = 2 * time.Second

func newTestWriter(t *testing.T, store Store, pollTimeout time.Duration) (*Writer, *queue.Queue) {
	t.Helper()
	q := queue.New()
	w, err := New(q, store, Config{
		BatchSize:    20,
		PollTimeout:  pollTimeout,
		FlushTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(w.Stop)
	return w, q
}

func enqueueAll(t *testing.T, q *queue.Queue, samples []types.Sample) {
	t.Helper()
	for _, s := range samples {
		if err := q.Enqueue(s); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
}

func equalSizes(got []int, want ...int) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestWriter_SizeTrigger(t *testing.T) {
	store := testutil.NewFakeStore()
	w, q := newTestWriter(t, store, time.Hour)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	enqueueAll(t, q, testutil.Samples("d1", 20))

	if err := testutil.Eventually(waitFor, 5*time.Millisecond, func() bool { return store.Len() == 20 }); err != nil {
		t.Fatalf("size trigger: %v (calls %v)", err, store.CallSizes())
	}
	if got := store.CallSizes(); !equalSizes(got, 20) {
		t.Errorf("CallSizes() = %v, want [20]", got)
	}
}

func TestWriter_BurstThenIdle(t *testing.T) {
	store := testutil.NewFakeStore()
	w, q := newTestWriter(t, store, 50*time.Millisecond)
	w.Start()

	enqueueAll(t, q, testutil.Samples("d1", 25))

	if err := testutil.Eventually(waitFor, 5*time.Millisecond, func() bool { return store.Len() == 25 }); err != nil {
		t.Fatalf("burst: %v (calls %v)", err, store.CallSizes())
	}
	if got := store.CallSizes(); !equalSizes(got, 20, 5) {
		t.Errorf("CallSizes() = %v, want [20 5]", got)
	}

	// Order within the stream is preserved.
	rows := store.Rows()
	for i, s := range rows {
		if s.CPUUsage != float64(i) {
			t.Fatalf("row %d has cpu %v", i, s.CPUUsage)
		}
	}
}

func TestWriter_IdleFlush(t *testing.T) {
	store := testutil.NewFakeStore()
	w, q := newTestWriter(t, store, 30*time.Millisecond)
	w.Start()

	enqueueAll(t, q, testutil.Samples("d1", 3))

	if err := testutil.Eventually(waitFor, 5*time.Millisecond, func() bool { return store.Len() == 3 }); err != nil {
		t.Fatalf("idle flush: %v", err)
	}
	if got := store.CallSizes(); !equalSizes(got, 3) {
		t.Errorf("CallSizes() = %v, want [3]", got)
	}
}

func TestWriter_NoFlushWhenEmpty(t *testing.T) {
	store := testutil.NewFakeStore()
	w, _ := newTestWriter(t, store, 10*time.Millisecond)
	w.Start()

	time.Sleep(80 * time.Millisecond)
	if n := len(store.Calls()); n != 0 {
		t.Errorf("empty batch should never be flushed, got %d calls", n)
	}
}

func TestWriter_FailedFlushRetainsBatch(t *testing.T) {
	store := testutil.NewFakeStore()
	store.FailNext(testutil.ErrInjected)

	var mu sync.Mutex
	var results []FlushResult
	q := queue.New()
	w, err := New(q, store, Config{
		BatchSize:    20,
		PollTimeout:  time.Hour,
		FlushTimeout: time.Second,
		OnFlush: func(r FlushResult) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.Start()

	first := testutil.Samples("d1", 20)
	enqueueAll(t, q, first)

	if err := testutil.Eventually(waitFor, 5*time.Millisecond, func() bool { return len(store.Calls()) == 1 }); err != nil {
		t.Fatalf("first flush attempt: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("failed flush persisted %d samples", store.Len())
	}
	if got := w.Stats().Pending; got != 20 {
		t.Errorf("Pending = %d, want 20 retained", got)
	}

	// The next arrival triggers a retry carrying the union.
	extra := testutil.Sample("d2", 99)
	enqueueAll(t, q, []types.Sample{extra})

	if err := testutil.Eventually(waitFor, 5*time.Millisecond, func() bool { return store.Len() == 21 }); err != nil {
		t.Fatalf("retry: %v (calls %v)", err, store.CallSizes())
	}
	if got := store.CallSizes(); !equalSizes(got, 20, 21) {
		t.Errorf("CallSizes() = %v, want [20 21]", got)
	}
	if err := store.CheckExactlyOnce(append(first, extra)); err != nil {
		t.Error(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 || results[0].Err == nil || results[1].Err != nil {
		t.Errorf("unexpected flush results: %+v", results)
	}
	if results[0].Reason != ReasonSize {
		t.Errorf("first reason = %s, want size", results[0].Reason)
	}

	stats := w.Stats()
	if stats.FlushFailures != 1 || stats.BatchesFlushed != 1 || stats.SamplesPersisted != 21 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWriter_StopFlushesRemainder(t *testing.T) {
	store := testutil.NewFakeStore()
	w, q := newTestWriter(t, store, time.Hour)
	w.Start()

	enqueueAll(t, q, testutil.Samples("d1", 5))

	if err := testutil.WithTimeout(waitFor, func() error { w.Stop(); return nil }); err != nil {
		t.Fatal(err)
	}

	if w.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", w.State())
	}
	if got := store.CallSizes(); !equalSizes(got, 5) {
		t.Errorf("CallSizes() = %v, want exactly one final flush of 5", got)
	}
	if err := q.Enqueue(testutil.Sample("d1", 1)); !errors.Is(err, errors.ErrQueueClosed) {
		t.Errorf("Enqueue after Stop = %v, want ErrQueueClosed", err)
	}
}

func TestWriter_StopWithoutStartDrains(t *testing.T) {
	store := testutil.NewFakeStore()
	w, q := newTestWriter(t, store, time.Hour)

	enqueueAll(t, q, testutil.Samples("d1", 7))
	w.Stop()

	if got := store.CallSizes(); !equalSizes(got, 7) {
		t.Errorf("CallSizes() = %v, want [7]", got)
	}
	if err := w.Start(); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Start after Stop = %v, want ErrInvalidTransition", err)
	}
}

func TestWriter_StopEmptyDoesNotFlush(t *testing.T) {
	store := testutil.NewFakeStore()
	w, _ := newTestWriter(t, store, time.Hour)
	w.Start()
	w.Stop()

	if n := len(store.Calls()); n != 0 {
		t.Errorf("empty final batch should not be flushed, got %d calls", n)
	}
}

func TestWriter_FinalFlushFailureCountsLoss(t *testing.T) {
	store := testutil.NewFakeStore()
	store.FailAlways(testutil.ErrInjected)
	w, q := newTestWriter(t, store, time.Hour)
	w.Start()

	enqueueAll(t, q, testutil.Samples("d1", 4))
	w.Stop()

	stats := w.Stats()
	if stats.SamplesLost != 4 {
		t.Errorf("SamplesLost = %d, want 4", stats.SamplesLost)
	}
	if stats.State != StateStopped {
		t.Errorf("State = %s, want stopped", stats.State)
	}
	if n := len(store.Calls()); n != 1 {
		t.Errorf("expected exactly one final attempt, got %d", n)
	}
}

func TestWriter_StopIsIdempotentAndJoins(t *testing.T) {
	store := testutil.NewFakeStore()
	w, q := newTestWriter(t, store, time.Hour)
	w.Start()
	enqueueAll(t, q, testutil.Samples("d1", 3))

	gt := testutil.NewGoroutineTestWithTimeout(t, waitFor)
	for i := 0; i < 5; i++ {
		gt.Go(func() error {
			w.Stop()
			return testutil.AssertEqual(w.State(), StateStopped, "state after Stop")
		})
	}
	gt.Wait()

	w.Stop()
	if got := store.CallSizes(); !equalSizes(got, 3) {
		t.Errorf("CallSizes() = %v, want [3]", got)
	}
}

func TestWriter_StopDoesNotCancelInflightFlush(t *testing.T) {
	store := testutil.NewFakeStore()
	release := store.Block()
	defer release()

	q := queue.New()
	w, err := New(q, store, Config{BatchSize: 1, PollTimeout: time.Hour, FlushTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	enqueueAll(t, q, testutil.Samples("d1", 1))

	// Let the writer enter BatchInsert.
	time.Sleep(30 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a flush was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("Stop did not return after flush completed")
	}

	for i, err := range store.ContextErrors() {
		if err != nil {
			t.Errorf("insert %d saw cancelled context: %v", i, err)
		}
	}
	if store.Len() != 1 {
		t.Errorf("persisted %d, want 1", store.Len())
	}
}

// panicStore panics on its first call.
type panicStore struct {
	*testutil.FakeStore
	once sync.Once
}

func (p *panicStore) BatchInsert(ctx context.Context, samples []types.Sample) error {
	p.once.Do(func() { panic("driver bug") })
	return p.FakeStore.BatchInsert(ctx, samples)
}

func TestWriter_PanicDoesNotKillLoop(t *testing.T) {
	store := &panicStore{FakeStore: testutil.NewFakeStore()}
	w, q := newTestWriter(t, store, 20*time.Millisecond)
	w.Start()

	enqueueAll(t, q, testutil.Samples("d1", 2))

	// First idle flush panics; the next idle timeout retries the same batch.
	if err := testutil.Eventually(waitFor, 5*time.Millisecond, func() bool { return store.Len() == 2 }); err != nil {
		t.Fatalf("retry after panic: %v", err)
	}
	if w.Stats().Panics != 1 {
		t.Errorf("Panics = %d, want 1", w.Stats().Panics)
	}
	if w.State() != StateRunning {
		t.Errorf("State() = %s, want running", w.State())
	}
}

func TestWriter_StartTwice(t *testing.T) {
	w, _ := newTestWriter(t, testutil.NewFakeStore(), time.Hour)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("second Start = %v, want ErrInvalidTransition", err)
	}
}

func TestWriter_ConcurrentProducersExactlyOnce(t *testing.T) {
	store := testutil.NewFakeStore()
	w, q := newTestWriter(t, store, 20*time.Millisecond)
	w.Start()

	devices := []string{"a", "b", "c", "d"}
	var want []types.Sample
	gt := testutil.NewGoroutineTest(t)
	for _, d := range devices {
		samples := testutil.Samples(d, 137)
		want = append(want, samples...)
		gt.Go(func() error {
			for _, s := range samples {
				if err := q.Enqueue(s); err != nil {
					return err
				}
			}
			return nil
		})
	}
	gt.Wait()

	w.Stop()
	if err := store.CheckExactlyOnce(want); err != nil {
		t.Error(err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.BatchSize != 20 || cfg.PollTimeout != 5*time.Second || cfg.FlushTimeout != 10*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	bad := Config{}
	err := bad.Validate()
	if err == nil {
		t.Fatal("zero config should be invalid")
	}
	if !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:     "idle",
		StateRunning:  "running",
		StateDraining: "draining",
		StateStopped:  "stopped",
		State(42):     "unknown(42)",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
