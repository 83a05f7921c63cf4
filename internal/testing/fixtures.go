package testing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/backend"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

// Sample returns a valid sample for device with the given CPU usage.
// The timestamp is left zero; the ingestion boundary assigns it.
func Sample(device string, cpu float64) types.Sample {
	return types.Sample{
		DeviceID:    device,
		CPUUsage:    cpu,
		MemoryUsage: 42,
		DiskUsage:   73,
	}
}

// Samples returns n valid samples for device. Each sample's CPU usage
// is its index, so ordering and identity can be checked after a round
// trip.
func Samples(device string, n int) []types.Sample {
	out := make([]types.Sample, n)
	for i := range out {
		out[i] = Sample(device, float64(i))
	}
	return out
}

// SampleAt returns Sample(device, cpu) stamped with ts.
func SampleAt(device string, cpu float64, ts time.Time) types.Sample {
	s := Sample(device, cpu)
	s.Timestamp = ts
	return s
}

// =============================================================================
// FakeStore
// =============================================================================

// FakeStore is an in-memory backend.Backend whose BatchInsert outcome
// can be scripted. Every call is recorded.
type FakeStore struct {
	mu      sync.Mutex
	rows    []types.Sample
	calls   [][]types.Sample
	fail    []error
	block   chan struct{}
	ctxErrs []error

	failAlways error
	latestErr  error
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{}
}

// FailNext makes the next len(errs) BatchInsert calls fail with errs in order.
func (f *FakeStore) FailNext(errs ...error) {
	f.mu.Lock()
	f.fail = append(f.fail, errs...)
	f.mu.Unlock()
}

// FailAlways makes every BatchInsert fail with err. Nil clears it.
func (f *FakeStore) FailAlways(err error) {
	f.mu.Lock()
	f.failAlways = err
	f.mu.Unlock()
}

// FailLatest makes LatestPerDevice fail with err. Nil clears it.
func (f *FakeStore) FailLatest(err error) {
	f.mu.Lock()
	f.latestErr = err
	f.mu.Unlock()
}

// Block makes BatchInsert wait until the returned release func is
// called. The insert's context error at release time is recorded.
func (f *FakeStore) Block() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.block = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Name returns "fake".
func (f *FakeStore) Name() string { return "fake" }

// BatchInsert records the call and either persists every sample or,
// when scripted to fail, none.
func (f *FakeStore) BatchInsert(ctx context.Context, samples []types.Sample) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
		f.mu.Lock()
		f.ctxErrs = append(f.ctxErrs, ctx.Err())
		f.mu.Unlock()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	call := make([]types.Sample, len(samples))
	copy(call, samples)
	f.calls = append(f.calls, call)

	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		return err
	}
	if f.failAlways != nil {
		return f.failAlways
	}

	f.rows = append(f.rows, call...)
	return nil
}

// LatestPerDevice returns the newest persisted sample per device.
func (f *FakeStore) LatestPerDevice(context.Context) ([]types.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.latestErr != nil {
		return nil, f.latestErr
	}

	latest := make(map[string]types.Sample)
	for _, s := range f.rows {
		if cur, ok := latest[s.DeviceID]; !ok || !s.Timestamp.Before(cur.Timestamp) {
			latest[s.DeviceID] = s
		}
	}
	out := make([]types.Sample, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// QuerySamples returns matching persisted samples newest first.
func (f *FakeStore) QuerySamples(_ context.Context, q backend.Query) ([]types.Sample, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Sample
	for i := len(f.rows) - 1; i >= 0; i-- {
		if q.Matches(&f.rows[i]) {
			out = append(out, f.rows[i])
			if q.Limit > 0 && len(out) == q.Limit {
				break
			}
		}
	}
	return out, nil
}

// Health always succeeds.
func (f *FakeStore) Health(context.Context) error { return nil }

// Close is a no-op.
func (f *FakeStore) Close() error { return nil }

// Rows returns a copy of every persisted sample in insert order.
func (f *FakeStore) Rows() []types.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Sample, len(f.rows))
	copy(out, f.rows)
	return out
}

// Len returns the number of persisted samples.
func (f *FakeStore) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// Calls returns a copy of the arguments of every BatchInsert call.
func (f *FakeStore) Calls() [][]types.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]types.Sample, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallSizes returns the batch size of every BatchInsert call.
func (f *FakeStore) CallSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.calls))
	for i, c := range f.calls {
		out[i] = len(c)
	}
	return out
}

// ContextErrors returns ctx.Err() observed when each blocked insert was
// released.
func (f *FakeStore) ContextErrors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]error, len(f.ctxErrs))
	copy(out, f.ctxErrs)
	return out
}

// CheckExactlyOnce verifies that the persisted rows are exactly want,
// each once, compared by device and CPU usage.
func (f *FakeStore) CheckExactlyOnce(want []types.Sample) error {
	key := func(s types.Sample) string { return fmt.Sprintf("%s/%v", s.DeviceID, s.CPUUsage) }

	counts := make(map[string]int)
	for _, s := range f.Rows() {
		counts[key(s)]++
	}
	for _, s := range want {
		k := key(s)
		switch counts[k] {
		case 0:
			return fmt.Errorf("sample %s not persisted", k)
		case 1:
			delete(counts, k)
		default:
			return fmt.Errorf("sample %s persisted %d times", k, counts[k])
		}
	}
	for k := range counts {
		return fmt.Errorf("unexpected persisted sample %s", k)
	}
	return nil
}

// ErrInjected is the default error for scripted failures.
var ErrInjected = errors.Wrap(errors.ErrStoreUnavailable, "injected failure")
