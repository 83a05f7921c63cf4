// Package testing holds helpers shared by the pipeline tests: a way to
// run assertions on worker goroutines, polling helpers for
// asynchronous flushes, sample fixtures and a scriptable store.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// GoroutineTest collects errors from goroutines spawned by a test.
//
// t.Fatal only exits the goroutine that calls it, so workers return an
// error instead and Wait reports them on the test goroutine:
//
//	gt := testutil.NewGoroutineTest(t)
//	for i := 0; i < producers; i++ {
//	    gt.Go(func() error {
//	        _, err := svc.Accept(ctx, testutil.Samples("d", 10))
//	        return err
//	    })
//	}
//	gt.Wait()
type GoroutineTest struct {
	t      *testing.T
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest returns a GoroutineTest without a deadline.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	ctx, cancel := context.WithCancel(context.Background())
	return &GoroutineTest{t: t, ctx: ctx, cancel: cancel}
}

// NewGoroutineTestWithTimeout fails the test in Wait if the goroutines
// have not all returned within timeout.
func NewGoroutineTestWithTimeout(t *testing.T, timeout time.Duration) *GoroutineTest {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &GoroutineTest{t: t, ctx: ctx, cancel: cancel}
}

// Go runs fn on a new goroutine and records its error.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
	}()
}

// Wait blocks until every goroutine returned or the deadline passed,
// then fails the test with everything that was recorded.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	defer gt.cancel()

	done := make(chan struct{})
	go func() {
		gt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-gt.ctx.Done():
		gt.t.Fatalf("goroutines still running: %v", gt.ctx.Err())
	}

	gt.mu.Lock()
	defer gt.mu.Unlock()
	for i, err := range gt.errs {
		gt.t.Errorf("goroutine error [%d]: %v", i+1, err)
	}
	if len(gt.errs) > 0 {
		gt.t.FailNow()
	}
}

// WithTimeout returns an error if fn has not returned within timeout.
// fn keeps running in the background in that case.
func WithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("operation timed out after %v", timeout)
	}
}

// Eventually polls condition every interval until it holds or timeout
// elapses.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	if condition() {
		return nil
	}
	return fmt.Errorf("condition not met within %v", timeout)
}

// Consistently fails if condition turns false at any point during d.
func Consistently(d, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !condition() {
			return fmt.Errorf("condition turned false after %v", d-time.Until(deadline))
		}
		time.Sleep(interval)
	}
	return nil
}

// AssertEqual returns an error if got != want. Meant for GoroutineTest
// workers, which cannot call t.Errorf themselves.
func AssertEqual[T comparable](got, want T, msg string) error {
	if got != want {
		return fmt.Errorf("%s: got %v, want %v", msg, got, want)
	}
	return nil
}
