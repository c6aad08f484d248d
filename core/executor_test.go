package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestExecutorFIFO(t *testing.T) {
	e := NewExecutor(16, nil)
	defer e.Close()

	var (
		mu    sync.Mutex
		order []int
	)
	block := make(chan struct{})
	started := make(chan struct{})
	go e.Do(context.Background(), func() error {
		close(started)
		<-block
		return nil
	})
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.Do(context.Background(), func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// wait for the task to be queued so submission order is fixed
		for len(e.tasks) < i+1 {
			time.Sleep(time.Millisecond)
		}
	}
	close(block)
	wg.Wait()

	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, order); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}
}

func TestExecutorOneInFlight(t *testing.T) {
	e := NewExecutor(64, nil)
	defer e.Close()

	var (
		mu      sync.Mutex
		running int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Do(context.Background(), func() error {
				mu.Lock()
				running++
				peak = max(peak, running)
				mu.Unlock()
				time.Sleep(100 * time.Microsecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestExecutorResult(t *testing.T) {
	e := NewExecutor(1, nil)
	defer e.Close()

	want := errors.New("boom")
	if err := e.Do(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Do() = %v, want %v", err, want)
	}
	err := e.Do(context.Background(), func() error { panic("bad") })
	if err == nil {
		t.Error("panicking task returned nil error")
	}
	// the worker survives a panic
	if err := e.Do(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("Do() after panic = %v", err)
	}
}

func TestExecutorCanceledBeforeStart(t *testing.T) {
	e := NewExecutor(4, nil)
	defer e.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	go e.Do(context.Background(), func() error {
		close(started)
		<-block
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	ran := false
	err := e.Do(ctx, func() error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() = %v, want deadline exceeded", err)
	}
	close(block)
	// flush the queue
	e.Do(context.Background(), func() error { return nil })
	if ran {
		t.Error("canceled task ran")
	}
}

func TestExecutorClosed(t *testing.T) {
	e := NewExecutor(1, nil)
	e.Close()
	if err := e.Do(context.Background(), func() error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Do() after Close = %v, want ErrClosed", err)
	}
	if e.Post(func() {}) {
		t.Error("Post() after Close = true")
	}
}

func TestExecutorQueuedAfterDrain(t *testing.T) {
	e := NewExecutor(1, nil)
	e.Close()

	// a send that won the race against the worker's final drain
	queued := &task{fn: func() error { return nil }, result: make(chan error, 1)}
	e.tasks <- queued

	got := make(chan error, 1)
	go func() { got <- e.wait(context.Background(), queued) }()
	select {
	case err := <-got:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("wait() = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait() blocked on a task the closed worker never saw")
	}
}
