package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_SameKeyRunsSerially(t *testing.T) {
	var (
		mu      sync.Mutex
		running = map[string]int{}
		order   = map[string][]int{}
		overlap atomic.Bool
	)

	fn := func(ctx context.Context, task *Task) *Result {
		mu.Lock()
		running[task.Key]++
		if running[task.Key] > 1 {
			overlap.Store(true)
		}
		order[task.Key] = append(order[task.Key], task.Payload.(int))
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		running[task.Key]--
		mu.Unlock()
		return &Result{Success: true}
	}

	cfg := DefaultConfig()
	cfg.Workers = 4
	pool, err := New(cfg, fn, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	pool.Start()

	for i := 0; i < 20; i++ {
		for _, key := range []string{"rx-1", "rx-2", "rx-3"} {
			if err := pool.Submit(&Task{ID: key, Key: key, Payload: i}); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}
	pool.Stop()

	if overlap.Load() {
		t.Error("tasks with the same key overlapped")
	}
	for key, seq := range order {
		for i, v := range seq {
			if v != i {
				t.Fatalf("%s ran out of order: %v", key, seq)
			}
		}
	}
	if got := pool.Stats().TasksCompleted; got != 60 {
		t.Errorf("completed = %d, want 60", got)
	}
}

func TestPool_SubmitWaitRetriesUntilTerminal(t *testing.T) {
	terminal := errors.New("terminal")
	var calls atomic.Int32

	fn := func(ctx context.Context, task *Task) *Result {
		n := calls.Add(1)
		if n == 1 {
			return &Result{Error: errors.New("transient")}
		}
		return &Result{Error: terminal}
	}

	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.MaxRetries = 5
	cfg.RetryDelay = time.Millisecond
	cfg.Retryable = func(err error) bool { return !errors.Is(err, terminal) }
	pool, _ := New(cfg, fn, nil)
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "t1", Key: "rx-1"})
	if err != nil {
		t.Fatalf("submit wait: %v", err)
	}
	if res.Success || !errors.Is(res.Error, terminal) || res.Attempts != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestPool_SubmitAfterStop(t *testing.T) {
	pool, _ := New(DefaultConfig(), func(context.Context, *Task) *Result { return nil }, nil)
	pool.Start()
	pool.Stop()
	pool.Stop()

	if err := pool.Submit(&Task{ID: "late"}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("err = %v, want ErrPoolStopped", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	block := make(chan struct{})
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	pool, _ := New(cfg, func(context.Context, *Task) *Result {
		<-block
		return nil
	}, nil)
	pool.Start()

	_ = pool.Submit(&Task{ID: "a", Key: "k"})
	// Wait for the worker to take the first task off the queue.
	deadline := time.Now().Add(time.Second)
	for pool.Stats().QueueDepth != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_ = pool.Submit(&Task{ID: "b", Key: "k"})
	if err := pool.Submit(&Task{ID: "c", Key: "k"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	close(block)
	pool.Stop()
}
