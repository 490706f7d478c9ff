package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type flakyPublisher struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *flakyPublisher) Publish(context.Context, string, string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func TestGuard_OpensAfterConsecutiveFailures(t *testing.T) {
	var (
		mu     sync.Mutex
		states []State
	)
	cfg := DefaultConfig("broker")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(_ string, to State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, to)
	}
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	brokerDown := errors.New("broker down")
	pub := &flakyPublisher{err: brokerDown}
	guarded := Guard(pub, cb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := guarded.Publish(ctx, "prescription.events", "rx-1", nil); !errors.Is(err, brokerDown) {
			t.Fatalf("publish %d err = %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	if err := guarded.Publish(ctx, "prescription.events", "rx-1", nil); !errors.Is(err, ErrOpen) {
		t.Errorf("open circuit err = %v, want ErrOpen", err)
	}
	if pub.calls != 3 {
		t.Errorf("downstream calls = %d, want 3", pub.calls)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 1 || states[0] != StateOpen {
		t.Errorf("state changes = %v", states)
	}
}

func TestGuard_CancellationIsNotAFailure(t *testing.T) {
	cfg := DefaultConfig("broker")
	cfg.FailureThreshold = 1
	cb, _ := New(cfg, nil)

	pub := &flakyPublisher{err: context.Canceled}
	if err := Guard(pub, cb).Publish(context.Background(), "t", "k", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}
