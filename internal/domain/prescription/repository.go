package prescription

import (
	"context"
	"sync"
)

// Repository loads and persists a patient's prescription collection. The
// engine never calls it; the Service does.
type Repository interface {
	// Load returns the patient's prescriptions. An unknown patient has an
	// empty collection.
	Load(ctx context.Context, patientID string) ([]Prescription, error)
	// Save persists set together with the events that produced it. Each
	// event's prescription must still be at Version-1 in storage, otherwise
	// ErrConflict is returned and nothing is written.
	Save(ctx context.Context, patientID string, set []Prescription, events []*Event) error
	// FindPatient returns the owning patient of a prescription id, or
	// ErrNotFound.
	FindPatient(ctx context.Context, prescriptionID string) (string, error)
}

// Locker serialises writes for a key across callers.
type Locker interface {
	// Lock blocks until key is held or ctx is done. The returned function
	// releases the lock.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process Locker keyed by string.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Lock implements Locker.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, kl, true) })
	}, nil
}

func (l *LocalLocker) release(key string, kl *keyLock, held bool) {
	if held {
		<-kl.ch
	}
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
