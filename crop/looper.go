package crop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type ownerKey struct{}

// Looper is the owner loop: a single goroutine that runs posted tasks in
// order. All Surface state is touched only from its tasks; other goroutines
// reach it with Post or Call.
// The queue is unbounded and Post never blocks.
type Looper struct {
	mu       sync.Mutex
	queue    []func(context.Context)
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewLooper creates a loop with room for queue pending tasks before the
// queue has to grow.
func NewLooper(queue int) *Looper {
	return &Looper{
		queue: make([]func(context.Context), 0, max(queue, 1)),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run executes tasks until ctx is cancelled or Stop is called. Tasks receive
// a context marked as owner, see OnOwner.
func (l *Looper) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("looper is already running")
	}
	defer close(l.done)
	defer l.drop()

	ownerCtx := context.WithValue(ctx, ownerKey{}, l)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-l.wake:
		}
		for task := l.next(); task != nil; task = l.next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.stop:
				return nil
			default:
			}
			task(ownerCtx)
		}
	}
}

func (l *Looper) next() func(context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task
}

func (l *Looper) drop() {
	l.mu.Lock()
	l.queue = nil
	l.mu.Unlock()
}

// Start runs the loop on a new goroutine.
func (l *Looper) Start(ctx context.Context) *Looper {
	go func() { _ = l.Run(ctx) }()
	return l
}

// Stop asks the loop to exit after the current task. Pending tasks are dropped.
func (l *Looper) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Done is closed once the loop goroutine has returned.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

// Stopped reports whether the loop exited or was asked to.
func (l *Looper) Stopped() bool {
	select {
	case <-l.stop:
		return true
	case <-l.done:
		return true
	default:
		return false
	}
}

// Post queues fn without blocking. It returns false if the loop no longer
// accepts tasks.
func (l *Looper) Post(fn func(ctx context.Context)) bool {
	if l.Stopped() {
		return false
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// PostDelayed queues fn after delay.
func (l *Looper) PostDelayed(delay time.Duration, fn func(ctx context.Context)) bool {
	if l.Stopped() {
		return false
	}
	if delay <= 0 {
		return l.Post(fn)
	}
	time.AfterFunc(delay, func() { l.Post(fn) })
	return true
}

// Call runs fn on the loop and waits for it to finish. The wait ends early
// with ErrLooperStopped, ErrHandshakeTimeout (timeout > 0) or the context's
// error. Called from the loop itself, fn runs inline.
func (l *Looper) Call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context)) error {
	if l.IsOwner(ctx) {
		fn(ctx)
		return nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	gate := make(chan struct{})
	var once sync.Once
	if !l.Post(func(ctx context.Context) {
		defer once.Do(func() { close(gate) })
		fn(ctx)
	}) {
		return ErrLooperStopped
	}

	select {
	case <-gate:
		return nil
	case <-l.done:
		select {
		case <-gate:
			return nil
		default:
			return ErrLooperStopped
		}
	case <-expired:
		return ErrHandshakeTimeout
	case <-ctx.Done():
		return fmt.Errorf("handshake interrupted: %w", ctx.Err())
	}
}

// IsOwner reports whether ctx belongs to a task running on l.
func (l *Looper) IsOwner(ctx context.Context) bool {
	owner, _ := ctx.Value(ownerKey{}).(*Looper)
	return owner == l
}

// OnOwner reports whether ctx belongs to a task running on any Looper.
func OnOwner(ctx context.Context) bool {
	_, ok := ctx.Value(ownerKey{}).(*Looper)
	return ok
}
