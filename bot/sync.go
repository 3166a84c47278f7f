package bot

import (
	"context"
	"sync"
)

// latch is a one-shot gate: wait blocks until signal has been called
// once. Join handlers signal; workers wait before their first send.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

func (l *latch) signal() {
	l.once.Do(func() { close(l.ch) })
}

func (l *latch) wait(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signaled reports whether the latch has opened, without blocking.
func (l *latch) signaled() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// busyLock is a mutex whose acquisition can be abandoned on context
// cancellation. The shutdown path acquires every channel's lock to
// wait out in-flight bundles; a plain mutex would strand a poster
// blocked on a lock shutdown never releases.
type busyLock struct {
	ch chan struct{}
}

func newBusyLock() *busyLock {
	return &busyLock{ch: make(chan struct{}, 1)}
}

func (l *busyLock) lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *busyLock) tryLock() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// lockBlocking acquires unconditionally. Only the shutdown path uses
// it: the holder is a poster finishing a bundle, which always
// releases.
func (l *busyLock) lockBlocking() {
	l.ch <- struct{}{}
}

func (l *busyLock) unlock() {
	<-l.ch
}
