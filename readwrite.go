package dogpile

import (
	"context"
	"sync"
)

// ReadWriteMutex is a multi-reader/single-writer lock with writer
// preference: once a writer is waiting, new readers block behind it,
// so a steady stream of readers cannot starve a writer.
//
// The zero value is not usable; construct one with NewReadWriteMutex.
type ReadWriteMutex struct {
	mu            sync.Mutex
	c             *sync.Cond
	readers       int
	writerPending bool
	writerActive  bool
}

// NewReadWriteMutex returns a ready-to-use ReadWriteMutex.
func NewReadWriteMutex() *ReadWriteMutex {
	rw := &ReadWriteMutex{}
	rw.c = sync.NewCond(&rw.mu)
	return rw
}

// AcquireRead blocks while a writer is active or pending, then
// registers the calling goroutine as a reader.
func (rw *ReadWriteMutex) AcquireRead() {
	rw.mu.Lock()
	for rw.writerActive || rw.writerPending {
		rw.c.Wait()
	}
	rw.readers++
	rw.mu.Unlock()
}

// AcquireReadContext is AcquireRead with cancellation: it returns
// ctx.Err() if ctx is done before the read lock is acquired, and
// acquires nothing in that case.
func (rw *ReadWriteMutex) AcquireReadContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acquired := make(chan struct{})
	go func() {
		rw.AcquireRead()
		close(acquired)
	}()
	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		// The goroutine above may still acquire the read lock after we
		// stop waiting on it; release it as soon as it does, so the
		// caller that timed out holds nothing and must not call
		// ReleaseRead.
		go func() {
			<-acquired
			rw.ReleaseRead()
		}()
		return ctx.Err()
	}
}

// ReleaseRead removes the calling goroutine as a reader and wakes any
// goroutine waiting for readers to drain to zero.
func (rw *ReadWriteMutex) ReleaseRead() {
	rw.mu.Lock()
	rw.readers--
	if rw.readers == 0 {
		rw.c.Broadcast()
	}
	rw.mu.Unlock()
}

// AcquireWrite marks a writer as pending (blocking new readers),
// waits for existing readers and any other writer to clear, then
// takes the write lock.
func (rw *ReadWriteMutex) AcquireWrite() {
	rw.mu.Lock()
	rw.writerPending = true
	for rw.readers > 0 || rw.writerActive {
		rw.c.Wait()
	}
	rw.writerPending = false
	rw.writerActive = true
	rw.mu.Unlock()
}

// AcquireWriteContext is AcquireWrite with cancellation semantics
// matching AcquireReadContext.
func (rw *ReadWriteMutex) AcquireWriteContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acquired := make(chan struct{})
	go func() {
		rw.AcquireWrite()
		close(acquired)
	}()
	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		go func() {
			<-acquired
			rw.ReleaseWrite()
		}()
		return ctx.Err()
	}
}

// ReleaseWrite clears the write lock and wakes all waiting readers
// and writers.
func (rw *ReadWriteMutex) ReleaseWrite() {
	rw.mu.Lock()
	rw.writerActive = false
	rw.c.Broadcast()
	rw.mu.Unlock()
}
