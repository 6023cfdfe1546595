package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Softbank-Hackathon-2025-Team-Koala/HappyMSP/internal/metrics"
)

// ErrClosed is returned when submitting to a pool that has been closed.
var ErrClosed = errors.New("worker pool closed")

// Pool runs tasks on a bounded number of goroutines.
type Pool struct {
	name   string
	sem    *semaphore.Weighted
	logger *slog.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New creates a pool allowing size concurrent tasks.
func New(name string, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		name:   name,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger.With("pool", name),
	}
}

// Go blocks until a slot is free or ctx ends, then runs task in its own
// goroutine. ctx only bounds the wait for a slot. Panics inside task are
// recovered and logged.
func (p *Pool) Go(ctx context.Context, task func()) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return fmt.Errorf("acquire %s worker: %w", p.name, err)
	}
	metrics.PoolAcquired(p.name)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer metrics.PoolReleased(p.name)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker task panicked", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		task()
	}()
	return nil
}

// Close stops accepting tasks and waits for running ones to return.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
