// Package task runs the long-lived goroutines of the spillacq binary under one cancellable context.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hribf/spillacq/logger"
)

var (
	// ErrStopped is returned when a task is started on a stopped manager.
	ErrStopped = errors.New("task manager stopped")

	// ErrExists is returned when an interval task with the same name is running.
	ErrExists = errors.New("interval task already exists")

	// ErrNotFound is returned by StopInterval for an unknown name.
	ErrNotFound = errors.New("interval task not found")
)

// Func is a long-running task. It should return once ctx is done.
//
// A non-nil error other than the context's own error stops every other task of the manager.
type Func func(ctx context.Context) error

// IntervalFunc is a periodic task. It returns false to stop its schedule.
type IntervalFunc func(ctx context.Context) bool

// Manager manages the lifecycle of a group of goroutines.
//
// Example Usage:
//
//	mgr := task.NewManager(ctx, logger)
//	_ = mgr.Go("engine", engine.Run)
//	_ = mgr.Every("status", 10*time.Second, false, logStatus)
//
//	err := mgr.Wait() // first task error, after every task returned
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers *xsync.MapOf[string, *time.Ticker]

	errOnce sync.Once
	err     error
}

// NewManager creates a manager whose tasks run under a child of ctx.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}

	mgr := &Manager{logger: l, tickers: xsync.NewMapOf[string, *time.Ticker]()}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by the tasks. It is done once the manager stops.
func (mgr *Manager) Context() context.Context {
	return mgr.ctx
}

// Go starts fn in a new goroutine.
func (mgr *Manager) Go(name string, fn Func) error {
	if mgr.ctx.Err() != nil {
		return fmt.Errorf("%w: cannot start %s", ErrStopped, name)
	}

	mgr.logger.Debug("start task", "name", name)
	mgr.launch(name, func() {
		if err := mgr.callWithRecover(name, fn); err != nil && !errors.Is(err, mgr.ctx.Err()) {
			mgr.setErr(name, err)
		}
	})

	return nil
}

// Every runs fn every interval until it returns false or the manager stops.
// If runNow is true, fn also runs once before the first tick.
func (mgr *Manager) Every(name string, interval time.Duration, runNow bool, fn IntervalFunc) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval for %s: %v", name, interval)
	}
	if mgr.ctx.Err() != nil {
		return fmt.Errorf("%w: cannot start %s", ErrStopped, name)
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return fmt.Errorf("%w: %s", ErrExists, name)
	}

	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)
	mgr.launch(name, func() {
		defer func() {
			ticker.Stop()
			mgr.tickers.Compute(name, func(cur *time.Ticker, loaded bool) (*time.Ticker, bool) {
				return cur, !loaded || cur == ticker
			})
		}()

		tick := func() bool {
			ok := false
			_ = mgr.callWithRecover(name, func(ctx context.Context) error {
				ok = fn(ctx)
				return nil
			})

			return ok
		}

		if runNow && !tick() {
			return
		}

		for {
			select {
			case <-mgr.ctx.Done():
				return
			case <-ticker.C:
				if _, ok := mgr.tickers.Load(name); !ok {
					return
				}
				if !tick() {
					return
				}
			}
		}
	})

	return nil
}

// StopInterval stops the schedule of the interval task name.
func (mgr *Manager) StopInterval(name string) error {
	ticker, ok := mgr.tickers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	ticker.Stop()

	return nil
}

// Stop signals every task to return.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(_ string, ticker *time.Ticker) bool {
		ticker.Stop()
		return true
	})
	mgr.cancel()
}

// Wait blocks until every task returned and returns the first task error.
func (mgr *Manager) Wait() error {
	mgr.wg.Wait()
	return mgr.err
}

// Count returns the number of running tasks.
func (mgr *Manager) Count() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) launch(name string, body func()) {
	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "tasks", mgr.Count())
			mgr.wg.Done()
		}()

		body()
	}()
}

// setErr records the first task error and stops the other tasks.
func (mgr *Manager) setErr(name string, err error) {
	mgr.errOnce.Do(func() {
		mgr.err = fmt.Errorf("%s: %w", name, err)
		mgr.logger.Debug("task failed, stopping all tasks", "name", name, "error", err)
		mgr.Stop()
	})
}

// callWithRecover calls fn and converts a panic into an error.
func (mgr *Manager) callWithRecover(name string, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			err = fmt.Errorf("panic in task %s: %v", name, r)
		}
	}()

	return fn(mgr.ctx)
}
