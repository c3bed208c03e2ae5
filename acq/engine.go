// Package acq runs the spill acquisition loop.
//
// A single worker goroutine polls the module FIFOs, reads and validates their records,
// settles partial records, assembles spills, and dispatches them, between draining the
// run control command queue. The loop never blocks on I/O for long: every wait is a
// bounded poll, so start, stop, and kill commands are seen within one spill cycle.
package acq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hribf/spillacq/carryover"
	"github.com/hribf/spillacq/dispatch"
	"github.com/hribf/spillacq/hardware"
	"github.com/hribf/spillacq/logger"
	"github.com/hribf/spillacq/module"
	"github.com/hribf/spillacq/poller"
	"github.com/hribf/spillacq/record"
	"github.com/hribf/spillacq/runctl"
	"github.com/hribf/spillacq/runstore"
	"github.com/hribf/spillacq/spill"
	"github.com/hribf/spillacq/stats"
)

// Engine is the acquisition engine of one crate.
type Engine struct {
	cfg        *Config
	crate      hardware.Crate
	registry   *module.Registry
	poller     *poller.Poller
	carry      *carryover.Manager
	validators []record.Validator
	assembler  *spill.Assembler
	dispatcher *dispatch.Dispatcher
	stats      *stats.Accumulator
	states     *runctl.StateMgr
	control    *runctl.Controller
	logger     logger.Logger
	metrics    Metrics

	// owned by the worker
	done       []bool
	bufs       [][]uint32
	forceFlush bool
	checkpoint time.Time
	lastRun    int

	mu  sync.RWMutex
	cur runInfo
}

type runInfo struct {
	run     runstore.Run
	started time.Time
	ended   time.Time
	err     error
}

// NewEngine creates an engine reading the modules of registry from crate.
func NewEngine(crate hardware.Crate, registry *module.Registry, opts ...Option) (*Engine, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	l := cfg.logger
	n := registry.Len()

	e := &Engine{
		cfg:        cfg,
		crate:      crate,
		registry:   registry,
		poller:     poller.New(crate, registry, registry.ThresholdWords(cfg.thresholdPercent), cfg.pollPolicy, l),
		carry:      carryover.New(crate, registry, cfg.waitPolicy, l),
		validators: make([]record.Validator, n),
		assembler:  spill.NewAssembler(n, cfg.clockID),
		dispatcher: dispatch.New(cfg.storage, cfg.transport, cfg.maxPacketWords, l),
		stats:      stats.New(cfg.statsInterval),
		logger:     l,
		done:       make([]bool, n),
		bufs:       make([][]uint32, n),
	}

	for i, m := range registry.All() {
		e.validators[i] = record.Validator{Module: m.Index, Slot: m.Slot}
	}

	e.states = runctl.NewStateMgr(l, func(prev, next runctl.State) {
		l.Info("run state changed", "from", prev.String(), "to", next.String())
	})
	e.control = runctl.NewController(e.states, l)

	if cfg.runs != nil {
		if last, ok, err := cfg.runs.Last(); err == nil && ok {
			e.lastRun = last.Number
		}
	}

	return e, nil
}

// Post queues a run control command. It is safe to call from any goroutine.
func (e *Engine) Post(cmd runctl.Command) {
	e.control.Post(cmd)
}

// State returns the run state.
func (e *Engine) State() runctl.State {
	return e.states.State()
}

// WaitState blocks until the run state equals state or ctx is done.
func (e *Engine) WaitState(ctx context.Context, state runctl.State) error {
	return e.states.WaitState(ctx, state)
}

// Metrics returns the per-run counters.
func (e *Engine) Metrics() *Metrics {
	return &e.metrics
}

// Stats returns the event rate accumulator.
func (e *Engine) Stats() *stats.Accumulator {
	return e.stats
}

// Run executes the acquisition loop until a kill command or until ctx is done.
//
// A run in progress when the loop ends is stopped with its final drain. Run returns
// ErrKilled after a kill command and ctx.Err() when ctx ended the loop. Fatal run
// conditions do not end the loop: the run is aborted and the engine returns to Idle.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("acquisition loop started",
		"modules", e.registry.Len(), "threshold", e.poller.Threshold())

	for {
		if e.control.Killed() {
			e.shutdown(ctx, "kill")
			return ErrKilled
		}
		if err := ctx.Err(); err != nil {
			e.shutdown(ctx, "context done")
			return err
		}

		for _, cmd := range e.control.Drain() {
			e.handle(ctx, cmd)
		}
		if e.control.Killed() {
			continue
		}

		if e.states.State().IsRunning() {
			e.cycle(ctx, false)
			continue
		}

		e.idle(ctx)
	}
}

func (e *Engine) handle(ctx context.Context, cmd runctl.Command) {
	e.logger.Debug("handling command", "command", cmd.String())

	switch cmd {
	case runctl.Start:
		e.startRun(ctx)
	case runctl.Stop:
		e.stopRun(ctx, "stop command")
	case runctl.Reboot:
		e.reboot()
	case runctl.ForceFlush:
		e.forceFlush = true
	case runctl.Kill:
		// seen at the top of the loop
	}
}

func (e *Engine) idle(ctx context.Context) {
	t := time.NewTimer(e.cfg.idleInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-e.control.Wake():
	case <-t.C:
	}
}

func (e *Engine) shutdown(ctx context.Context, reason string) {
	if e.states.State().IsRunning() {
		e.stopRun(context.WithoutCancel(ctx), reason)
	}
	e.logger.Info("acquisition loop ended", "reason", reason)
}

func (e *Engine) reboot() {
	e.logger.Info("rebooting crate")
	if err := e.crate.Boot(); err != nil {
		e.logger.Error("crate reboot failed", "error", err)
		return
	}
	e.logger.Info("crate rebooted")
}

func (e *Engine) allocateRun(now time.Time) (runstore.Run, error) {
	if e.cfg.runs != nil {
		run, err := e.cfg.runs.NextRun(now)
		if err != nil {
			return runstore.Run{}, err
		}
		e.lastRun = run.Number

		return run, nil
	}

	e.lastRun++

	return runstore.Run{Number: e.lastRun, ID: uuid.NewString(), Started: now}, nil
}

func (e *Engine) startRun(ctx context.Context) {
	if err := e.states.ToStarting(); err != nil {
		e.logger.Warn("start ignored", "state", e.states.State().String())
		return
	}

	now := time.Now()
	e.metrics.reset()
	e.carry.ResetCounters()
	e.dispatcher.ResetCounters()
	e.stats.ClearTotals()
	e.setRun(runInfo{started: now})

	run, err := e.allocateRun(now)
	if err != nil {
		e.abort(ctx, &FatalError{Condition: StorageFailure, Module: -1, Cause: err})
		return
	}
	e.setRun(runInfo{run: run, started: now})

	if err := e.dispatcher.Open(run.Number); err != nil {
		e.abort(ctx, &FatalError{Condition: StorageFailure, Module: -1, Cause: err})
		return
	}

	if e.cfg.syncClocks {
		if err := e.crate.SyncClocks(); err != nil {
			e.abort(ctx, &FatalError{Condition: StartFailure, Module: -1, Cause: err})
			return
		}
	}

	if err := e.crate.StartRun(); err != nil {
		e.abort(ctx, &FatalError{Condition: StartFailure, Module: -1, Cause: err})
		return
	}

	ok, _, err := e.cfg.waitPolicy.Poll(ctx, func() (bool, error) {
		return e.allActive(true), nil
	})
	if !ok {
		if err == nil {
			err = ErrRunStart
		}
		e.abort(ctx, &FatalError{Condition: StartFailure, Module: -1, Cause: err})

		return
	}

	clear(e.done)
	e.forceFlush = false
	e.checkpoint = time.Now()

	if err := e.states.ToRunning(); err != nil {
		e.logger.Warn("run state not advanced", "error", err)
		return
	}
	e.logger.Info("run started", "run", run.Number, "id", run.ID)
}

// allActive reports whether every module's run status equals want.
func (e *Engine) allActive(want bool) bool {
	for mod := 0; mod < e.registry.Len(); mod++ {
		active, err := e.crate.RunActive(mod)
		if err != nil || active != want {
			return false
		}
	}

	return true
}

func (e *Engine) stopRun(ctx context.Context, reason string) {
	if err := e.states.ToStopping(); err != nil {
		e.logger.Warn("stop ignored", "state", e.states.State().String())
		return
	}
	e.logger.Info("stopping run", "run", e.runNumber(), "reason", reason)

	if err := e.crate.EndRun(); err != nil {
		e.logger.Warn("end of run request failed", "error", err)
	}

	// modules flush their last words while finishing, so the drain follows the confirmation
	ok, _, _ := e.cfg.waitPolicy.Poll(ctx, func() (bool, error) {
		return e.allActive(false), nil
	})
	if !ok {
		e.logger.Warn("modules did not confirm the end of the run")
	}

	if !e.cycle(ctx, true) {
		return
	}

	if err := e.finishRun(nil); err != nil {
		e.fail(ctx, &FatalError{Condition: StorageFailure, Module: -1, Cause: err})
	}
}

// abort ends the run without a final drain.
func (e *Engine) abort(ctx context.Context, ferr *FatalError) {
	_ = e.states.ToStopping()

	if err := e.crate.EndRun(); err != nil {
		e.logger.Warn("end of run request failed", "error", err)
	}
	if err := e.finishRun(ferr); err != nil {
		e.logger.Warn("closing storage after abort failed", "error", err)
	}

	e.fail(ctx, ferr)
}

// fail reports a fatal condition: one error diagnostic and one alarm.
func (e *Engine) fail(ctx context.Context, ferr *FatalError) {
	e.metrics.FatalCount.Add(1)

	e.mu.Lock()
	e.cur.err = ferr
	e.mu.Unlock()

	e.logger.Error("acquisition run aborted",
		"run", e.runNumber(), "module", ferr.Module, "condition", ferr.Condition.String(), "error", ferr.Cause)

	if e.cfg.alarm != nil {
		e.cfg.alarm(ctx, ferr)
	}
}

// finishRun releases the run's resources, records its summary, and returns to Idle.
// It returns the storage close error.
func (e *Engine) finishRun(ferr *FatalError) error {
	e.carry.DropAll()
	closeErr := e.dispatcher.Close()

	var cause error
	if ferr != nil {
		cause = ferr
	} else {
		cause = closeErr
	}

	now := time.Now()
	e.mu.Lock()
	e.cur.ended = now
	run := e.cur.run
	e.mu.Unlock()

	sum := e.summary(cause)
	if e.cfg.runs != nil && run.Number > 0 {
		if err := e.cfg.runs.Finish(run.Number, now, sum); err != nil {
			e.logger.Warn("run summary not recorded", "run", run.Number, "error", err)
		}
	}

	e.logger.Info("run ended", "run", run.Number, "spills", sum.Spills, "words", sum.Words,
		"lost", sum.LostRecords, "deferred", sum.DeferredRecords, "broadcastFailures", sum.BroadcastFailures)

	e.states.ToIdle()

	return closeErr
}

func (e *Engine) summary(cause error) runstore.Summary {
	carry := e.carry.Counters()
	disp := e.dispatcher.Counters()

	sum := runstore.Summary{
		Spills:            e.metrics.SpillCount.Load(),
		EmptySpills:       e.metrics.EmptyCycleCount.Load(),
		Words:             e.metrics.WordCount.Load(),
		Buffers:           disp.Buffers,
		CompletedRecords:  carry.Completed,
		DeferredRecords:   carry.Deferred,
		LostRecords:       carry.Lost,
		BroadcastPackets:  disp.Packets,
		BroadcastFailures: disp.Failures,
		Killed:            e.control.Killed(),
	}
	if cause != nil {
		sum.Error = cause.Error()
	}

	return sum
}

func (e *Engine) setRun(info runInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cur = info
}

func (e *Engine) runNumber() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cur.run.Number
}
