// Package runctl owns the run state of the acquisition engine and the commands that move it.
//
// External command sources post commands into a single-consumer queue; the acquisition
// worker drains the queue once per loop iteration and is the only writer of the state.
package runctl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hribf/spillacq/logger"
)

// ErrInvalidTransition indicates a state change that the run state machine does not allow.
var ErrInvalidTransition = errors.New("invalid run state transition")

// State is the run state.
type State uint32

const (
	// Idle means no run is active. It is the initial state.
	Idle State = iota
	// Starting means the output is being prepared and the modules are being started.
	Starting
	// Running means the modules confirmed the run start and spills are being acquired.
	Running
	// Stopping means the final drain of the run is in progress.
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// IsIdle returns if the state is Idle.
func (s State) IsIdle() bool { return s == Idle }

// IsRunning returns if the state is Running.
func (s State) IsRunning() bool { return s == Running }

// Active reports whether a run is in progress in any phase.
func (s State) Active() bool { return s != Idle }

// StateChangeHandler is invoked synchronously on every state change.
type StateChangeHandler func(prev State, next State)

// StateMgr holds the run state. Transitions are made by the acquisition worker only;
// State and WaitState may be called from any goroutine.
type StateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	logger   logger.Logger
	handlers []StateChangeHandler
}

// NewStateMgr creates a StateMgr in the Idle state.
func NewStateMgr(l logger.Logger, handlers ...StateChangeHandler) *StateMgr {
	if l == nil {
		l = logger.GetLogger()
	}

	sm := &StateMgr{logger: l}
	sm.cond = sync.NewCond(&sm.mu)
	sm.AddHandler(handlers...)

	return sm
}

// State returns the current state.
func (sm *StateMgr) State() State {
	return State(sm.state.Load())
}

// AddHandler adds handlers invoked on state changes.
func (sm *StateMgr) AddHandler(handlers ...StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			sm.handlers = append(sm.handlers, h)
		}
	}
}

// WaitState blocks until the state equals state or ctx is done.
func (sm *StateMgr) WaitState(ctx context.Context, state State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.State() == state {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		sm.cond.Broadcast()
	})
	defer stop()

	for sm.State() != state {
		if err := ctx.Err(); err != nil {
			return err
		}
		sm.cond.Wait()
	}

	return nil
}

// ToStarting moves Idle to Starting.
func (sm *StateMgr) ToStarting() error {
	return sm.transition(Starting, Idle)
}

// ToRunning moves Starting to Running.
func (sm *StateMgr) ToRunning() error {
	return sm.transition(Running, Starting)
}

// ToStopping moves Starting or Running to Stopping.
func (sm *StateMgr) ToStopping() error {
	return sm.transition(Stopping, Starting, Running)
}

// ToIdle moves any state to Idle. It is a no-op when already Idle.
func (sm *StateMgr) ToIdle() {
	_ = sm.transition(Idle, Idle, Starting, Running, Stopping)
}

func (sm *StateMgr) transition(next State, from ...State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cur := sm.State()
	if cur == next {
		return nil
	}

	allowed := false
	for _, s := range from {
		if s == cur {
			allowed = true
			break
		}
	}
	if !allowed {
		sm.logger.Debug("rejected run state transition", "from", cur, "to", next)
		return ErrInvalidTransition
	}

	sm.state.Store(uint32(next))
	sm.cond.Broadcast()
	sm.logger.Debug("run state changed", "from", cur, "to", next)

	for _, h := range sm.handlers {
		h(cur, next)
	}

	return nil
}
