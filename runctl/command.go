package runctl

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/hribf/spillacq/internal/queue"
	"github.com/hribf/spillacq/logger"
)

// ErrUnknownCommand indicates a command name that ParseCommand does not recognize.
var ErrUnknownCommand = errors.New("unknown command")

// Command is a run control request.
type Command uint8

const (
	// Start begins a run; valid only while Idle.
	Start Command = iota + 1
	// Stop ends the run after one final drain; valid while Starting or Running.
	Stop
	// Reboot re-initializes the hardware; valid only while Idle.
	Reboot
	// ForceFlush makes the next poll cycle bypass its threshold; valid only while Running.
	ForceFlush
	// Kill stops any run and terminates the acquisition loop; valid in every state.
	Kill
)

func (c Command) String() string {
	switch c {
	case Start:
		return "start"
	case Stop:
		return "stop"
	case Reboot:
		return "reboot"
	case ForceFlush:
		return "flush"
	case Kill:
		return "kill"
	default:
		return "unknown"
	}
}

// ValidIn reports whether the command is accepted in state s.
func (c Command) ValidIn(s State) bool {
	switch c {
	case Start, Reboot:
		return s == Idle
	case Stop:
		return s == Starting || s == Running
	case ForceFlush:
		return s == Running
	case Kill:
		return true
	default:
		return false
	}
}

// ParseCommand converts a command name as typed by an operator.
func ParseCommand(name string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "start", "run":
		return Start, nil
	case "stop", "end":
		return Stop, nil
	case "reboot", "boot":
		return Reboot, nil
	case "flush", "force", "forceflush":
		return ForceFlush, nil
	case "kill", "quit", "exit":
		return Kill, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

// Controller is the single-consumer command queue of the acquisition loop.
//
// Post may be called from any goroutine. Drain is called by the acquisition worker once
// per loop iteration.
type Controller struct {
	states *StateMgr
	queue  *queue.LockFree[Command]
	wake   chan struct{}
	killed atomic.Bool
	logger logger.Logger
}

// NewController creates a Controller validating commands against states.
func NewController(states *StateMgr, l logger.Logger) *Controller {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Controller{
		states: states,
		queue:  queue.NewLockFree[Command](),
		wake:   make(chan struct{}, 1),
		logger: l,
	}
}

// States returns the state manager.
func (c *Controller) States() *StateMgr { return c.states }

// Post queues a command. Kill is also flagged immediately so that it is seen at the top
// of the next loop iteration ahead of any queued command.
func (c *Controller) Post(cmd Command) {
	if cmd == Kill {
		c.killed.Store(true)
	}
	c.queue.Enqueue(cmd)

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Killed reports whether Kill was posted.
func (c *Controller) Killed() bool { return c.killed.Load() }

// Wake is signaled when a command is posted, so an idle loop can sleep on it.
func (c *Controller) Wake() <-chan struct{} { return c.wake }

// Drain removes every queued command and returns the accepted ones in posting order.
//
// Commands are checked against the current state as advanced by the commands accepted
// before them in the same drain: a Start followed by a Stop is accepted as a short run.
// Rejected commands are logged and dropped. Once Kill is seen, the commands behind it are
// dropped.
func (c *Controller) Drain() []Command {
	var accepted []Command

	state := c.states.State()
	killed := false
	c.queue.Drain(func(cmd Command) {
		if killed {
			return
		}
		if !cmd.ValidIn(state) {
			c.logger.Warn("command rejected", "command", cmd, "state", state)
			return
		}

		accepted = append(accepted, cmd)
		switch cmd {
		case Start:
			state = Running
		case Stop:
			state = Idle
		case Kill:
			killed = true
		}
	})

	return accepted
}
