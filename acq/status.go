package acq

import (
	"fmt"
	"strings"
	"time"

	"github.com/hribf/spillacq/runctl"
)

// Status is a point-in-time view of the engine for operator displays.
type Status struct {
	State runctl.State
	Run   int
	RunID string
	// Elapsed is the run time so far, or the duration of the last run when idle.
	Elapsed time.Duration
	Spills  uint64
	Words   uint64
	// DataRate is the data rate in bytes per second since the last statistics dump.
	DataRate float64
	Lost     uint64
	Deferred uint64
	// Err is the fatal condition that aborted the last run.
	Err error
}

// Status returns the current status. It is safe to call from any goroutine.
func (e *Engine) Status() Status {
	e.mu.RLock()
	cur := e.cur
	e.mu.RUnlock()

	st := Status{
		State:    e.states.State(),
		Run:      cur.run.Number,
		RunID:    cur.run.ID,
		Spills:   e.metrics.SpillCount.Load(),
		Words:    e.metrics.WordCount.Load(),
		DataRate: e.stats.Snapshot().DataRate(),
		Err:      cur.err,
	}

	carry := e.carry.Counters()
	st.Lost = carry.Lost
	st.Deferred = carry.Deferred

	switch {
	case cur.started.IsZero():
	case st.State.Active():
		st.Elapsed = time.Since(cur.started)
	case !cur.ended.IsZero():
		st.Elapsed = cur.ended.Sub(cur.started)
	}

	return st
}

func (s Status) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s run=%d elapsed=%s spills=%d rate=%.1fkB/s lost=%d deferred=%d",
		s.State, s.Run, s.Elapsed.Round(time.Second), s.Spills, s.DataRate/1000, s.Lost, s.Deferred)
	if s.Err != nil {
		fmt.Fprintf(&b, " error=%q", s.Err.Error())
	}

	return b.String()
}
