package acq

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/hribf/spillacq/hardware"
	"github.com/hribf/spillacq/poller"
	"github.com/hribf/spillacq/record"
	"github.com/hribf/spillacq/spill"
	"github.com/hribf/spillacq/stats"
)

// cycle runs one spill cycle: poll, read every module in index order, assemble, and
// dispatch. The stopping cycle is the final drain of a run. It returns false when a fatal
// condition aborted the run.
func (e *Engine) cycle(ctx context.Context, stopping bool) bool {
	force := e.forceFlush
	e.forceFlush = false

	res, err := e.poller.Poll(ctx, e.done, force, stopping)
	if err != nil {
		// context done: the loop stops the run with its final drain
		return true
	}
	e.countCycle(res.Reason)

	stopFull := e.checkFill(res.Words) && e.cfg.stopOnFullFIFO && !stopping

	records := 0
	for mod := 0; mod < e.registry.Len(); mod++ {
		n, ferr := e.readModule(ctx, mod, res.Words[mod], stopping)
		if ferr != nil {
			e.assembler.Reset()
			e.abort(ctx, ferr)

			return false
		}
		records += n
	}

	withStats := e.checkpointStats(stopping)
	if e.cfg.wallClock {
		e.assembler.SetWallClock(time.Now())
	}

	sp := e.assembler.Build()
	if sp.Empty && !force && !stopping && !withStats {
		e.metrics.EmptyCycleCount.Add(1)
	} else if err := e.dispatch(sp); err != nil {
		e.abort(ctx, &FatalError{Condition: StorageFailure, Module: -1, Cause: err})
		return false
	}
	e.metrics.RecordCount.Add(uint64(records)) //nolint:gosec

	if stopping {
		return true
	}

	switch {
	case stopFull:
		e.stopRun(ctx, "FIFO full")
	case e.updateDone(res.Words):
		e.stopRun(ctx, "all modules finished")
	}

	return true
}

func (e *Engine) countCycle(reason poller.Reason) {
	switch reason {
	case poller.Threshold:
		e.metrics.ThresholdCycleCount.Add(1)
	case poller.Exhausted:
		e.metrics.WaitCycleCount.Add(1)
	case poller.Forced:
		e.metrics.ForcedCycleCount.Add(1)
	case poller.Stopping:
	}
}

// checkFill warns about FIFOs above the near-full ratio and reports whether any is full.
func (e *Engine) checkFill(words []int) bool {
	full := false
	for mod, n := range words {
		m := e.registry.At(mod)

		switch {
		case m.IsFull(n):
			full = true
			e.metrics.FullFIFOCount.Add(1)
			e.logger.Warn("FIFO full, data may be lost", "module", mod, "words", n, "capacity", m.FIFOCapacity)
		case m.NearFull(n, e.cfg.nearFullRatio):
			e.metrics.NearFullCount.Add(1)
			e.logger.Warn("FIFO nearly full", "module", mod, "words", n, "capacity", m.FIFOCapacity)
		}
	}

	return full
}

// readModule reads the available words of one module behind its carried-over fragment,
// validates them, settles the trailing partial record, and hands the payload to the
// assembler. It returns the number of complete records.
func (e *Engine) readModule(ctx context.Context, mod int, avail int, stopping bool) (int, *FatalError) {
	m := e.registry.At(mod)

	buf := append(e.bufs[mod][:0], e.carry.Take(mod)...)

	n := avail
	if n < hardware.MinReadWords {
		n = 0
	}
	if n > 0 {
		start := len(buf)
		buf = slices.Grow(buf, n)[:start+n]
		if err := e.crate.ReadWords(buf[start:], mod); err != nil {
			return 0, &FatalError{Condition: ReadFailure, Module: mod, Cause: err}
		}
	}

	if len(buf) == 0 {
		e.bufs[mod] = buf
		_ = e.assembler.SetModule(mod, nil)

		return 0, nil
	}

	scan, err := e.validators[mod].Scan(buf)
	if err != nil {
		return 0, &FatalError{Condition: Corruption, Module: mod, Cause: err}
	}

	buf, res, err := e.carry.Resolve(ctx, mod, buf, scan, m.IsFull(avail), stopping)
	if err != nil {
		cond := ReadFailure
		if errors.Is(err, record.ErrCorrupt) {
			cond = Corruption
		}

		return 0, &FatalError{Condition: cond, Module: mod, Cause: err}
	}
	e.bufs[mod] = buf

	for _, s := range scan.Records {
		e.observe(mod, s.Header)
	}
	records := len(scan.Records)
	if res.Record != nil {
		e.observe(mod, res.Record.Header)
		records++
	}

	_ = e.assembler.SetModule(mod, buf)
	e.metrics.WordCount.Add(uint64(len(buf))) //nolint:gosec

	return records, nil
}

// observe feeds one record to the rate accumulator. Virtual channels carry no detector
// events and are not counted.
func (e *Engine) observe(mod int, h record.Header) {
	if h.Virtual {
		return
	}
	e.stats.AddEvent(mod, h.Channel, h.Bytes())
}

// checkpointStats accounts the time since the last spill and, when the dump interval
// elapsed or the run is stopping, injects the module statistics and dumps the rates.
// It reports whether statistics blocks were added to the spill.
func (e *Engine) checkpointStats(stopping bool) bool {
	now := time.Now()
	due := e.stats.AddTime(now.Sub(e.checkpoint))
	e.checkpoint = now

	if !due && (!stopping || e.cfg.statsInterval <= 0) {
		return false
	}

	added := false
	for _, m := range e.registry.All() {
		words, err := e.crate.Statistics(m.Index)
		if err != nil {
			e.logger.Warn("module statistics unavailable", "module", m.Index, "error", err)
			continue
		}
		e.updateCountRates(m.Index, words)
		if !e.cfg.statsBlocks {
			continue
		}
		if err := e.assembler.AddStats(m.Index, m.Slot, words); err == nil {
			added = true
		}
	}

	if e.cfg.statsOutput != nil {
		if err := e.stats.Dump(e.cfg.statsOutput); err != nil {
			e.logger.Warn("statistics dump failed", "error", err)
		}
	}
	e.stats.ClearRates()

	return added
}

func (e *Engine) updateCountRates(mod int, words []uint32) {
	st, err := hardware.DecodeStatistics(words)
	if err != nil {
		e.logger.Debug("module statistics not decoded", "module", mod, "error", err)
		return
	}

	rates := make([]stats.CountRates, hardware.Channels)
	for ch := range rates {
		rates[ch] = stats.CountRates{Input: st.InputRate(ch), Output: st.OutputRate(ch)}
	}
	e.stats.SetCountRates(mod, rates)
}

func (e *Engine) dispatch(sp spill.Spill) error {
	res, err := e.dispatcher.Dispatch(sp.Words)
	if err != nil {
		return err
	}

	e.metrics.SpillCount.Add(1)
	e.logger.Debug("spill dispatched",
		"words", sp.Len(), "buffers", res.Buffers, "packets", res.Packets, "failures", res.Failures)

	return nil
}

// updateDone marks the modules whose hardware run ended and whose FIFO was empty this
// cycle. It reports whether every module is done.
func (e *Engine) updateDone(words []int) bool {
	all := true
	for mod := range e.done {
		if e.done[mod] {
			continue
		}
		if words[mod] > 0 || e.carry.Pending(mod) > 0 {
			all = false
			continue
		}

		active, err := e.crate.RunActive(mod)
		if err != nil {
			e.logger.Warn("run status query failed", "module", mod, "error", err)
			all = false

			continue
		}
		if active {
			all = false
			continue
		}

		e.done[mod] = true
		e.logger.Info("module finished its run", "module", mod)
	}

	return all
}
