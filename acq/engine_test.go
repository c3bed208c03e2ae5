package acq

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hribf/spillacq/dispatch"
	"github.com/hribf/spillacq/hardware"
	"github.com/hribf/spillacq/hardware/sim"
	"github.com/hribf/spillacq/logger"
	"github.com/hribf/spillacq/record"
	"github.com/hribf/spillacq/runctl"
	"github.com/hribf/spillacq/runstore"
	"github.com/hribf/spillacq/spill"
)

func TestEngine_PartialRecordCompletedWithinCycle(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 1)
	f.start(t)

	data := records(firstSlot, 4) // 48 words
	f.crate.Push(0, data[:44]...)
	// the three threshold polls fall short, the first wait query delivers the tail
	f.crate.PushAfter(0, 3, data[44:]...)

	require.True(f.eng.cycle(context.Background(), false))
	require.Equal(1, f.store.count())

	frame := f.moduleFrame(t, 0, 0)
	require.Equal(uint32(50), frame[0])
	require.Equal(uint32(0), frame[1])
	require.Equal(data, frame[spill.FrameHeaderWords:])

	counters := f.eng.carry.Counters()
	require.Equal(uint64(1), counters.Completed)
	require.Zero(counters.Lost)
	require.Equal(uint64(4), f.eng.Metrics().RecordCount.Load())
	require.Equal(uint64(1), f.eng.Metrics().WaitCycleCount.Load())
	require.Len(f.eng.Stats().Snapshot().Channels, 4)
}

func TestEngine_FixedModuleOrder(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 3)
	f.start(t)

	// only module 2 crosses the threshold, module 0 holds a little data
	f.crate.Push(2, records(firstSlot+2, 6)...)
	f.crate.Push(0, records(firstSlot, 1)...)

	require.True(f.eng.cycle(context.Background(), false))
	require.Equal(1, f.store.count())

	s := f.store.spill(t, 0)
	require.GreaterOrEqual(len(s.Frames), 3)
	for mod := 0; mod < 3; mod++ {
		require.Equal(spill.ModuleFrame, s.Frames[mod].Kind)
		require.Equal(mod, s.Frames[mod].ID)
	}
	require.Equal(14, s.Frames[0].Length)
	require.Equal(spill.FrameHeaderWords, s.Frames[1].Length)
	require.Equal(74, s.Frames[2].Length)

	last := s.Frames[len(s.Frames)-1]
	require.Equal(spill.ClockFrame, last.Kind)
	ts, err := spill.ClockTime(s.Words, last)
	require.NoError(err)
	require.WithinDuration(time.Now(), ts, 5*time.Second)

	require.Equal(uint64(1), f.eng.Metrics().ThresholdCycleCount.Load())
}

func TestEngine_FatalCorruptionAbortsRun(t *testing.T) {
	require := require.New(t)

	ml := logger.NewMockLogger().AllowAll()

	f := newFixture(t, 2, WithLogger(ml))
	f.start(t)

	bad := records(firstSlot, 5)
	bad = append(bad, twelveWordRecord(9, 0)...)
	f.crate.Push(0, bad...)
	f.crate.Push(1, records(firstSlot+1, 5)...)

	require.False(f.eng.cycle(context.Background(), false))

	require.Equal(runctl.Idle, f.eng.State())
	require.Equal(1, f.crate.Reads(0))
	require.Zero(f.crate.Reads(1), "modules after the corrupted one must not be read")
	require.Zero(f.store.count(), "no spill is dispatched from a corrupted cycle")
	require.Equal(1, f.store.closed)

	ml.AssertNumberOfCalls(t, "Error", 1)

	require.Len(f.alarms, 1)
	require.Equal(Corruption, f.alarms[0].Condition)
	require.Equal(0, f.alarms[0].Module)

	var cerr *record.CorruptionError
	require.ErrorAs(f.alarms[0], &cerr)
	require.Equal(record.SlotMismatch, cerr.Reason)
	require.Equal(60, cerr.Offset)
	require.ErrorIs(f.alarms[0], record.ErrCorrupt)

	require.Equal(uint64(1), f.eng.Metrics().FatalCount.Load())
	st := f.eng.Status()
	require.Error(st.Err)
	require.Contains(st.String(), "error=")
}

func TestEngine_ReadFailureIsFatal(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 2)
	f.start(t)

	f.crate.Push(0, records(firstSlot, 5)...)
	readErr := errors.New("bus error")
	f.crate.FailReads(0, readErr)

	require.False(f.eng.cycle(context.Background(), false))
	require.Equal(runctl.Idle, f.eng.State())
	require.Len(f.alarms, 1)
	require.Equal(ReadFailure, f.alarms[0].Condition)
	require.ErrorIs(f.alarms[0], readErr)
}

func TestEngine_CarryoverAcrossCycles(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 1, WithWaitPolicy(1, time.Microsecond))
	f.start(t)

	r0 := twelveWordRecord(firstSlot, 1)
	r1 := twelveWordRecord(firstSlot, 2)

	f.crate.Push(0, r0...)
	f.crate.Push(0, r1[:5]...)
	require.True(f.eng.cycle(context.Background(), false))
	require.Equal(5, f.eng.carry.Pending(0))
	require.Equal(uint64(1), f.eng.carry.Counters().Deferred)

	f.crate.Push(0, r1[5:]...)
	require.True(f.eng.cycle(context.Background(), false))
	require.Zero(f.eng.carry.Pending(0))

	require.Equal(2, f.store.count())
	require.Equal(r0, f.moduleFrame(t, 0, 0)[spill.FrameHeaderWords:])
	require.Equal(r1, f.moduleFrame(t, 1, 0)[spill.FrameHeaderWords:])
	require.Equal(uint64(2), f.eng.Metrics().RecordCount.Load())
}

func TestEngine_SplitReadsReconstructRecords(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 1, WithWaitPolicy(1, time.Microsecond))
	f.start(t)

	data := records(firstSlot, 10)
	for _, cut := range [][2]int{{0, 7}, {7, 30}, {30, 61}, {61, 120}} {
		f.crate.Push(0, data[cut[0]:cut[1]]...)
		require.True(f.eng.cycle(context.Background(), false))
	}

	var got []uint32
	for i := 0; i < f.store.count(); i++ {
		got = append(got, f.moduleFrame(t, i, 0)[spill.FrameHeaderWords:]...)
	}
	require.Equal(data, got)
	require.Zero(f.eng.carry.Pending(0))
	require.Zero(f.eng.carry.Counters().Lost)
	require.Equal(uint64(10), f.eng.Metrics().RecordCount.Load())
}

func TestEngine_EmptyCycleAndForceFlush(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 2)
	f.start(t)

	require.True(f.eng.cycle(context.Background(), false))
	require.Zero(f.store.count())
	require.Equal(uint64(1), f.eng.Metrics().EmptyCycleCount.Load())

	f.eng.forceFlush = true
	require.True(f.eng.cycle(context.Background(), false))
	require.Equal(1, f.store.count())
	require.Equal(uint64(1), f.eng.Metrics().ForcedCycleCount.Load())

	s := f.store.spill(t, 0)
	require.True(s.Empty)
	require.Equal([]uint32{2, 0, 2, 1}, s.Words[:4])
	require.False(f.eng.forceFlush)
}

func TestEngine_FullFIFODropsPartialAndStops(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 1)
	f.start(t)

	data := records(firstSlot, 9)
	f.crate.Push(0, data[:100]...)

	require.True(f.eng.cycle(context.Background(), false))

	require.Equal(runctl.Idle, f.eng.State())
	require.Equal(2, f.store.count(), "full cycle plus final drain")

	frame := f.moduleFrame(t, 0, 0)
	require.Equal(uint32(98), frame[0])
	require.Equal(data[:96], frame[spill.FrameHeaderWords:])

	require.Equal(uint64(1), f.eng.carry.Counters().Lost)
	require.Equal(uint64(1), f.eng.Metrics().FullFIFOCount.Load())
	require.Empty(f.alarms, "a full FIFO is not a fatal condition")
}

func TestEngine_FullFIFOKeepsRunningWhenConfigured(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 1, WithStopOnFullFIFO(false))
	f.start(t)

	f.crate.Push(0, records(firstSlot, 9)[:100]...)
	require.True(f.eng.cycle(context.Background(), false))
	require.Equal(runctl.Running, f.eng.State())
	require.Equal(uint64(1), f.eng.carry.Counters().Lost)
}

func TestEngine_StopDrainsAndRecordsSummary(t *testing.T) {
	require := require.New(t)

	runs, err := runstore.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(err)
	defer runs.Close()

	f := newFixture(t, 1, WithRunStore(runs))
	f.start(t)

	r0 := twelveWordRecord(firstSlot, 1)
	r1 := twelveWordRecord(firstSlot, 2)
	f.crate.Push(0, r0...)
	f.crate.Push(0, r1[:5]...)

	f.eng.stopRun(context.Background(), "test")

	require.Equal(runctl.Idle, f.eng.State())
	require.Equal(1, f.store.count())
	require.Equal(r0, f.moduleFrame(t, 0, 0)[spill.FrameHeaderWords:])
	require.Zero(f.crate.Pending(0))
	require.Equal([]int{1}, f.store.opened)
	require.Equal(1, f.store.closed)

	run, err := runs.Get(1)
	require.NoError(err)
	require.True(run.Finished())
	require.NotNil(run.Summary)
	require.Equal(uint64(1), run.Summary.Spills)
	require.Equal(uint64(1), run.Summary.LostRecords)
	require.Equal(uint64(12), run.Summary.Words)
	require.Empty(run.Summary.Error)

	// the next run continues the numbering
	f.start(t)
	require.Equal(2, f.eng.Status().Run)
}

func TestEngine_StopDrainsDataFlushedWhileFinishing(t *testing.T) {
	require := require.New(t)

	tail := twelveWordRecord(firstSlot, 9)
	var fc *finishingCrate
	f := newWrappedFixture(t, 1, func(c *sim.Crate) hardware.Crate {
		fc = &finishingCrate{Crate: c, tail: tail}
		return fc
	})
	f.start(t)

	f.crate.Push(0, records(firstSlot, 2)...)
	require.True(f.eng.cycle(context.Background(), false))
	require.Equal(1, f.store.count())

	f.eng.stopRun(context.Background(), "test")

	require.True(fc.finished)
	require.Equal(runctl.Idle, f.eng.State())
	require.Equal(2, f.store.count())
	require.Equal(tail, f.moduleFrame(t, 1, 0)[spill.FrameHeaderWords:])
	require.Zero(f.crate.Pending(0), "nothing is left in the FIFO after the final drain")
	require.Equal(uint64(3), f.eng.Metrics().RecordCount.Load())
}

func TestEngine_ModulesFinishEndsRun(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 2)
	f.start(t)

	f.crate.SetRunActive(0, false)
	require.True(f.eng.cycle(context.Background(), false))
	require.Equal(runctl.Running, f.eng.State())
	require.True(f.eng.done[0])

	queries := f.crate.Queries(0)
	f.crate.SetRunActive(1, false)
	require.True(f.eng.cycle(context.Background(), false))

	require.Equal(runctl.Idle, f.eng.State())
	require.Equal(queries, f.crate.Queries(0), "finished modules are no longer polled")
}

func TestEngine_StartFailure(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 1)
	startErr := errors.New("boot firmware missing")
	f.crate.FailStart(startErr)

	f.eng.startRun(context.Background())

	require.Equal(runctl.Idle, f.eng.State())
	require.Len(f.alarms, 1)
	require.Equal(StartFailure, f.alarms[0].Condition)
	require.Equal(-1, f.alarms[0].Module)
	require.ErrorIs(f.alarms[0], startErr)
	require.Equal(1, f.store.closed)
}

func TestEngine_StorageFailureIsFatal(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 1)
	f.start(t)

	f.store.failErr = errors.New("disk full")
	f.crate.Push(0, records(firstSlot, 5)...)

	require.False(f.eng.cycle(context.Background(), false))
	require.Equal(runctl.Idle, f.eng.State())
	require.Len(f.alarms, 1)
	require.Equal(StorageFailure, f.alarms[0].Condition)
	require.ErrorIs(f.alarms[0], dispatch.ErrStorage)
}

func TestEngine_BroadcastMatchesStoredSpill(t *testing.T) {
	require := require.New(t)

	tr := &memTransport{}
	f := newFixture(t, 2, WithBroadcast(tr), WithMaxPacketWords(32))
	f.start(t)

	f.crate.Push(0, records(firstSlot, 5)...)
	f.crate.Push(1, records(firstSlot+1, 2)...)
	require.True(f.eng.cycle(context.Background(), false))
	require.Equal(1, f.store.count())

	r := dispatch.NewReassembler(0, quietLogger())
	var got *dispatch.Received
	for _, b := range tr.packets {
		p, err := dispatch.ParsePacket(b)
		require.NoError(err)
		got, err = r.Add(p)
		require.NoError(err)
	}

	require.NotNil(got)
	require.True(got.Complete())
	require.Equal(f.store.spills[0], got.Words)
}

func TestEngine_StatsBlocksAndDump(t *testing.T) {
	require := require.New(t)

	var out bytes.Buffer
	f := newFixture(t, 2, WithStatsInterval(time.Nanosecond), WithStatsOutput(&out))
	f.crate.SetStatistics(0, []uint32{1, 2, 3})
	f.start(t)

	f.crate.Push(0, records(firstSlot, 5)...)
	time.Sleep(time.Millisecond)
	require.True(f.eng.cycle(context.Background(), false))

	s := f.store.spill(t, 0)
	var statsFrames []spill.Frame
	for _, fr := range s.Frames {
		if fr.Kind == spill.StatsFrame {
			statsFrames = append(statsFrames, fr)
		}
	}
	require.Len(statsFrames, 2)
	require.Equal(0, statsFrames[0].ID)
	require.Equal([]uint32{record.StatsBlockWord(firstSlot, 3), 1, 2, 3}, statsFrames[0].Payload(s.Words))

	require.Contains(out.String(), "mod 0 data rate")
	require.Zero(f.eng.Stats().Snapshot().Channels[0].Rate, "rates are cleared after a dump")
}

func TestEngine_VirtualChannelsNotCounted(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 1)
	f.start(t)

	h := record.NewHeader(0, firstSlot, 3, 4, 0)
	h.Virtual = true
	virtual := record.Encode(h, nil)
	f.crate.Push(0, append(twelveWordRecord(firstSlot, 1), virtual...)...)
	require.True(f.eng.cycle(context.Background(), false))

	require.Equal(append(twelveWordRecord(firstSlot, 1), virtual...), f.moduleFrame(t, 0, 0)[spill.FrameHeaderWords:],
		"virtual records are stored")
	snap := f.eng.Stats().Snapshot()
	require.Len(snap.Channels, 1)
	require.Equal(uint32(1), snap.Channels[0].Channel)
	require.Equal(int64(48), snap.Modules[0].Bytes)
}

func TestEngine_CountRatesFromModuleStatistics(t *testing.T) {
	require := require.New(t)

	var out bytes.Buffer
	f := newFixture(t, 1, WithStatsInterval(time.Nanosecond), WithStatsBlocks(false), WithStatsOutput(&out))

	var st hardware.Statistics
	st.RealTime = 2 * time.Second
	st.LiveTime[4] = time.Second
	st.FastPeaks[4] = 900
	st.ChannelEvents[4] = 1000
	f.crate.SetStatistics(0, st.Words())
	f.start(t)

	f.crate.Push(0, twelveWordRecord(firstSlot, 4)...)
	time.Sleep(time.Millisecond)
	require.True(f.eng.cycle(context.Background(), false))

	s := f.store.spill(t, 0)
	for _, fr := range s.Frames {
		require.NotEqual(spill.StatsFrame, fr.Kind, "statistics blocks are disabled")
	}

	snap := f.eng.Stats().Snapshot()
	require.Len(snap.Channels, 1)
	require.Equal(uint32(4), snap.Channels[0].Channel)
	require.Equal(int64(1), snap.Channels[0].Total)
	require.InDelta(900.0, snap.Channels[0].Input, 1e-9)
	require.InDelta(500.0, snap.Channels[0].Output, 1e-9)
	require.Contains(out.String(), "900.0")
}

func TestEngine_RunLoop(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()

	f.eng.Post(runctl.Start)
	require.NoError(f.eng.WaitState(ctx, runctl.Running))

	f.crate.Push(0, records(firstSlot, 6)...)
	require.Eventually(func() bool { return f.store.count() >= 1 }, 5*time.Second, time.Millisecond)

	f.eng.Post(runctl.Stop)
	require.NoError(f.eng.WaitState(ctx, runctl.Idle))

	f.eng.Post(runctl.Kill)
	require.ErrorIs(<-done, ErrKilled)
	require.Equal(1, f.store.closed)
}

func TestEngine_KillDrainsActiveRun(t *testing.T) {
	require := require.New(t)

	runs, err := runstore.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(err)
	defer runs.Close()

	f := newFixture(t, 1, WithRunStore(runs))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()

	f.eng.Post(runctl.Start)
	require.NoError(f.eng.WaitState(ctx, runctl.Running))

	f.eng.Post(runctl.Kill)
	require.ErrorIs(<-done, ErrKilled)

	require.Equal(runctl.Idle, f.eng.State())
	require.GreaterOrEqual(f.store.count(), 1, "the final drain dispatches a spill")
	require.Equal(1, f.store.closed)

	run, err := runs.Get(1)
	require.NoError(err)
	require.True(run.Finished())
	require.NotNil(run.Summary)
	require.True(run.Summary.Killed)
	require.Empty(run.Summary.Error)
	require.Empty(f.alarms)
}

func TestEngine_ContextCancelStopsLoop(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()

	f.eng.Post(runctl.Start)
	require.NoError(f.eng.WaitState(ctx, runctl.Running))

	cancel()
	require.ErrorIs(<-done, context.Canceled)
	require.Equal(runctl.Idle, f.eng.State())
}

func TestEngine_RebootWhileIdle(t *testing.T) {
	f := newFixture(t, 1)

	f.eng.handle(context.Background(), runctl.Reboot)
	require.Equal(t, 1, f.crate.Boots())
	require.Equal(t, runctl.Idle, f.eng.State())
}
