// spillacq acquires spills from a crate of digitizer modules.
//
// Usage:
//
//	spillacq [acquire]     run the acquisition engine (default)
//	spillacq listen        reassemble broadcast spills and log them
//	spillacq replay FILE   verify a stored run file and print its spills
//
// Configuration comes from SPILLACQ_* environment variables. In acquire mode run control
// commands (start, stop, reboot, flush, kill) are read line by line from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hribf/spillacq/acq"
	"github.com/hribf/spillacq/dispatch"
	"github.com/hribf/spillacq/hardware/sim"
	"github.com/hribf/spillacq/internal/task"
	"github.com/hribf/spillacq/logger"
	"github.com/hribf/spillacq/runctl"
	"github.com/hribf/spillacq/runstore"
	"github.com/hribf/spillacq/spill"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		logger.Error("spillacq failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseConfig()
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	mode := "acquire"
	if len(args) > 0 {
		mode = args[0]
	}

	switch mode {
	case "acquire":
		return acquire(cfg)
	case "listen":
		return listen(cfg)
	case "replay":
		if len(args) < 2 {
			return errors.New("replay needs a run file")
		}
		return replay(cfg, args[1], os.Stdout)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func acquire(cfg *config) error {
	l := logger.GetLogger()

	reg, err := cfg.registry()
	if err != nil {
		return err
	}

	capacities := make([]int, reg.Len())
	for i, m := range reg.All() {
		capacities[i] = m.FIFOCapacity
	}
	crate := sim.NewCrate(capacities...)
	source := sim.NewSource(crate, cfg.slots(), cfg.SimEventsPerTick, cfg.SimTick, cfg.SimTraceLength)

	if err := os.MkdirAll(filepath.Dir(cfg.RunStore), 0o755); err != nil {
		return err
	}
	runs, err := runstore.Open(cfg.RunStore)
	if err != nil {
		return err
	}
	defer runs.Close()

	opts := append(cfg.engineOptions(),
		acq.WithLogger(l),
		acq.WithStorage(dispatch.NewFileSink(cfg.OutputDir, cfg.BufferWords, cfg.MaxFileBytes, l)),
		acq.WithRunStore(runs),
	)

	if cfg.BroadcastAddr != "" {
		tr, err := dispatch.DialUDP(cfg.BroadcastAddr)
		if err != nil {
			return err
		}
		defer tr.Close()
		opts = append(opts, acq.WithBroadcast(tr))
	}
	if cfg.AlarmCmd != "" {
		opts = append(opts, acq.WithAlarm(commandAlarm(cfg.AlarmCmd, cfg.AlarmTimeout, l)))
	}

	eng, err := acq.NewEngine(crate, reg, opts...)
	if err != nil {
		return err
	}

	mgr := task.NewManager(context.Background(), l)

	if err := mgr.Go("engine", eng.Run); err != nil {
		return err
	}
	if err := mgr.Go("source", func(ctx context.Context) error {
		source.Run(ctx)
		return nil
	}); err != nil {
		return err
	}
	if err := mgr.Go("signals", func(ctx context.Context) error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)

		select {
		case <-ctx.Done():
		case s := <-sig:
			l.Info("signal received, killing acquisition", "signal", s.String())
			eng.Post(runctl.Kill)
		}

		return nil
	}); err != nil {
		return err
	}
	if cfg.StatusInterval > 0 {
		if err := mgr.Every("status", cfg.StatusInterval, false, func(context.Context) bool {
			l.Info("status", "line", eng.Status().String())
			return true
		}); err != nil {
			return err
		}
	}

	// stdin blocks outside of any context, so the reader is not a managed task
	go readCommands(os.Stdin, eng, l)

	if cfg.AutoStart {
		eng.Post(runctl.Start)
	}

	err = mgr.Wait()
	if errors.Is(err, acq.ErrKilled) {
		return nil
	}

	return err
}

func readCommands(r io.Reader, eng *acq.Engine, l logger.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}

		switch line {
		case "status":
			fmt.Println(eng.Status())
			continue
		case "stats":
			_ = eng.Stats().Dump(os.Stdout)
			continue
		}

		cmd, err := runctl.ParseCommand(line)
		if err != nil {
			l.Warn("ignoring input", "line", line, "error", err)
			continue
		}
		eng.Post(cmd)
	}
}

func listen(cfg *config) error {
	l := logger.GetLogger()

	ln, err := dispatch.ListenUDP(cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l.Info("listening for spills", "addr", ln.Addr().String())

	r := dispatch.NewReassembler(0, l)
	err = ln.Serve(ctx, r, func(rcv *dispatch.Received) {
		if !rcv.Complete() {
			l.Warn("incomplete spill", "sequence", rcv.Sequence, "missing", rcv.Missing)
			return
		}

		s, err := spill.Parse(rcv.Words, spill.DefaultClockID)
		if err != nil {
			l.Warn("malformed spill", "sequence", rcv.Sequence, "error", err)
			return
		}
		l.Info("spill received", "sequence", rcv.Sequence, "words", s.Len(), "frames", len(s.Frames), "empty", s.Empty)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func replay(cfg *config, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fr := dispatch.NewFileReader(f, cfg.BufferWords)
	for {
		words, seq, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		s, err := spill.Parse(words, spill.DefaultClockID)
		if err != nil {
			return fmt.Errorf("spill %d: %w", seq, err)
		}

		if _, err := fmt.Fprintf(w, "spill %d: %d words\n", seq, s.Len()); err != nil {
			return err
		}
		for _, frame := range s.Frames {
			if _, err := fmt.Fprintf(w, "  %-6s id=%-5d words=%d\n", frame.Kind, frame.ID, frame.Length); err != nil {
				return err
			}
		}
	}
}
