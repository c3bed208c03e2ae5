package acq

import (
	"errors"
	"io"
	"time"

	"github.com/hribf/spillacq/dispatch"
	"github.com/hribf/spillacq/internal/retry"
	"github.com/hribf/spillacq/logger"
	"github.com/hribf/spillacq/runstore"
	"github.com/hribf/spillacq/spill"
)

// Config holds the acquisition engine settings. It is built by NewConfig from options.
type Config struct {
	// thresholdPercent is the FIFO fill level, in percent of the smallest module FIFO,
	// that triggers a read.
	// Defaults to 50.
	thresholdPercent float64

	// pollPolicy bounds the count queries of one spill cycle.
	// Defaults to 100 tries, 100µs apart.
	pollPolicy retry.Policy

	// waitPolicy bounds the wait for the missing words of a partial record.
	// Defaults to 100 tries, 100µs apart.
	waitPolicy retry.Policy

	// idleInterval is the longest sleep of the loop while no run is active.
	// Defaults to 100ms.
	idleInterval time.Duration

	// statsInterval is the acquisition time between two statistics dumps; zero disables them.
	// Defaults to 0.
	statsInterval time.Duration

	// statsBlocks injects the raw module statistics into the spill at every dump.
	// Defaults to true.
	statsBlocks bool

	// statsOutput receives the rate table at every dump; nil skips it.
	statsOutput io.Writer

	// wallClock appends the wall-clock frame to every spill.
	// Defaults to true.
	wallClock bool

	// clockID identifies the wall-clock frame layout.
	// Defaults to 1000.
	clockID uint32

	// maxPacketWords is the broadcast payload limit per packet.
	// Defaults to 4050.
	maxPacketWords int

	// stopOnFullFIFO ends the run when a module FIFO is found full.
	// Defaults to true.
	stopOnFullFIFO bool

	// nearFullRatio is the fill ratio above which a FIFO warning is logged.
	// Defaults to 0.9.
	nearFullRatio float64

	// syncClocks resynchronizes the module clocks at every run start.
	// Defaults to true.
	syncClocks bool

	storage   dispatch.Storage
	transport dispatch.Transport
	runs      *runstore.Store
	alarm     AlarmFunc
	logger    logger.Logger
}

// NewConfig creates a Config with default values and applies opts.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		thresholdPercent: 50,
		pollPolicy:       retry.Policy{Tries: 100, Interval: 100 * time.Microsecond},
		waitPolicy:       retry.Policy{Tries: 100, Interval: 100 * time.Microsecond},
		idleInterval:     100 * time.Millisecond,
		statsBlocks:      true,
		wallClock:        true,
		clockID:          spill.DefaultClockID,
		maxPacketWords:   dispatch.DefaultMaxPayloadWords,
		stopOnFullFIFO:   true,
		nearFullRatio:    0.9,
		syncClocks:       true,
		logger:           logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// ThresholdPercent returns the read threshold in percent of FIFO capacity.
func (cfg *Config) ThresholdPercent() float64 { return cfg.thresholdPercent }

// PollPolicy returns the bound of the count queries of one spill cycle.
func (cfg *Config) PollPolicy() retry.Policy { return cfg.pollPolicy }

// WaitPolicy returns the bound of the wait for partial record completion.
func (cfg *Config) WaitPolicy() retry.Policy { return cfg.waitPolicy }

// StatsInterval returns the statistics dump interval.
func (cfg *Config) StatsInterval() time.Duration { return cfg.statsInterval }

// Logger returns the configured logger.
func (cfg *Config) Logger() logger.Logger { return cfg.logger }

// Option represents a functional option for configuring the engine.
type Option interface {
	apply(*Config) error
}

type optFunc struct {
	name      string
	applyFunc func(*Config) error
}

func (o *optFunc) apply(cfg *Config) error { return o.applyFunc(cfg) }

func newOptFunc(name string, f func(*Config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithThresholdPercent sets the FIFO fill level that triggers a read. It must be in (0, 100].
func WithThresholdPercent(percent float64) Option {
	return newOptFunc("WithThresholdPercent", func(cfg *Config) error {
		if percent <= 0 || percent > 100 {
			return errors.New("threshold percent out of range (0, 100]")
		}
		cfg.thresholdPercent = percent

		return nil
	})
}

// WithPollPolicy sets the number of count query rounds per spill cycle and the pause between them.
func WithPollPolicy(tries int, interval time.Duration) Option {
	return newOptFunc("WithPollPolicy", func(cfg *Config) error {
		if tries < 1 || interval < 0 {
			return errors.New("poll policy needs at least one try and a non-negative interval")
		}
		cfg.pollPolicy = retry.Policy{Tries: tries, Interval: interval}

		return nil
	})
}

// WithWaitPolicy sets how long a partial record is waited for before it is carried over.
func WithWaitPolicy(tries int, interval time.Duration) Option {
	return newOptFunc("WithWaitPolicy", func(cfg *Config) error {
		if tries < 1 || interval < 0 {
			return errors.New("wait policy needs at least one try and a non-negative interval")
		}
		cfg.waitPolicy = retry.Policy{Tries: tries, Interval: interval}

		return nil
	})
}

// WithIdleInterval sets the longest sleep of the loop while no run is active.
func WithIdleInterval(val time.Duration) Option {
	return newOptFunc("WithIdleInterval", func(cfg *Config) error {
		if val <= 0 {
			return errors.New("idle interval must be positive")
		}
		cfg.idleInterval = val

		return nil
	})
}

// WithStatsInterval enables the periodic statistics dump every val of acquisition time.
// Zero disables it.
func WithStatsInterval(val time.Duration) Option {
	return newOptFunc("WithStatsInterval", func(cfg *Config) error {
		if val < 0 {
			return errors.New("stats interval must not be negative")
		}
		cfg.statsInterval = val

		return nil
	})
}

// WithStatsBlocks controls whether raw module statistics are injected into the spill at every dump.
func WithStatsBlocks(enabled bool) Option {
	return newOptFunc("WithStatsBlocks", func(cfg *Config) error {
		cfg.statsBlocks = enabled
		return nil
	})
}

// WithStatsOutput writes the rate table to w at every dump.
func WithStatsOutput(w io.Writer) Option {
	return newOptFunc("WithStatsOutput", func(cfg *Config) error {
		cfg.statsOutput = w
		return nil
	})
}

// WithWallClock controls whether every spill carries the wall-clock frame.
func WithWallClock(enabled bool) Option {
	return newOptFunc("WithWallClock", func(cfg *Config) error {
		cfg.wallClock = enabled
		return nil
	})
}

// WithClockID sets the id word of the wall-clock frame. It must not collide with a module index.
func WithClockID(id uint32) Option {
	return newOptFunc("WithClockID", func(cfg *Config) error {
		if id < 16 {
			return errors.New("clock id collides with module indices")
		}
		cfg.clockID = id

		return nil
	})
}

// WithMaxPacketWords sets the broadcast payload limit per packet.
func WithMaxPacketWords(words int) Option {
	return newOptFunc("WithMaxPacketWords", func(cfg *Config) error {
		if words < 2 || words > 16000 {
			return errors.New("max packet words out of range [2, 16000]")
		}
		cfg.maxPacketWords = words

		return nil
	})
}

// WithStopOnFullFIFO controls whether a full module FIFO ends the run.
func WithStopOnFullFIFO(enabled bool) Option {
	return newOptFunc("WithStopOnFullFIFO", func(cfg *Config) error {
		cfg.stopOnFullFIFO = enabled
		return nil
	})
}

// WithNearFullRatio sets the FIFO fill ratio above which a warning is logged.
func WithNearFullRatio(ratio float64) Option {
	return newOptFunc("WithNearFullRatio", func(cfg *Config) error {
		if ratio <= 0 || ratio > 1 {
			return errors.New("near-full ratio out of range (0, 1]")
		}
		cfg.nearFullRatio = ratio

		return nil
	})
}

// WithClockSync controls whether module clocks are resynchronized at every run start.
func WithClockSync(enabled bool) Option {
	return newOptFunc("WithClockSync", func(cfg *Config) error {
		cfg.syncClocks = enabled
		return nil
	})
}

// WithStorage sets the persistent spill sink. Its failures abort the run.
func WithStorage(s dispatch.Storage) Option {
	return newOptFunc("WithStorage", func(cfg *Config) error {
		cfg.storage = s
		return nil
	})
}

// WithBroadcast sets the best-effort network transport.
func WithBroadcast(t dispatch.Transport) Option {
	return newOptFunc("WithBroadcast", func(cfg *Config) error {
		cfg.transport = t
		return nil
	})
}

// WithRunStore allocates run numbers from s and records end-of-run summaries in it.
func WithRunStore(s *runstore.Store) Option {
	return newOptFunc("WithRunStore", func(cfg *Config) error {
		cfg.runs = s
		return nil
	})
}

// WithAlarm sets the hook invoked once per fatal condition.
func WithAlarm(f AlarmFunc) Option {
	return newOptFunc("WithAlarm", func(cfg *Config) error {
		cfg.alarm = f
		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *Config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
