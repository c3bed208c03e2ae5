package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/hribf/spillacq/acq"
	"github.com/hribf/spillacq/module"
)

// config holds the binary configuration from SPILLACQ_* environment variables.
type config struct {
	Modules      int    `env:"MODULES" envDefault:"4"`
	FirstSlot    uint32 `env:"FIRST_SLOT" envDefault:"2"`
	FIFOCapacity int    `env:"FIFO_CAPACITY" envDefault:"131072"`

	ThresholdPercent float64       `env:"THRESHOLD_PERCENT" envDefault:"50"`
	PollTries        int           `env:"POLL_TRIES" envDefault:"100"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"100us"`
	WaitTries        int           `env:"WAIT_TRIES" envDefault:"100"`
	WaitInterval     time.Duration `env:"WAIT_INTERVAL" envDefault:"100us"`
	StopOnFullFIFO   bool          `env:"STOP_ON_FULL_FIFO" envDefault:"true"`

	StatsInterval  time.Duration `env:"STATS_INTERVAL" envDefault:"0s"`
	StatsBlocks    bool          `env:"STATS_BLOCKS" envDefault:"true"`
	StatusInterval time.Duration `env:"STATUS_INTERVAL" envDefault:"10s"`

	BroadcastAddr  string `env:"BROADCAST_ADDR"`
	MaxPacketWords int    `env:"MAX_PACKET_WORDS" envDefault:"4050"`
	ListenAddr     string `env:"LISTEN_ADDR" envDefault:":5555"`

	OutputDir    string `env:"OUTPUT_DIR" envDefault:"data"`
	BufferWords  int    `env:"BUFFER_WORDS" envDefault:"8192"`
	MaxFileBytes int64  `env:"MAX_FILE_BYTES" envDefault:"1073741824"`
	RunStore     string `env:"RUNSTORE" envDefault:"spillacq.db"`

	AlarmCmd     string        `env:"ALARM_CMD"`
	AlarmTimeout time.Duration `env:"ALARM_TIMEOUT" envDefault:"10s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// simulated hardware
	SimEventsPerTick int           `env:"SIM_EVENTS_PER_TICK" envDefault:"20"`
	SimTick          time.Duration `env:"SIM_TICK" envDefault:"10ms"`
	SimTraceLength   int           `env:"SIM_TRACE_LENGTH" envDefault:"32"`

	AutoStart bool `env:"AUTO_START" envDefault:"false"`
}

func parseConfig() (*config, error) {
	var cfg config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SPILLACQ_"}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

func (c *config) registry() (*module.Registry, error) {
	return module.NewUniformRegistry(c.Modules, c.FirstSlot, c.FIFOCapacity)
}

func (c *config) slots() []uint32 {
	out := make([]uint32, c.Modules)
	for i := range out {
		out[i] = c.FirstSlot + uint32(i) //nolint:gosec
	}

	return out
}

// engineOptions returns the acquisition options that depend on the environment only.
func (c *config) engineOptions() []acq.Option {
	return []acq.Option{
		acq.WithThresholdPercent(c.ThresholdPercent),
		acq.WithPollPolicy(c.PollTries, c.PollInterval),
		acq.WithWaitPolicy(c.WaitTries, c.WaitInterval),
		acq.WithStopOnFullFIFO(c.StopOnFullFIFO),
		acq.WithStatsInterval(c.StatsInterval),
		acq.WithStatsBlocks(c.StatsBlocks),
		acq.WithMaxPacketWords(c.MaxPacketWords),
	}
}
