// Package poller decides when the acquisition loop should read the module FIFOs.
//
// Each poll queries the available word count of every module still taking data and
// compares the largest count against a threshold. The maximum only decides whether to
// read; modules are always read in index order afterwards.
package poller

import (
	"context"
	"time"

	"github.com/hribf/spillacq/hardware"
	"github.com/hribf/spillacq/internal/retry"
	"github.com/hribf/spillacq/logger"
	"github.com/hribf/spillacq/module"
)

// Reason tells why a poll cycle proceeds to a read.
type Reason uint8

const (
	// Threshold means the fullest FIFO exceeded the threshold word count.
	Threshold Reason = iota + 1
	// Forced means a force-flush was requested by run control.
	Forced
	// Stopping means this is the final drain of a stopping run.
	Stopping
	// Exhausted means the retry bound ran out before the threshold was crossed.
	Exhausted
)

func (r Reason) String() string {
	switch r {
	case Threshold:
		return "threshold"
	case Forced:
		return "forced"
	case Stopping:
		return "stopping"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result is the outcome of one poll cycle.
type Result struct {
	// Words holds the available word count per module; modules that finished their run,
	// or whose query failed, report zero.
	Words []int
	// MaxModule is the index of the fullest module.
	MaxModule int
	// Reason tells why the cycle proceeds to a read.
	Reason Reason
	// Attempts is the number of count queries rounds performed.
	Attempts int
	// At is the wall-clock time of the last query round.
	At time.Time
}

// Max returns the largest available word count.
func (r Result) Max() int {
	if len(r.Words) == 0 {
		return 0
	}

	return r.Words[r.MaxModule]
}

// Total returns the sum of the available word counts.
func (r Result) Total() int {
	total := 0
	for _, n := range r.Words {
		total += n
	}

	return total
}

// Poller queries module FIFOs until one of them crosses the threshold.
type Poller struct {
	fifo      hardware.FIFO
	registry  *module.Registry
	threshold int
	policy    retry.Policy
	logger    logger.Logger

	words []int
}

// New creates a Poller for the modules in registry.
//
// threshold is the word count a FIFO must exceed to trigger a read; policy bounds the
// number of query rounds per spill cycle and the pause between them.
func New(fifo hardware.FIFO, registry *module.Registry, threshold int, policy retry.Policy, l logger.Logger) *Poller {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Poller{
		fifo:      fifo,
		registry:  registry,
		threshold: threshold,
		policy:    policy,
		logger:    l,
		words:     make([]int, registry.Len()),
	}
}

// Threshold returns the threshold word count.
func (p *Poller) Threshold() int { return p.threshold }

// SetThreshold changes the threshold word count.
func (p *Poller) SetThreshold(words int) { p.threshold = words }

// Poll runs one poll cycle.
//
// done marks modules whose run already completed; they are not queried. When force is set
// the threshold check is bypassed after the first query round; when stopping is set a
// single round is performed. Count query errors are logged and treated as zero available.
// The only error returned is the context error.
func (p *Poller) Poll(ctx context.Context, done []bool, force bool, stopping bool) (Result, error) {
	policy := p.policy
	if force || stopping {
		policy = retry.Once
	}

	res := Result{Words: make([]int, len(p.words))}

	crossed, attempts, err := policy.Poll(ctx, func() (bool, error) {
		p.queryAll(done, res.Words)
		res.MaxModule = maxIndex(res.Words)

		return res.Words[res.MaxModule] > p.threshold, nil
	})
	res.Attempts = attempts
	res.At = time.Now()
	if err != nil {
		return res, err
	}

	switch {
	case crossed:
		res.Reason = Threshold
	case stopping:
		res.Reason = Stopping
	case force:
		res.Reason = Forced
	default:
		res.Reason = Exhausted
	}

	return res, nil
}

func (p *Poller) queryAll(done []bool, words []int) {
	for mod := range words {
		if mod < len(done) && done[mod] {
			words[mod] = 0
			continue
		}

		n, err := p.fifo.AvailableWords(mod)
		if err != nil {
			p.logger.Warn("FIFO word count query failed, assuming empty", "module", mod, "error", err)
			n = 0
		}
		if n < 0 {
			p.logger.Warn("negative FIFO word count, assuming empty", "module", mod, "words", n)
			n = 0
		}
		words[mod] = n
	}
}

func maxIndex(words []int) int {
	idx := 0
	for i, n := range words {
		if n > words[idx] {
			idx = i
		}
	}

	return idx
}
