package main

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/hribf/spillacq/acq"
	"github.com/hribf/spillacq/logger"
)

// commandAlarm runs the shell command cmd once per fatal condition, passing the
// condition through SPILLACQ_ALARM_* environment variables.
func commandAlarm(cmd string, timeout time.Duration, l logger.Logger) acq.AlarmFunc {
	return func(ctx context.Context, ferr *acq.FatalError) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
		c.Env = append(os.Environ(),
			"SPILLACQ_ALARM_CONDITION="+ferr.Condition.String(),
			"SPILLACQ_ALARM_MODULE="+strconv.Itoa(ferr.Module),
			"SPILLACQ_ALARM_ERROR="+ferr.Cause.Error(),
		)

		if out, err := c.CombinedOutput(); err != nil {
			l.Warn("alarm command failed", "command", cmd, "error", err, "output", string(out))
		}
	}
}
