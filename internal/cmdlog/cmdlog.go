package cmdlog

import (
	"time"

	"rugguard/internal/logging"
	"rugguard/internal/metrics"
)

// Run executes a CLI command, counting runs and failures and logging the result.
func Run(cmd string, f func() error) error {
	metrics.IncCommandRun(cmd)
	start := time.Now()
	err := f()
	if err != nil {
		metrics.IncCommandError(cmd)
		logging.Error(cmd+"_error", map[string]any{"error": err.Error(), "elapsed_ms": time.Since(start).Milliseconds()})
	} else {
		logging.Info(cmd+"_ok", map[string]any{"elapsed_ms": time.Since(start).Milliseconds()})
	}
	return err
}
