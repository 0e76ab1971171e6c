package worker

import (
	"context"
	"errors"
	"time"

	"training-orchestrator/internal/models"
)

// SimulationHandler is the fallback for job kinds without a registered
// handler. It simulates work driven by well-known payload fields, which keeps
// end-to-end runs possible without real training infrastructure:
//
//	duration_ms     - total simulated work time
//	steps           - number of progress reports to emit
//	should_fail     - report a permanent failure
//	fail_transient  - report a retryable failure
func SimulationHandler(ctx context.Context, job models.Job, progress ProgressFn) error {
	if v, ok := job.Payload["should_fail"].(bool); ok && v {
		return errors.New("simulated failure requested by payload.should_fail")
	}
	if v, ok := job.Payload["fail_transient"].(bool); ok && v {
		return Transient(errors.New("simulated transient failure"))
	}

	total := time.Duration(asInt(job.Payload["duration_ms"], 0)) * time.Millisecond
	steps := asInt(job.Payload["steps"], 1)
	if steps < 1 {
		steps = 1
	}

	for i := 1; i <= steps; i++ {
		if total > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(total / time.Duration(steps)):
			}
		}
		if cancelled := progress(map[string]any{"step": i, "of": steps}); cancelled {
			return ctx.Err()
		}
	}
	return nil
}

func asInt(v any, def int) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	default:
		return def
	}
}
