package observer

import (
	"context"
	"time"

	"github.com/nevindra/parley"

	"go.opentelemetry.io/otel/metric"
)

// TaskRunHook returns a scheduler run hook that records task run counts and
// durations. Pass it to parley.WithRunHook.
func TaskRunHook(inst *Instruments) func(taskID string, state parley.TaskState, d time.Duration) {
	return func(taskID string, state parley.TaskState, d time.Duration) {
		ctx := context.Background()
		attrs := metric.WithAttributes(
			AttrTaskID.String(taskID),
			AttrTaskState.String(string(state)),
		)
		inst.TaskRuns.Add(ctx, 1, attrs)
		inst.TaskDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
			AttrTaskID.String(taskID),
		))
	}
}
