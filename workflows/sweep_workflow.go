package workflows

import (
	"time"

	"go.temporal.io/sdk/workflow"
)

// SweepWorkflow removes expired tokens. It is started with a cron schedule;
// redemption never depends on it having run.
func SweepWorkflow(ctx workflow.Context, retention time.Duration) (int64, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Sweep workflow started", "retention", retention.String())

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout:    5 * time.Minute,
		ScheduleToStartTimeout: time.Minute,
		RetryPolicy: &RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var removed int64
	if err := workflow.ExecuteActivity(ctx, "SweepTokens", retention).Get(ctx, &removed); err != nil {
		logger.Error("Token sweep failed", "error", err)
		return 0, err
	}

	logger.Info("Sweep workflow completed", "removed", removed)
	return removed, nil
}
