package dispatcher

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartSweeper runs Sweep on the cron schedule spec ("@every 1m",
// "*/5 * * * *", ...) until the returned stop func is called.
func (d *Dispatcher) StartSweeper(ctx context.Context, spec string) (stop func(), err error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("reconciliation sweep", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", spec, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
