package coordinator

import (
	"context"
	"time"
)

// Restart is a graceful stop followed by RestartDelay and a start (§4.6
// restart = stop(graceful) + wait RESTART_DELAY_MS + start).
func (c *Coordinator) Restart(ctx context.Context, vmID string) (*StartResult, error) {
	if _, err := c.Stop(ctx, vmID, DefaultStopOptions()); err != nil {
		return nil, wrapStartErr(vmID, err)
	}

	select {
	case <-time.After(RestartDelay):
	case <-ctx.Done():
		return nil, newErr(ErrStartFailed, vmID, ctx.Err())
	}

	return c.Start(ctx, vmID)
}
