package core

import (
	"context"
	"time"
)

// Run drives the evaluator until ctx is canceled and returns ctx's
// error. Commands submitted between ticks wake it immediately.
func (c *Core) Run(ctx context.Context) error {
	c.log.Infow("control loop running",
		"state", c.Snapshot().State.String(), "online_tick", c.cfg.OnlineTick.String())
	for {
		next := c.Tick(ctx)
		if err := c.sleep(ctx, next); err != nil {
			return err
		}
	}
}

// sleep waits out the inter-tick gap in short chunks so that a
// connectivity flip or a submitted command is acted on within seconds,
// not after a multi-hour offline cadence.
func (c *Core) sleep(ctx context.Context, d time.Duration) error {
	wasOnline := c.onlineAtLastTick()
	deadline := c.now().Add(d)
	for {
		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return nil
		}
		if remaining > connCheckEvery {
			remaining = connCheckEvery
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.kick:
			return nil
		case <-time.After(remaining):
			if c.net.Online() != wasOnline {
				return nil
			}
		}
	}
}
