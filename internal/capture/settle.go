package capture

import (
	"math"
	"time"

	"bracketeer/internal/device"
)

type settleParams struct {
	Timeout      time.Duration
	PollInterval time.Duration
	Threshold    float64
}

// settleExposure switches the device to continuous-auto modes, clears the
// exposure bias, then polls the exposure-target offset until it falls under
// the threshold or the timeout elapses. Timing out is best-effort
// continuation, not an error. Runs on the device queue; each poll is a
// deferred reschedule through enqueue, so the chain dies with the
// coordinator instead of blocking the queue or outliving it.
func (c *Coordinator) settleExposure(p settleParams, done func(device.Exposure)) {
	dev := c.dev
	if dev == nil {
		done(device.Exposure{})
		return
	}
	if err := dev.SetContinuousAuto(); err != nil {
		c.log.Warn("continuous auto switch failed before settle", "error", err)
	}
	if err := dev.SetExposureBias(0); err != nil {
		c.log.Warn("exposure bias clear failed before settle", "error", err)
	}

	start := time.Now()
	var poll func()
	poll = func() {
		if c.dev != dev {
			// Device switched or torn down mid-settle: complete with
			// whatever baseline is still obtainable instead of hanging.
			c.log.Warn("device changed during exposure settle, using last readable baseline")
			done(dev.CurrentExposure())
			return
		}
		offset := dev.ExposureTargetOffset()
		elapsed := time.Since(start)
		if math.Abs(offset) <= p.Threshold || elapsed >= p.Timeout {
			c.log.Debug("exposure settled",
				"offset", offset,
				"elapsed_ms", elapsed.Milliseconds(),
				"timed_out", elapsed >= p.Timeout)
			done(dev.CurrentExposure())
			return
		}
		time.AfterFunc(p.PollInterval, func() { c.enqueue(poll) })
	}
	poll()
}
