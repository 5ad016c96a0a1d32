package capture

import (
	"fmt"
	"math"
	"time"

	"bracketeer/internal/device"
	"bracketeer/internal/logging"
)

// startBracket drives the full run state machine:
// Idle -> ConfiguringDevice -> SettlingExposure -> Capturing -> Finishing -> Idle.
// Runs on the device queue.
func (c *Coordinator) startBracket(evStep float64, shotCount int) {
	if c.state != StateIdle {
		// Rejected, not queued.
		c.log.Warn("bracket start rejected, session busy", "state", c.state.String())
		return
	}
	if c.dev == nil {
		c.setAlert(captureErr(ErrDeviceUnavailable, "start bracket", device.ErrDeviceUnavailable))
		c.publish()
		return
	}

	plan := Plan(evStep, shotCount)
	run := newRun(plan, evStep)
	c.run = run
	c.lastError = nil
	c.setState(StateConfiguring)

	if c.hasSel {
		run.dims = c.sel.Dimensions
	}
	if c.rawEnabled && c.hasSel && c.sel.RawAvailable {
		run.rawFormat = PickRawFormat(c.dev.ActiveRawFormats())
	}

	if c.recorder != nil {
		if err := c.recorder.RecordRunStart(RunRecord{ID: run.id, Lens: c.dev.Lens(), EVStep: evStep, ShotCount: len(plan)}); err != nil {
			c.log.Warn("run history write failed", "run", run.id, "error", err)
		}
	}
	logging.LogRunStart(c.log, run.id, string(c.dev.Lens()), evStep, len(plan), run.rawFormat != "")

	c.setState(StateSettling)
	c.publish()
	c.settleExposure(c.settleSettings(), func(baseline device.Exposure) {
		if c.run != run || run.finished {
			return
		}
		run.baseline = baseline
		c.log.Debug("baseline captured",
			"run", run.id,
			"iso", baseline.ISO,
			"duration", baseline.Duration,
			"focus", baseline.FocusPosition)
		c.setState(StateCapturing)
		c.publish()
		c.beginCapture(run)
	})
}

func (c *Coordinator) settleSettings() settleParams {
	return settleParams{
		Timeout:      c.opts.SettleTimeout,
		PollInterval: c.opts.SettlePollInterval,
		Threshold:    c.opts.SettleThreshold,
	}
}

// beginCapture picks the capture strategy. Grouped bracket capture is
// preferred; the manual sequential path covers hardware without grouped
// support, plans exceeding its limit, and the RAW-requested-but-unavailable
// downgrade.
func (c *Coordinator) beginCapture(run *captureRun) {
	grouped := c.caps.SupportsBracketedCapture &&
		len(run.plan) <= c.caps.MaxBracketedCount &&
		(!c.rawEnabled || run.rawFormat != "")
	run.grouped = grouped
	if grouped {
		c.captureGrouped(run)
		return
	}
	c.captureNext(run)
}

// captureGrouped submits one atomic request carrying the full ordered EV
// list. The hardware answers with one delivery per photo, then a final
// completion callback.
func (c *Coordinator) captureGrouped(run *captureRun) {
	req := device.BracketedRequest{
		CaptureRequest: device.CaptureRequest{PixelFormat: run.rawFormat, Dimensions: run.dims},
		EVOffsets:      append([]float64(nil), run.plan...),
	}
	c.log.Debug("grouped bracket submitted", "run", run.id, "offsets", req.EVOffsets)
	err := c.dev.CaptureBracketed(req,
		c.deliverFunc(run),
		func(err error) {
			c.enqueue(func() {
				if run.finished || c.run != run {
					return
				}
				if err != nil {
					c.finishSequence(run, captureErr(ErrCaptureDelivery, "grouped capture", err))
					return
				}
				c.finishSequence(run, nil)
			})
		})
	if err != nil {
		c.finishSequence(run, captureErr(ErrCaptureDelivery, "grouped capture submit", err))
	}
}

// captureNext issues the next manual locked-exposure shot, awaiting its
// callback before advancing. Runs on the device queue.
func (c *Coordinator) captureNext(run *captureRun) {
	if run.finished || c.run != run {
		return
	}
	if run.stepIndex >= len(run.plan) {
		c.finishSequence(run, nil)
		return
	}

	offset := run.plan[run.stepIndex]
	exp := run.baseline
	exp.Gains = exp.Gains.Clamped(c.caps.MaxWhiteBalanceGain)
	if offset != 0 {
		// Scale the baseline duration by 2^offset, clamped to what the
		// device supports. The zero-offset shot reuses the baseline values
		// directly; it defines the baseline.
		exp.Duration = scaleDuration(run.baseline.Duration, offset, c.caps)
	}
	if err := c.dev.LockExposure(exp); err != nil {
		c.finishSequence(run, captureErr(ErrConfiguration, fmt.Sprintf("exposure lock %s", run.plan.Label(run.stepIndex)), err))
		return
	}

	req := device.CaptureRequest{PixelFormat: run.rawFormat, Dimensions: run.dims}
	c.log.Debug("manual shot requested",
		"run", run.id,
		"label", run.plan.Label(run.stepIndex),
		"duration", exp.Duration)
	err := c.dev.CapturePhoto(req,
		c.deliverFunc(run),
		func(err error) {
			c.enqueue(func() {
				if run.finished || c.run != run {
					return
				}
				if err != nil {
					c.finishSequence(run, captureErr(ErrCaptureDelivery, "manual capture", err))
					return
				}
				run.stepIndex++
				c.captureNext(run)
			})
		})
	if err != nil {
		c.finishSequence(run, captureErr(ErrCaptureDelivery, "manual capture submit", err))
	}
}

// deliverFunc bridges hardware delivery callbacks onto the device queue.
// Callback code never mutates session state directly.
func (c *Coordinator) deliverFunc(run *captureRun) device.PhotoFunc {
	return func(d device.PhotoDelivery) {
		c.enqueue(func() { c.handlePhoto(run, d) })
	}
}

// finishSequence runs exactly once per run, on both the success and failure
// paths: restore continuous-auto modes and zero bias (best effort), then
// finalize once outstanding saves drain.
func (c *Coordinator) finishSequence(run *captureRun, failure error) {
	if run.finished || c.run != run {
		return
	}
	run.finished = true
	run.failure = failure
	c.setState(StateFinishing)

	if failure != nil {
		c.log.Error("bracket run aborted",
			"run", run.id,
			"delivered", run.delivered,
			"planned", len(run.plan),
			"error", failure)
	}

	// Restoration failures are logged, never propagated.
	if c.dev != nil {
		if err := c.dev.SetContinuousAuto(); err != nil {
			c.log.Warn("auto mode restore failed", "run", run.id, "error", err)
		}
		if err := c.dev.SetExposureBias(0); err != nil {
			c.log.Warn("exposure bias reset failed", "run", run.id, "error", err)
		}
	}

	if run.pendingSaves > 0 {
		run.awaitingSaves = true
		c.publish()
		return
	}
	c.finalizeRun(run)
}

// finalizeRun discards the run, returns the session to Idle and emits the
// final ordered asset list. Completion notification happens only after the
// device restoration in finishSequence.
func (c *Coordinator) finalizeRun(run *captureRun) {
	assets := run.finalAssets()
	status := "completed"
	errMsg := ""
	if run.failure != nil {
		status = "failed"
		errMsg = run.failure.Error()
		if ce, ok := run.failure.(*CaptureError); ok {
			c.setAlert(ce)
		} else {
			c.setAlert(captureErr(ErrCaptureDelivery, "bracket run", run.failure))
		}
	}
	if c.recorder != nil {
		if err := c.recorder.RecordRunResult(run.id, status, errMsg); err != nil {
			c.log.Warn("run history write failed", "run", run.id, "error", err)
		}
	}

	c.lastAssets = assets
	c.lastRunID = run.id
	c.lastPlanned = len(run.plan)
	c.lastDelivered = run.delivered
	c.run = nil
	c.setState(StateIdle)
	c.publish()

	if run.failure != nil {
		logging.LogRunError(c.log, run.id, time.Since(run.startedAt), run.failure, map[string]any{
			"assets":  len(assets),
			"planned": len(run.plan),
		})
		return
	}
	logging.LogRunComplete(c.log, run.id, time.Since(run.startedAt), len(assets), len(run.plan))
}

// scaleDuration applies an EV offset to the baseline exposure duration,
// clamped to the device's supported range.
func scaleDuration(base time.Duration, ev float64, caps device.Capabilities) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, ev))
	if caps.MinExposureDuration > 0 && d < caps.MinExposureDuration {
		d = caps.MinExposureDuration
	}
	if caps.MaxExposureDuration > 0 && d > caps.MaxExposureDuration {
		d = caps.MaxExposureDuration
	}
	return d
}
