package capture

import (
	"context"

	"bracketeer/internal/device"
	"bracketeer/internal/location"
	"bracketeer/internal/logging"
)

// handlePhoto consumes one delivered photo on the device queue. The bracket
// position is the count of photos delivered so far in this run — strict
// arrival order against the plan. Grouped bracket capture exposes no
// per-shot identifier, so this correlation rule is load-bearing and relies
// on the Device ordering contract.
func (c *Coordinator) handlePhoto(run *captureRun, d device.PhotoDelivery) {
	if run.finished || c.run != run {
		// Stale delivery after an abort; the run is already abandoned.
		return
	}
	pos := run.delivered
	if pos >= len(run.plan) {
		c.log.Warn("extra photo delivery beyond plan, dropping", "run", run.id, "position", pos)
		return
	}
	run.delivered++

	label := run.plan.Label(pos)
	logging.LogCaptureStep(c.log, run.id, label, "delivered", map[string]any{
		"position": pos,
		"raw":      d.IsRaw,
		"bytes":    len(d.Bytes),
	})

	c.dispatchSave(run, pos, label, d)
	c.publish()
}

// dispatchSave hands the photo to the persistence collaborator off-queue so
// saving never blocks capture of subsequent shots, and marshals the result
// back onto the device queue.
func (c *Coordinator) dispatchSave(run *captureRun, pos int, label string, d device.PhotoDelivery) {
	if c.saver == nil {
		return
	}
	run.pendingSaves++
	bytes := d.Bytes
	isRaw := d.IsRaw
	pf := d.PixelFormat
	go func() {
		// Location is read at save time; absence is not an error.
		var loc *location.Location
		if c.locations != nil {
			if l, ok := c.locations.Latest(); ok {
				loc = &l
			}
		}
		id, err := c.saver.SaveAsset(context.Background(), SaveRequest{
			RunID:       run.id,
			Position:    pos,
			Label:       label,
			Bytes:       bytes,
			IsRaw:       isRaw,
			PixelFormat: pf,
			Location:    loc,
		})
		c.enqueue(func() { c.handleSaveResult(run, pos, label, id, err) })
	}()
}

// handleSaveResult records a save outcome on the device queue. A failed save
// omits that position from the final list; the run continues.
func (c *Coordinator) handleSaveResult(run *captureRun, pos int, label, id string, err error) {
	run.pendingSaves--
	if err != nil {
		perr := captureErr(ErrPersistence, "save "+label, err)
		c.log.Error("photo save failed, omitting position from run",
			"run", run.id,
			"position", pos,
			"label", label,
			"error", perr.Err)
	} else {
		run.assets[pos] = id
		c.log.Debug("asset stored", "run", run.id, "position", pos, "label", label, "asset", id)
	}

	if run.awaitingSaves && run.pendingSaves == 0 {
		c.finalizeRun(run)
		return
	}
	c.publish()
}
