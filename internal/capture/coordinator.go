package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bracketeer/internal/device"
	"bracketeer/internal/location"
)

// Options configures a Coordinator. Zero values are filled with the standard
// capture policy.
type Options struct {
	Lens             device.LensKind
	TargetResolution device.Dimensions
	WantRaw          bool
	Zoom             float64
	Rotation         int

	EVStep    float64
	ShotCount int

	SettleTimeout      time.Duration
	SettlePollInterval time.Duration
	SettleThreshold    float64
}

func (o *Options) fill() {
	if o.Lens == "" {
		o.Lens = device.LensWide
	}
	if o.TargetResolution.PixelCount() == 0 {
		o.TargetResolution = FullResolution
	}
	if o.Zoom == 0 {
		o.Zoom = 1.0
	}
	if o.EVStep == 0 {
		o.EVStep = 1.0
	}
	if o.ShotCount == 0 {
		o.ShotCount = 3
	}
	if o.SettleTimeout == 0 {
		o.SettleTimeout = 2 * time.Second
	}
	if o.SettlePollInterval == 0 {
		o.SettlePollInterval = 50 * time.Millisecond
	}
	if o.SettleThreshold == 0 {
		o.SettleThreshold = 0.1
	}
}

// Coordinator owns the capture session: the device handle, the session state
// and the active run. Every hardware mutation and every sequencing step runs
// on one ordered execution context (the device queue); the underlying
// hardware session forbids concurrent configuration, so this serialization
// is the core correctness mechanism.
type Coordinator struct {
	log       *slog.Logger
	backend   device.Backend
	saver     AssetSaver
	locations location.Provider
	recorder  RunRecorder
	opts      Options

	queue     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Everything below is owned by the queue goroutine.
	dev        device.Device
	caps       device.Capabilities
	sel        Selection
	hasSel     bool
	state      State
	rawEnabled bool
	run        *captureRun
	lastError     *Alert
	lastAssets    []string
	lastRunID     string
	lastPlanned   int
	lastDelivered int

	// Snapshot publication to the UI context.
	mu        sync.Mutex
	snap      Snapshot
	subs      map[int]chan Snapshot
	nextSubID int
}

// New builds a Coordinator and starts its device-queue goroutine. Call
// Start to open the initial lens, and Close to tear down.
func New(backend device.Backend, saver AssetSaver, locations location.Provider, recorder RunRecorder, opts Options, logger *slog.Logger) *Coordinator {
	opts.fill()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		log:        logger,
		backend:    backend,
		saver:      saver,
		locations:  locations,
		recorder:   recorder,
		opts:       opts,
		queue:      make(chan func(), 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		state:      StateIdle,
		rawEnabled: opts.WantRaw,
		subs:       make(map[int]chan Snapshot),
	}
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case fn := <-c.queue:
			fn()
		}
	}
}

// enqueue schedules fn on the device queue. After Close it silently drops
// the work; deferred continuations (settle polls, save completions) check
// liveness through this path rather than holding the coordinator alive.
func (c *Coordinator) enqueue(fn func()) {
	select {
	case c.queue <- fn:
	case <-c.quit:
	}
}

// Start opens the configured initial lens and applies format, rotation and
// zoom. A missing lens is reported but leaves the session usable for later
// lens switches.
func (c *Coordinator) Start() error {
	errc := make(chan error, 1)
	c.enqueue(func() {
		c.switchLens(c.opts.Lens)
		if c.dev == nil {
			errc <- fmt.Errorf("open %s: %w", c.opts.Lens, device.ErrDeviceUnavailable)
			return
		}
		errc <- nil
	})
	select {
	case err := <-errc:
		return err
	case <-c.quit:
		return errors.New("coordinator closed")
	}
}

// Close stops the device queue and releases the device. Pending deferred
// work is dropped.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.done
		if c.dev != nil {
			if err := c.dev.Close(); err != nil {
				c.log.Warn("device close failed", "device", c.dev.Name(), "error", err)
			}
			c.dev = nil
		}
		c.mu.Lock()
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.mu.Unlock()
	})
}

// StartBracket requests a bracket run. A no-op while a run is in progress.
func (c *Coordinator) StartBracket(evStep float64, shotCount int) {
	c.enqueue(func() { c.startBracket(evStep, shotCount) })
}

// SwitchLens requests a device switch. Implicitly rejected mid-run because
// the session is not idle.
func (c *Coordinator) SwitchLens(kind device.LensKind) {
	c.enqueue(func() { c.switchLens(kind) })
}

// ToggleRaw flips the RAW preference and renegotiates the active format.
func (c *Coordinator) ToggleRaw() {
	c.enqueue(func() { c.toggleRaw() })
}

// SetZoom applies a zoom preset factor, clamped to device bounds.
func (c *Coordinator) SetZoom(factor float64) {
	c.enqueue(func() { c.applyZoom(factor) })
}

// Lenses lists the lenses the backend can open.
func (c *Coordinator) Lenses() []device.LensKind {
	return c.backend.Lenses()
}

// Snapshot returns the last published state as a plain value copy.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneSnapshot(c.snap)
}

// Subscribe returns a channel of state snapshots and an unsubscribe func.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	ch := make(chan Snapshot, 8)
	c.subs[id] = ch
	unsub := func() {
		c.mu.Lock()
		if s, ok := c.subs[id]; ok {
			close(s)
			delete(c.subs, id)
		}
		c.mu.Unlock()
	}
	return ch, unsub
}

// switchLens runs on the device queue.
func (c *Coordinator) switchLens(kind device.LensKind) {
	if c.state != StateIdle {
		c.log.Warn("lens switch rejected, session busy", "lens", kind, "state", c.state.String())
		return
	}
	dev, err := c.backend.Open(kind)
	if err != nil {
		c.setAlert(captureErr(ErrDeviceUnavailable, fmt.Sprintf("switch lens %s", kind), err))
		c.publish()
		return
	}
	if c.dev != nil {
		if cerr := c.dev.Close(); cerr != nil {
			c.log.Warn("device teardown failed", "device", c.dev.Name(), "error", cerr)
		}
	}
	c.dev = dev
	c.caps = dev.Capabilities()
	c.hasSel = false
	c.lastError = nil
	c.log.Info("device selected", "device", dev.Name(), "lens", kind, "formats", len(c.caps.Formats))
	c.configureDevice()
	c.publish()
}

// configureDevice negotiates and applies format, rotation and zoom.
func (c *Coordinator) configureDevice() {
	sel, ok := Negotiate(c.caps, c.opts.TargetResolution, c.rawEnabled)
	if !ok {
		// Keep whatever format was previously active rather than failing
		// the whole session.
		c.log.Warn("device exposes no formats, keeping previous format", "device", c.dev.Name())
		return
	}
	if err := c.dev.SetActiveFormat(sel.Format); err != nil {
		c.setAlert(captureErr(ErrConfiguration, "set active format", err))
		return
	}
	c.sel = sel
	c.hasSel = true
	if c.rawEnabled && !sel.RawAvailable {
		// Silent downgrade: capture proceeds on the processed-only path.
		c.log.Info("raw requested but no raw pixel format available, using processed capture",
			"device", c.dev.Name(), "format", sel.Format)
	}
	if err := c.dev.SetRotation(c.opts.Rotation); err != nil {
		c.log.Warn("rotation apply failed", "degrees", c.opts.Rotation, "error", err)
	}
	c.applyZoom(c.opts.Zoom)
}

// applyZoom clamps the requested factor to device bounds; never exceeds the
// device-reported maximum.
func (c *Coordinator) applyZoom(factor float64) {
	if c.dev == nil {
		return
	}
	clamped := factor
	if clamped < c.caps.MinZoom {
		clamped = c.caps.MinZoom
	}
	if clamped > c.caps.MaxZoom {
		clamped = c.caps.MaxZoom
	}
	if err := c.dev.SetZoom(clamped); err != nil {
		c.log.Warn("zoom apply failed", "requested", factor, "clamped", clamped, "error", err)
		return
	}
	if clamped != factor {
		c.log.Debug("zoom clamped to device bounds", "requested", factor, "applied", clamped)
	}
}

// toggleRaw runs on the device queue.
func (c *Coordinator) toggleRaw() {
	if c.state != StateIdle {
		c.log.Warn("raw toggle rejected, session busy", "state", c.state.String())
		return
	}
	c.rawEnabled = !c.rawEnabled
	c.log.Info("raw preference changed", "enabled", c.rawEnabled)
	if c.dev != nil {
		c.configureDevice()
	}
	c.publish()
}

func (c *Coordinator) setState(s State) {
	c.state = s
}

func (c *Coordinator) setAlert(err *CaptureError) {
	c.lastError = &Alert{Message: err.Error(), Recoverable: err.Recoverable()}
	c.log.Error("capture session error", "kind", err.Kind.String(), "op", err.Op, "error", err.Err, "recoverable", err.Recoverable())
}

// publish builds a snapshot from queue-owned state and fans it out. Only
// plain value copies cross to the UI context.
func (c *Coordinator) publish() {
	snap := Snapshot{
		State:      c.state,
		StateName:  c.state.String(),
		RawEnabled: c.rawEnabled,
		LastError:  c.lastError,
		RunID:      c.lastRunID,
		AssetIDs:   append([]string(nil), c.lastAssets...),
	}
	if c.dev != nil {
		snap.Lens = c.dev.Lens()
	}
	if c.run != nil {
		snap.RunID = c.run.id
		snap.Progress = c.run.delivered
		snap.Planned = len(c.run.plan)
		snap.RawActive = c.run.rawFormat != ""
	} else {
		snap.Progress = c.lastDelivered
		snap.Planned = c.lastPlanned
	}

	c.mu.Lock()
	c.snap = snap
	for id, ch := range c.subs {
		select {
		case ch <- cloneSnapshot(snap):
		default:
			c.log.Warn("snapshot channel full, dropping update", "subscriber", id)
		}
	}
	c.mu.Unlock()
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := s
	out.AssetIDs = append([]string(nil), s.AssetIDs...)
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	return out
}
