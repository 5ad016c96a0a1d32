package device

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// SimOptions tunes one simulated device. The zero value gives a fast,
// well-behaved camera suitable for tests.
type SimOptions struct {
	Formats                  []Format
	MinZoom, MaxZoom         float64
	MaxWhiteBalanceGain      float64
	MinExposure, MaxExposure time.Duration
	SupportsBracketedCapture bool
	MaxBracketedCount        int

	// OffsetStart is the exposure-target offset reported on the first poll.
	// Each subsequent poll multiplies it by OffsetDecay, so a decay of 1.0
	// models metering that never converges.
	OffsetStart float64
	OffsetDecay float64

	// CaptureLatency is the simulated shutter-to-delivery delay per photo.
	CaptureLatency time.Duration

	// FailCaptureAfter injects a hardware delivery failure: photos up to
	// (but not including) the Nth delivery succeed, then the request fails.
	// Zero disables injection.
	FailCaptureAfter int
	// FailLock makes LockExposure reject, simulating a hardware refusal.
	FailLock bool
}

func (o *SimOptions) fill() {
	if len(o.Formats) == 0 {
		o.Formats = []Format{
			{ID: "full-12mp", Dimensions: Dimensions{4032, 3024}, RawPixelFormats: []PixelFormat{PixelBayerRAW12, PixelBayerRAW14}},
			{ID: "full-48mp", Dimensions: Dimensions{8064, 6048}, RawPixelFormats: []PixelFormat{PixelBayerRAW14}},
		}
	}
	if o.MaxZoom == 0 {
		o.MinZoom, o.MaxZoom = 1.0, 8.0
	}
	if o.MaxWhiteBalanceGain == 0 {
		o.MaxWhiteBalanceGain = 4.0
	}
	if o.MaxExposure == 0 {
		o.MinExposure = time.Second / 8000
		o.MaxExposure = time.Second
	}
	if o.MaxBracketedCount == 0 && o.SupportsBracketedCapture {
		o.MaxBracketedCount = 7
	}
	if o.OffsetStart == 0 {
		o.OffsetStart = 1.2
	}
	if o.OffsetDecay == 0 {
		o.OffsetDecay = 0.5
	}
	if o.CaptureLatency == 0 {
		o.CaptureLatency = 2 * time.Millisecond
	}
}

// SimDevice is an in-memory capture device. It honors the Device ordering
// contract: deliveries for one request always arrive in request order, on a
// single delivery goroutine per request.
type SimDevice struct {
	lens LensKind
	opts SimOptions

	mu           sync.Mutex
	closed       bool
	activeFormat *Format
	zoom         float64
	rotation     int
	bias         float64
	locked       *Exposure
	offset       float64
	delivered    int
}

// NewSimDevice builds a simulated device for the given lens.
func NewSimDevice(lens LensKind, opts SimOptions) *SimDevice {
	opts.fill()
	return &SimDevice{
		lens:   lens,
		opts:   opts,
		zoom:   opts.MinZoom,
		offset: opts.OffsetStart,
	}
}

func (d *SimDevice) Name() string   { return fmt.Sprintf("sim-%s", d.lens) }
func (d *SimDevice) Lens() LensKind { return d.lens }

func (d *SimDevice) Capabilities() Capabilities {
	formats := make([]Format, len(d.opts.Formats))
	copy(formats, d.opts.Formats)
	return Capabilities{
		Formats:                  formats,
		MinZoom:                  d.opts.MinZoom,
		MaxZoom:                  d.opts.MaxZoom,
		MaxWhiteBalanceGain:      d.opts.MaxWhiteBalanceGain,
		MinExposureDuration:      d.opts.MinExposure,
		MaxExposureDuration:      d.opts.MaxExposure,
		MinISO:                   32,
		MaxISO:                   6400,
		SupportsBracketedCapture: d.opts.SupportsBracketedCapture,
		MaxBracketedCount:        d.opts.MaxBracketedCount,
	}
}

func (d *SimDevice) SetActiveFormat(id FormatID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("device %s closed", d.Name())
	}
	for i := range d.opts.Formats {
		if d.opts.Formats[i].ID == id {
			d.activeFormat = &d.opts.Formats[i]
			return nil
		}
	}
	return fmt.Errorf("unknown format %q on %s", id, d.Name())
}

func (d *SimDevice) ActiveRawFormats() []PixelFormat {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeFormat == nil {
		return nil
	}
	out := make([]PixelFormat, len(d.activeFormat.RawPixelFormats))
	copy(out, d.activeFormat.RawPixelFormats)
	return out
}

func (d *SimDevice) SetZoom(factor float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if factor < d.opts.MinZoom || factor > d.opts.MaxZoom {
		return fmt.Errorf("zoom %.2f outside [%.2f, %.2f]", factor, d.opts.MinZoom, d.opts.MaxZoom)
	}
	d.zoom = factor
	return nil
}

func (d *SimDevice) SetRotation(degrees int) error {
	d.mu.Lock()
	d.rotation = degrees
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) SetContinuousAuto() error {
	d.mu.Lock()
	d.locked = nil
	d.offset = d.opts.OffsetStart
	d.mu.Unlock()
	return nil
}

func (d *SimDevice) SetExposureBias(ev float64) error {
	d.mu.Lock()
	d.bias = ev
	d.mu.Unlock()
	return nil
}

// ExposureTargetOffset decays toward zero on each poll, mimicking auto
// exposure converging on the metering target.
func (d *SimDevice) ExposureTargetOffset() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.offset
	d.offset *= d.opts.OffsetDecay
	return cur
}

func (d *SimDevice) CurrentExposure() Exposure {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked != nil {
		return *d.locked
	}
	return Exposure{
		ISO:           100,
		Duration:      time.Second / 120,
		Gains:         WhiteBalanceGains{Red: 1.8, Green: 1.0, Blue: 2.1},
		FocusPosition: 0.62,
	}
}

func (d *SimDevice) LockExposure(exp Exposure) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opts.FailLock {
		return fmt.Errorf("exposure lock rejected by %s", d.Name())
	}
	if exp.Duration < d.opts.MinExposure || exp.Duration > d.opts.MaxExposure {
		return fmt.Errorf("exposure duration %v outside device range", exp.Duration)
	}
	cp := exp
	d.locked = &cp
	return nil
}

func (d *SimDevice) CapturePhoto(req CaptureRequest, deliver PhotoFunc, done DoneFunc) error {
	return d.capture(req, []float64{0}, deliver, done)
}

func (d *SimDevice) CaptureBracketed(req BracketedRequest, deliver PhotoFunc, done DoneFunc) error {
	if !d.opts.SupportsBracketedCapture {
		return fmt.Errorf("%s does not support grouped bracket capture", d.Name())
	}
	if len(req.EVOffsets) > d.opts.MaxBracketedCount {
		return fmt.Errorf("bracket of %d exceeds device maximum %d", len(req.EVOffsets), d.opts.MaxBracketedCount)
	}
	return d.capture(req.CaptureRequest, req.EVOffsets, deliver, done)
}

func (d *SimDevice) capture(req CaptureRequest, offsets []float64, deliver PhotoFunc, done DoneFunc) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("device %s closed", d.Name())
	}
	dims := req.Dimensions
	if dims.PixelCount() == 0 && d.activeFormat != nil {
		dims = d.activeFormat.Dimensions
	}
	pf := req.PixelFormat
	if pf == "" {
		pf = PixelHEIC
	}
	d.mu.Unlock()

	go func() {
		for _, off := range offsets {
			time.Sleep(d.opts.CaptureLatency)
			d.mu.Lock()
			d.delivered++
			n := d.delivered
			d.mu.Unlock()
			if d.opts.FailCaptureAfter > 0 && n >= d.opts.FailCaptureAfter {
				done(fmt.Errorf("sensor readout failed on delivery %d", n))
				return
			}
			deliver(PhotoDelivery{
				Bytes:       synthPayload(pf, dims, off),
				PixelFormat: pf,
				IsRaw:       pf.IsRaw(),
				Dimensions:  dims,
			})
		}
		done(nil)
	}()
	return nil
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// synthPayload fabricates a small deterministic blob standing in for sensor
// output; the capture core never interprets photo bytes.
func synthPayload(pf PixelFormat, dims Dimensions, ev float64) []byte {
	header := fmt.Sprintf("%s %dx%d ev=%+.2f\n", pf, dims.Width, dims.Height, ev)
	body := make([]byte, 256)
	seed := byte(int(math.Abs(ev)*16) + dims.Width%251)
	for i := range body {
		body[i] = seed + byte(i)
	}
	return append([]byte(header), body...)
}

// SimBackend exposes a fixed set of simulated lenses.
type SimBackend struct {
	mu      sync.Mutex
	devices map[LensKind]SimOptions
}

// NewSimBackend builds a backend from per-lens options.
func NewSimBackend(devices map[LensKind]SimOptions) *SimBackend {
	return &SimBackend{devices: devices}
}

// DefaultSimLenses returns the standard three-lens rig used by the demo
// capture command.
func DefaultSimLenses() map[LensKind]SimOptions {
	return map[LensKind]SimOptions{
		LensUltraWide: {
			Formats: []Format{
				{ID: "uw-12mp", Dimensions: Dimensions{4032, 3024}, RawPixelFormats: []PixelFormat{PixelBayerRAW10}},
			},
		},
		LensWide: {
			SupportsBracketedCapture: true,
		},
		LensTelephoto: {
			Formats: []Format{
				{ID: "tele-12mp", Dimensions: Dimensions{4032, 3024}},
			},
		},
	}
}

func (b *SimBackend) Lenses() []LensKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LensKind, 0, len(b.devices))
	for _, k := range []LensKind{LensUltraWide, LensWide, LensTelephoto} {
		if _, ok := b.devices[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (b *SimBackend) Open(kind LensKind) (Device, error) {
	b.mu.Lock()
	opts, ok := b.devices[kind]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, kind)
	}
	return NewSimDevice(kind, opts), nil
}
