package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"bracketeer/internal/device"
	"bracketeer/internal/location"
)

// memSaver records SaveRequests and can be told to fail specific positions.
type memSaver struct {
	mu    sync.Mutex
	saved []SaveRequest
	fail  map[int]bool
}

func newMemSaver() *memSaver {
	return &memSaver{fail: make(map[int]bool)}
}

func (m *memSaver) SaveAsset(ctx context.Context, req SaveRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[req.Position] {
		return "", fmt.Errorf("disk full at position %d", req.Position)
	}
	m.saved = append(m.saved, req)
	return fmt.Sprintf("asset-%02d", req.Position), nil
}

func (m *memSaver) requests() []SaveRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SaveRequest, len(m.saved))
	copy(out, m.saved)
	return out
}

// memRecorder captures run history transitions.
type memRecorder struct {
	mu      sync.Mutex
	starts  []RunRecord
	results map[string]string
	errs    map[string]string
}

func newMemRecorder() *memRecorder {
	return &memRecorder{results: make(map[string]string), errs: make(map[string]string)}
}

func (m *memRecorder) RecordRunStart(rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, rec)
	return nil
}

func (m *memRecorder) RecordRunResult(id, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[id] = status
	m.errs[id] = errMsg
	return nil
}

func (m *memRecorder) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.starts)
}

func (m *memRecorder) statusOf(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[id]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastSettle() Options {
	return Options{
		WantRaw:            true,
		SettleTimeout:      200 * time.Millisecond,
		SettlePollInterval: 2 * time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T, lenses map[device.LensKind]device.SimOptions, opts Options) (*Coordinator, *memSaver, *memRecorder) {
	t.Helper()
	saver := newMemSaver()
	recorder := newMemRecorder()
	c := New(device.NewSimBackend(lenses), saver, location.NewFixed(47.6, -122.3), recorder, opts, testLogger())
	if err := c.Start(); err != nil {
		c.Close()
		t.Fatalf("coordinator start: %v", err)
	}
	t.Cleanup(c.Close)
	return c, saver, recorder
}

// waitRunDone polls until the session is idle with a run id newer than prev.
func waitRunDone(t *testing.T, c *Coordinator, prev string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		if snap.State == StateIdle && snap.RunID != "" && snap.RunID != prev {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run did not finish; last snapshot %+v", c.Snapshot())
	return Snapshot{}
}

func TestGroupedBracketRun(t *testing.T) {
	c, saver, recorder := newTestCoordinator(t, map[device.LensKind]device.SimOptions{
		device.LensWide: {SupportsBracketedCapture: true},
	}, fastSettle())

	c.StartBracket(1.0, 3)
	snap := waitRunDone(t, c, "")

	if snap.LastError != nil {
		t.Fatalf("unexpected run error: %+v", snap.LastError)
	}
	if len(snap.AssetIDs) != 3 {
		t.Fatalf("want 3 assets, got %v", snap.AssetIDs)
	}
	if got := recorder.statusOf(snap.RunID); got != "completed" {
		t.Errorf("run status = %q, want completed", got)
	}

	reqs := saver.requests()
	if len(reqs) != 3 {
		t.Fatalf("want 3 save requests, got %d", len(reqs))
	}
	wantLabels := map[int]string{0: "-1EV", 1: "0EV", 2: "+1EV"}
	for _, req := range reqs {
		if req.Label != wantLabels[req.Position] {
			t.Errorf("position %d labelled %q, want %q", req.Position, req.Label, wantLabels[req.Position])
		}
		if !req.IsRaw {
			t.Errorf("position %d: wide lens negotiates raw by default, got processed", req.Position)
		}
		if req.Location == nil {
			t.Errorf("position %d: expected location fix attached", req.Position)
		}
	}
}

func TestManualSequentialWhenGroupedUnsupported(t *testing.T) {
	c, saver, _ := newTestCoordinator(t, map[device.LensKind]device.SimOptions{
		device.LensWide: {
			Formats: []device.Format{
				{ID: "proc-12mp", Dimensions: device.Dimensions{Width: 4032, Height: 3024}},
			},
		},
	}, fastSettle())

	c.StartBracket(1.0, 3)
	snap := waitRunDone(t, c, "")

	if snap.LastError != nil {
		t.Fatalf("unexpected run error: %+v", snap.LastError)
	}
	if len(snap.AssetIDs) != 3 {
		t.Fatalf("want 3 assets, got %v", snap.AssetIDs)
	}
	if snap.RawActive {
		t.Error("processed-only device must not report an active raw format")
	}
	for _, req := range saver.requests() {
		if req.IsRaw {
			t.Errorf("position %d delivered raw from a processed-only device", req.Position)
		}
		if req.PixelFormat != device.PixelHEIC {
			t.Errorf("position %d pixel format = %q, want heic", req.Position, req.PixelFormat)
		}
	}
}

func TestManualSequentialRawWithoutGroupedSupport(t *testing.T) {
	c, saver, _ := newTestCoordinator(t, map[device.LensKind]device.SimOptions{
		device.LensUltraWide: {
			Formats: []device.Format{
				{ID: "uw-12mp", Dimensions: device.Dimensions{Width: 4032, Height: 3024}, RawPixelFormats: []device.PixelFormat{device.PixelBayerRAW10}},
			},
		},
	}, func() Options {
		o := fastSettle()
		o.Lens = device.LensUltraWide
		return o
	}())

	c.StartBracket(0.5, 5)
	snap := waitRunDone(t, c, "")

	if snap.LastError != nil {
		t.Fatalf("unexpected run error: %+v", snap.LastError)
	}
	if len(snap.AssetIDs) != 5 {
		t.Fatalf("want 5 assets, got %v", snap.AssetIDs)
	}
	for _, req := range saver.requests() {
		if !req.IsRaw || req.PixelFormat != device.PixelBayerRAW10 {
			t.Errorf("position %d: want raw10 capture, got raw=%v format=%q", req.Position, req.IsRaw, req.PixelFormat)
		}
	}
}

func TestBracketStartRejectedWhileBusy(t *testing.T) {
	c, _, recorder := newTestCoordinator(t, map[device.LensKind]device.SimOptions{
		device.LensWide: {SupportsBracketedCapture: true, CaptureLatency: 10 * time.Millisecond},
	}, fastSettle())

	c.StartBracket(1.0, 3)
	c.StartBracket(1.0, 3) // busy; rejected as a no-op
	snap := waitRunDone(t, c, "")

	// Give any erroneously accepted second run time to surface.
	time.Sleep(50 * time.Millisecond)
	if recorder.startCount() != 1 {
		t.Fatalf("want exactly 1 run started, got %d", recorder.startCount())
	}
	if got := c.Snapshot(); got.RunID != snap.RunID {
		t.Errorf("a second run ran after rejection: %q then %q", snap.RunID, got.RunID)
	}
}

func TestSessionRestartsAfterRun(t *testing.T) {
	c, _, recorder := newTestCoordinator(t, map[device.LensKind]device.SimOptions{
		device.LensWide: {SupportsBracketedCapture: true},
	}, fastSettle())

	c.StartBracket(1.0, 3)
	first := waitRunDone(t, c, "")

	c.StartBracket(2.0, 5)
	second := waitRunDone(t, c, first.RunID)

	if second.RunID == first.RunID {
		t.Fatal("second run reused the first run id")
	}
	if len(second.AssetIDs) != 5 {
		t.Errorf("second run: want 5 assets, got %v", second.AssetIDs)
	}
	if recorder.startCount() != 2 {
		t.Errorf("want 2 runs recorded, got %d", recorder.startCount())
	}
}

func TestSettleTimeoutIsBestEffort(t *testing.T) {
	c, _, _ := newTestCoordinator(t, map[device.LensKind]device.SimOptions{
		device.LensWide: {
			SupportsBracketedCapture: true,
			OffsetStart:              2.0,
			OffsetDecay:              1.0, // metering never converges
		},
	}, func() Options {
		o := fastSettle()
		o.SettleTimeout = 60 * time.Millisecond
		return o
	}())

	begun := time.Now()
	c.StartBracket(1.0, 3)
	snap := waitRunDone(t, c, "")

	if snap.LastError != nil {
		t.Fatalf("settle timeout must not fail the run: %+v", snap.LastError)
	}
	if len(snap.AssetIDs) != 3 {
		t.Fatalf("want 3 assets after timed-out settle, got %v", snap.AssetIDs)
	}
	if elapsed := time.Since(begun); elapsed < 60*time.Millisecond {
		t.Errorf("run finished in %v, before the settle window elapsed", elapsed)
	}
}

func TestSaveFailureOmitsPosition(t *testing.T) {
	c, saver, recorder := newTestCoordinator(t, map[device.LensKind]device.SimOptions{
		device.LensWide: {SupportsBracketedCapture: true},
	}, fastSettle())
	saver.fail[1] = true // middle shot

	c.StartBracket(1.0, 3)
	snap := waitRunDone(t, c, "")

	if snap.LastError != nil {
		t.Fatalf("a failed save must not fail the run: %+v", snap.LastError)
	}
	if len(snap.AssetIDs) != 2 {
		t.Fatalf("want 2 assets with middle save failed, got %v", snap.AssetIDs)
	}
	// Remaining assets keep plan order.
	if snap.AssetIDs[0] != "asset-00" || snap.AssetIDs[1] != "asset-02" {
		t.Errorf("asset order broken: %v", snap.AssetIDs)
	}
	if got := recorder.statusOf(snap.RunID); got != "completed" {
		t.Errorf("run status = %q, want completed", got)
	}
}

func TestDeliveryFailureAbortsRun(t *testing.T) {
	c, _, recorder := newTestCoordinator(t, map[device.LensKind]device.SimOptions{
		device.LensWide: {SupportsBracketedCapture: true, FailCaptureAfter: 2},
	}, fastSettle())

	c.StartBracket(1.0, 3)
	snap := waitRunDone(t, c, "")

	if snap.LastError == nil {
		t.Fatal("want a delivery failure alert, got none")
	}
	if !snap.LastError.Recoverable {
		t.Error("delivery failure should leave the session recoverable")
	}
	if got := recorder.statusOf(snap.RunID); got != "failed" {
		t.Errorf("run status = %q, want failed", got)
	}
	// The delivery before the failure still persists.
	if len(snap.AssetIDs) != 1 {
		t.Errorf("want the 1 pre-failure asset, got %v", snap.AssetIDs)
	}

	// The session is still usable afterward.
	c.StartBracket(1.0, 3)
	waitRunDone(t, c, snap.RunID)
}

func TestExposureLockRefusalAbortsRun(t *testing.T) {
	c, _, recorder := newTestCoordinator(t, map[device.LensKind]device.SimOptions{
		device.LensWide: {
			Formats: []device.Format{
				{ID: "proc-12mp", Dimensions: device.Dimensions{Width: 4032, Height: 3024}},
			},
			FailLock: true,
		},
	}, fastSettle())

	c.StartBracket(1.0, 3)
	snap := waitRunDone(t, c, "")

	if snap.LastError == nil {
		t.Fatal("want a configuration failure alert, got none")
	}
	if !snap.LastError.Recoverable {
		t.Error("configuration failure should leave the session recoverable")
	}
	if got := recorder.statusOf(snap.RunID); got != "failed" {
		t.Errorf("run status = %q, want failed", got)
	}
}

func TestSwitchLens(t *testing.T) {
	c, _, _ := newTestCoordinator(t, map[device.LensKind]device.SimOptions{
		device.LensWide:      {SupportsBracketedCapture: true},
		device.LensTelephoto: {Formats: []device.Format{{ID: "tele-12mp", Dimensions: device.Dimensions{Width: 4032, Height: 3024}}}},
	}, fastSettle())

	c.SwitchLens(device.LensTelephoto)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.Snapshot().Lens == device.LensTelephoto {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := c.Snapshot().Lens; got != device.LensTelephoto {
		t.Fatalf("lens = %q after switch, want telephoto", got)
	}

	// Unknown lens reports unavailability and keeps the current device.
	c.SwitchLens(device.LensUltraWide)
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if snap := c.Snapshot(); snap.LastError != nil {
			if snap.LastError.Recoverable {
				t.Error("missing lens should be non-recoverable for that lens")
			}
			if snap.Lens != device.LensTelephoto {
				t.Errorf("lens = %q after failed switch, want telephoto", snap.Lens)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no alert after switching to a missing lens")
}

func TestToggleRawRenegotiates(t *testing.T) {
	c, saver, _ := newTestCoordinator(t, map[device.LensKind]device.SimOptions{
		device.LensWide: {SupportsBracketedCapture: true},
	}, fastSettle())

	c.ToggleRaw() // default WantRaw is true; now off
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !c.Snapshot().RawEnabled {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if c.Snapshot().RawEnabled {
		t.Fatal("raw preference still enabled after toggle")
	}

	c.StartBracket(1.0, 3)
	snap := waitRunDone(t, c, "")
	if snap.LastError != nil {
		t.Fatalf("unexpected run error: %+v", snap.LastError)
	}
	for _, req := range saver.requests() {
		if req.IsRaw {
			t.Errorf("position %d captured raw with preference disabled", req.Position)
		}
	}
}

func TestScaleDurationClamps(t *testing.T) {
	caps := device.Capabilities{
		MinExposureDuration: time.Millisecond,
		MaxExposureDuration: time.Second,
	}
	tests := []struct {
		name string
		base time.Duration
		ev   float64
		want time.Duration
	}{
		{"plus one stop doubles", 10 * time.Millisecond, 1, 20 * time.Millisecond},
		{"minus one stop halves", 10 * time.Millisecond, -1, 5 * time.Millisecond},
		{"clamped to max", 600 * time.Millisecond, 2, time.Second},
		{"clamped to min", 2 * time.Millisecond, -3, time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scaleDuration(tt.base, tt.ev, caps); got != tt.want {
				t.Errorf("scaleDuration(%v, %v) = %v, want %v", tt.base, tt.ev, got, tt.want)
			}
		})
	}
}
