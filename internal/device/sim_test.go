package device

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func openWide(t *testing.T, opts SimOptions) *SimDevice {
	t.Helper()
	d := NewSimDevice(LensWide, opts)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestGroupedDeliveriesArriveInRequestOrder(t *testing.T) {
	d := openWide(t, SimOptions{SupportsBracketedCapture: true})
	if err := d.SetActiveFormat("full-48mp"); err != nil {
		t.Fatalf("SetActiveFormat: %v", err)
	}

	offsets := []float64{-2, -1, 0, 1, 2}
	var (
		mu        sync.Mutex
		delivered []PhotoDelivery
	)
	doneCh := make(chan error, 1)

	err := d.CaptureBracketed(
		BracketedRequest{
			CaptureRequest: CaptureRequest{PixelFormat: PixelBayerRAW14},
			EVOffsets:      offsets,
		},
		func(pd PhotoDelivery) {
			mu.Lock()
			delivered = append(delivered, pd)
			mu.Unlock()
		},
		func(err error) { doneCh <- err },
	)
	if err != nil {
		t.Fatalf("CaptureBracketed: %v", err)
	}

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("completion error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("grouped capture never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != len(offsets) {
		t.Fatalf("want %d deliveries, got %d", len(offsets), len(delivered))
	}
	// Payload headers embed the requested EV, so order is observable.
	seen := make(map[string]bool)
	for i, pd := range delivered {
		if !pd.IsRaw || pd.PixelFormat != PixelBayerRAW14 {
			t.Errorf("delivery %d: raw=%v format=%q", i, pd.IsRaw, pd.PixelFormat)
		}
		if pd.Dimensions != (Dimensions{Width: 8064, Height: 6048}) {
			t.Errorf("delivery %d dimensions %+v", i, pd.Dimensions)
		}
		header := string(pd.Bytes[:32])
		if seen[header] {
			t.Errorf("delivery %d duplicates an earlier payload header %q", i, header)
		}
		seen[header] = true
	}
}

func TestBracketedRejectsUnsupportedAndOversized(t *testing.T) {
	noGroup := openWide(t, SimOptions{})
	err := noGroup.CaptureBracketed(BracketedRequest{EVOffsets: []float64{0}}, func(PhotoDelivery) {}, func(error) {})
	if err == nil {
		t.Error("device without grouped support accepted a bracketed request")
	}

	small := openWide(t, SimOptions{SupportsBracketedCapture: true, MaxBracketedCount: 3})
	err = small.CaptureBracketed(BracketedRequest{EVOffsets: []float64{-2, -1, 0, 1, 2}}, func(PhotoDelivery) {}, func(error) {})
	if err == nil {
		t.Error("bracket beyond MaxBracketedCount accepted")
	}
}

func TestExposureTargetOffsetDecays(t *testing.T) {
	d := openWide(t, SimOptions{OffsetStart: 2.0, OffsetDecay: 0.5})
	want := []float64{2.0, 1.0, 0.5, 0.25}
	for i, w := range want {
		if got := d.ExposureTargetOffset(); got != w {
			t.Errorf("poll %d offset = %v, want %v", i, got, w)
		}
	}

	// Switching back to continuous auto resets convergence.
	if err := d.SetContinuousAuto(); err != nil {
		t.Fatalf("SetContinuousAuto: %v", err)
	}
	if got := d.ExposureTargetOffset(); got != 2.0 {
		t.Errorf("offset after auto reset = %v, want 2.0", got)
	}
}

func TestLockExposure(t *testing.T) {
	d := openWide(t, SimOptions{})

	locked := Exposure{ISO: 200, Duration: time.Second / 60, Gains: WhiteBalanceGains{Red: 1.5, Green: 1.0, Blue: 2.0}}
	if err := d.LockExposure(locked); err != nil {
		t.Fatalf("LockExposure: %v", err)
	}
	if got := d.CurrentExposure(); got != locked {
		t.Errorf("CurrentExposure after lock = %+v, want %+v", got, locked)
	}

	if err := d.LockExposure(Exposure{Duration: time.Hour}); err == nil {
		t.Error("out-of-range exposure duration accepted")
	}

	refusing := openWide(t, SimOptions{FailLock: true})
	if err := refusing.LockExposure(locked); err == nil {
		t.Error("FailLock device accepted exposure lock")
	}
}

func TestZoomBounds(t *testing.T) {
	d := openWide(t, SimOptions{MinZoom: 1, MaxZoom: 5})
	if err := d.SetZoom(3); err != nil {
		t.Errorf("in-range zoom rejected: %v", err)
	}
	if err := d.SetZoom(9); err == nil {
		t.Error("zoom beyond max accepted")
	}
	if err := d.SetZoom(0.5); err == nil {
		t.Error("zoom below min accepted")
	}
}

func TestCaptureAfterCloseFails(t *testing.T) {
	d := NewSimDevice(LensWide, SimOptions{})
	d.Close()
	err := d.CapturePhoto(CaptureRequest{}, func(PhotoDelivery) {}, func(error) {})
	if err == nil {
		t.Error("closed device accepted a capture request")
	}
}

func TestSimBackend(t *testing.T) {
	b := NewSimBackend(DefaultSimLenses())

	lenses := b.Lenses()
	if len(lenses) != 3 {
		t.Fatalf("want 3 lenses, got %v", lenses)
	}
	// Stable enumeration order: ultrawide, wide, telephoto.
	want := []LensKind{LensUltraWide, LensWide, LensTelephoto}
	for i, k := range want {
		if lenses[i] != k {
			t.Errorf("lens %d = %q, want %q", i, lenses[i], k)
		}
	}

	dev, err := b.Open(LensWide)
	if err != nil {
		t.Fatalf("open wide: %v", err)
	}
	defer dev.Close()
	caps := dev.Capabilities()
	if !caps.SupportsBracketedCapture {
		t.Error("default wide lens should support grouped bracket capture")
	}

	_, err = b.Open(LensKind("periscope"))
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("unknown lens error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestWhiteBalanceGainsClamped(t *testing.T) {
	g := WhiteBalanceGains{Red: 5.2, Green: 0.9, Blue: 3.1}
	c := g.Clamped(4.0)
	if c != (WhiteBalanceGains{Red: 4.0, Green: 1.0, Blue: 3.1}) {
		t.Errorf("Clamped(4) = %+v", c)
	}
	// Zero max only enforces the 1.0 floor.
	c = g.Clamped(0)
	if c != (WhiteBalanceGains{Red: 5.2, Green: 1.0, Blue: 3.1}) {
		t.Errorf("Clamped(0) = %+v", c)
	}
}
