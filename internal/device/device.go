package device

import (
	"errors"
	"time"
)

// LensKind identifies a physical lens/input on the capture hardware.
type LensKind string

const (
	LensUltraWide LensKind = "ultrawide"
	LensWide      LensKind = "wide"
	LensTelephoto LensKind = "telephoto"
)

// ErrDeviceUnavailable is returned when no hardware matches a requested lens.
var ErrDeviceUnavailable = errors.New("no capture hardware for requested lens")

// PixelFormat names an output encoding the hardware can deliver.
type PixelFormat string

const (
	PixelBayerRAW14 PixelFormat = "bayer-raw14"
	PixelBayerRAW12 PixelFormat = "bayer-raw12"
	PixelBayerRAW10 PixelFormat = "bayer-raw10"
	PixelHEIC       PixelFormat = "heic"
	PixelJPEG       PixelFormat = "jpeg"
)

// IsRaw reports whether the format carries unprocessed sensor data.
func (p PixelFormat) IsRaw() bool {
	switch p {
	case PixelBayerRAW14, PixelBayerRAW12, PixelBayerRAW10:
		return true
	}
	return false
}

// RawFidelity ranks raw formats by bit depth. Higher is better; zero means
// the format is not raw.
func RawFidelity(p PixelFormat) int {
	switch p {
	case PixelBayerRAW14:
		return 14
	case PixelBayerRAW12:
		return 12
	case PixelBayerRAW10:
		return 10
	}
	return 0
}

// FormatID identifies one of the device's selectable active formats.
type FormatID string

// Dimensions is a photo size in pixels.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PixelCount returns the total pixel count for ranking formats.
func (d Dimensions) PixelCount() int64 {
	return int64(d.Width) * int64(d.Height)
}

// Format describes one selectable device format.
type Format struct {
	ID         FormatID
	Dimensions Dimensions
	// RawPixelFormats lists the raw encodings exposed once this format is
	// made active. Empty means processed-only.
	RawPixelFormats []PixelFormat
}

// Capabilities is an immutable snapshot of what the active device can do.
// Always copied by value; never mutated after a run has started.
type Capabilities struct {
	Formats             []Format
	MinZoom             float64
	MaxZoom             float64
	MaxWhiteBalanceGain float64
	MinExposureDuration time.Duration
	MaxExposureDuration time.Duration
	MinISO              float64
	MaxISO              float64
	// SupportsBracketedCapture indicates the hardware accepts one request
	// carrying multiple per-shot exposure-bias values.
	SupportsBracketedCapture bool
	MaxBracketedCount        int
}

// WhiteBalanceGains holds per-channel gains, each >= 1.0.
type WhiteBalanceGains struct {
	Red   float64 `json:"red"`
	Green float64 `json:"green"`
	Blue  float64 `json:"blue"`
}

// Clamped returns gains bounded to [1.0, max] per channel.
func (g WhiteBalanceGains) Clamped(max float64) WhiteBalanceGains {
	clamp := func(v float64) float64 {
		if v < 1.0 {
			return 1.0
		}
		if max > 0 && v > max {
			return max
		}
		return v
	}
	return WhiteBalanceGains{Red: clamp(g.Red), Green: clamp(g.Green), Blue: clamp(g.Blue)}
}

// Exposure is a full exposure/focus snapshot: the baseline for a bracket run.
type Exposure struct {
	ISO           float64           `json:"iso"`
	Duration      time.Duration     `json:"duration"`
	Gains         WhiteBalanceGains `json:"white_balance"`
	FocusPosition float64           `json:"focus_position"` // 0..1
}

// CaptureRequest asks for one photo in the given encoding and size.
type CaptureRequest struct {
	PixelFormat PixelFormat // empty selects the device's processed default
	Dimensions  Dimensions
}

// BracketedRequest asks for one atomic grouped-bracket capture.
type BracketedRequest struct {
	CaptureRequest
	EVOffsets []float64
}

// PhotoDelivery is one delivered photo. Consumed immediately, never retained
// by the device.
type PhotoDelivery struct {
	Bytes       []byte
	PixelFormat PixelFormat
	IsRaw       bool
	Dimensions  Dimensions
}

// PhotoFunc receives one delivered photo. Invoked from the device's own
// goroutine; implementations must hand off rather than mutate shared state.
type PhotoFunc func(PhotoDelivery)

// DoneFunc signals the end of a capture request, with the hardware error if
// the request or any of its shots failed.
type DoneFunc func(error)

// Device is the hardware abstraction the capture core drives. All methods
// are called from a single controlling goroutine; implementations only need
// to be safe against their own delivery goroutines.
type Device interface {
	Name() string
	Lens() LensKind
	Capabilities() Capabilities

	SetActiveFormat(id FormatID) error
	// ActiveRawFormats reports the raw encodings available under the
	// currently active format.
	ActiveRawFormats() []PixelFormat
	SetZoom(factor float64) error
	SetRotation(degrees int) error

	// SetContinuousAuto switches exposure, white balance and focus to
	// continuous automatic modes.
	SetContinuousAuto() error
	SetExposureBias(ev float64) error
	// ExposureTargetOffset reports how far current metering is from the
	// target, in EV. Converges toward zero as auto exposure settles.
	ExposureTargetOffset() float64
	CurrentExposure() Exposure
	// LockExposure pins exposure, white balance and focus to fixed values.
	LockExposure(exp Exposure) error

	// CapturePhoto requests a single photo. deliver fires once per photo,
	// then done fires exactly once. Callbacks arrive in request order.
	CapturePhoto(req CaptureRequest, deliver PhotoFunc, done DoneFunc) error
	// CaptureBracketed requests one grouped-bracket sequence: deliver fires
	// once per planned offset, in plan order, then done fires once.
	CaptureBracketed(req BracketedRequest, deliver PhotoFunc, done DoneFunc) error

	Close() error
}

// Backend discovers and opens capture devices.
type Backend interface {
	Lenses() []LensKind
	Open(kind LensKind) (Device, error)
}
