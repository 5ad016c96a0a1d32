package capture

import (
	"errors"
	"fmt"
)

// ErrorKind classifies capture failures for propagation decisions.
type ErrorKind int

const (
	// ErrDeviceUnavailable: no hardware matched a requested lens.
	// Non-recoverable for that lens; never crashes the session.
	ErrDeviceUnavailable ErrorKind = iota
	// ErrConfiguration: hardware rejected a format/zoom/exposure-lock call.
	// Recoverable; aborts the in-progress run.
	ErrConfiguration
	// ErrCaptureDelivery: hardware reported a failure for a photo or the
	// whole sequence. Aborts the run.
	ErrCaptureDelivery
	// ErrPersistence: one photo failed to save. The position is omitted
	// from the final asset list; the run continues.
	ErrPersistence
)

func (k ErrorKind) String() string {
	switch k {
	case ErrDeviceUnavailable:
		return "device_unavailable"
	case ErrConfiguration:
		return "configuration_failure"
	case ErrCaptureDelivery:
		return "capture_delivery_failure"
	case ErrPersistence:
		return "persistence_failure"
	}
	return "unknown"
}

// CaptureError wraps a failure with its kind and the operation that hit it.
type CaptureError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Recoverable reports whether the session can keep operating after this
// failure. Only device unavailability is terminal for its lens.
func (e *CaptureError) Recoverable() bool {
	return e.Kind != ErrDeviceUnavailable
}

func captureErr(kind ErrorKind, op string, err error) *CaptureError {
	return &CaptureError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the error kind, defaulting to delivery failure for
// untyped hardware errors.
func KindOf(err error) ErrorKind {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrCaptureDelivery
}
