package capture

import (
	"bracketeer/internal/device"
)

// Fixed resolution targets offered by the controller. The negotiator treats
// these as preferences, not requirements.
var (
	FullResolution    = device.Dimensions{Width: 8064, Height: 6048}
	ReducedResolution = device.Dimensions{Width: 4032, Height: 3024}
)

// Selection is the outcome of format negotiation for one device.
type Selection struct {
	Format     device.FormatID
	Dimensions device.Dimensions
	// RawAvailable reports whether the chosen format exposes at least one
	// raw pixel format. False when RAW was requested but nothing supports
	// it; downstream capture then runs the processed-only path.
	RawAvailable bool
}

// Negotiate picks the best active format for the target resolution. Ranking:
// exact dimension match first, then maximum pixel count; ties go to the
// earlier format in device enumeration order. When wantRaw is set, formats
// exposing a raw pixel format are preferred; if none does, the largest
// format wins anyway and RawAvailable is false. Returns false only when the
// device exposes no formats at all.
func Negotiate(caps device.Capabilities, target device.Dimensions, wantRaw bool) (Selection, bool) {
	if len(caps.Formats) == 0 {
		return Selection{}, false
	}

	candidates := caps.Formats
	if wantRaw {
		var rawCapable []device.Format
		for _, f := range caps.Formats {
			if len(f.RawPixelFormats) > 0 {
				rawCapable = append(rawCapable, f)
			}
		}
		if len(rawCapable) > 0 {
			candidates = rawCapable
		}
	}

	best := candidates[0]
	exact := false
	for _, f := range candidates {
		if f.Dimensions == target {
			best = f
			exact = true
			break
		}
	}
	if !exact {
		for _, f := range candidates[1:] {
			if f.Dimensions.PixelCount() > best.Dimensions.PixelCount() {
				best = f
			}
		}
	}

	return Selection{
		Format:       best.ID,
		Dimensions:   best.Dimensions,
		RawAvailable: len(best.RawPixelFormats) > 0,
	}, true
}

// PickRawFormat chooses the capture encoding from the raw formats the active
// format exposes: highest-fidelity raw variant first, then any raw, then
// none (empty string).
func PickRawFormat(available []device.PixelFormat) device.PixelFormat {
	var best device.PixelFormat
	for _, pf := range available {
		if !pf.IsRaw() {
			continue
		}
		if best == "" || device.RawFidelity(pf) > device.RawFidelity(best) {
			best = pf
		}
	}
	return best
}
