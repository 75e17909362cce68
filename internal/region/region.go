/**
 * Scan regions
 *
 * A region is a named, weighted rectangle in fractional frame coordinates that is
 * expected to frame the counter display. Region sets replace per-device scanner
 * variants: a device differs only in which preset (or custom set) it scans.
 */

package region

import (
	"math"

	"github.com/adverant/nexus/counterscan-worker/internal/errors"
)

// DefaultTrustWeight applies when a region leaves TrustWeight unset
const DefaultTrustWeight = 1.0

// Region is a named rectangle in fractional coordinates plus a trust weight
type Region struct {
	Name        string  `json:"name" validate:"required"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	W           float64 `json:"w"`
	H           float64 `json:"h"`
	TrustWeight float64 `json:"trustWeight,omitempty"`
}

// Weight returns the effective trust weight
func (r Region) Weight() float64 {
	if r.TrustWeight == 0 {
		return DefaultTrustWeight
	}
	return r.TrustWeight
}

// Validate rejects region sets that violate the caller contract: empty sets,
// unnamed or duplicate regions, negative or non-finite weights, non-finite
// geometry and negative sizes. Geometry that merely clips away is not a
// contract violation.
func Validate(regions []Region) error {
	if len(regions) == 0 {
		return errors.NewInvalidRegionError("", "at least one region is required")
	}

	seen := make(map[string]bool, len(regions))
	for _, r := range regions {
		if r.Name == "" {
			return errors.NewInvalidRegionError(r.Name, "name is required")
		}
		if seen[r.Name] {
			return errors.NewInvalidRegionError(r.Name, "duplicate region name")
		}
		seen[r.Name] = true

		if math.IsNaN(r.TrustWeight) || math.IsInf(r.TrustWeight, 0) {
			return errors.NewInvalidRegionError(r.Name, "trust weight must be finite")
		}
		if r.TrustWeight < 0 {
			return errors.NewInvalidRegionError(r.Name, "trust weight must not be negative")
		}
		for _, v := range []float64{r.X, r.Y, r.W, r.H} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.NewInvalidRegionError(r.Name, "geometry must be finite")
			}
		}
		if r.W < 0 || r.H < 0 {
			return errors.NewInvalidRegionError(r.Name, "width and height must not be negative")
		}
	}

	return nil
}

// Presets are the built-in region sets, keyed by name
var Presets = map[string][]Region{
	// Central band where most counters sit when the camera is roughly aimed.
	"default": {
		{Name: "center", X: 0.15, Y: 0.35, W: 0.70, H: 0.30, TrustWeight: 1.5},
		{Name: "center-tight", X: 0.25, Y: 0.40, W: 0.50, H: 0.20, TrustWeight: 1.2},
		{Name: "upper", X: 0.10, Y: 0.20, W: 0.80, H: 0.30, TrustWeight: 1.0},
		{Name: "lower", X: 0.10, Y: 0.50, W: 0.80, H: 0.30, TrustWeight: 1.0},
	},
	// Single-line digital displays.
	"center-strip": {
		{Name: "strip", X: 0.05, Y: 0.42, W: 0.90, H: 0.16, TrustWeight: 1.5},
		{Name: "strip-wide", X: 0.00, Y: 0.38, W: 1.00, H: 0.24, TrustWeight: 1.0},
	},
	// Camera held far from the meter.
	"wide": {
		{Name: "full", X: 0.00, Y: 0.00, W: 1.00, H: 1.00, TrustWeight: 0.8},
		{Name: "center", X: 0.20, Y: 0.30, W: 0.60, H: 0.40, TrustWeight: 1.2},
	},
	// Overlapping tiles for meters with the display off-center.
	"dense": {
		{Name: "top-left", X: 0.00, Y: 0.15, W: 0.60, H: 0.35, TrustWeight: 0.9},
		{Name: "top-right", X: 0.40, Y: 0.15, W: 0.60, H: 0.35, TrustWeight: 0.9},
		{Name: "mid", X: 0.15, Y: 0.35, W: 0.70, H: 0.30, TrustWeight: 1.4},
		{Name: "bottom-left", X: 0.00, Y: 0.50, W: 0.60, H: 0.35, TrustWeight: 0.9},
		{Name: "bottom-right", X: 0.40, Y: 0.50, W: 0.60, H: 0.35, TrustWeight: 0.9},
	},
}

// Preset returns a copy of the named region set
func Preset(name string) ([]Region, bool) {
	regions, ok := Presets[name]
	if !ok {
		return nil, false
	}
	out := make([]Region, len(regions))
	copy(out, regions)
	return out, true
}

// Resolve picks the region set for a request: custom regions when given,
// otherwise the named preset.
func Resolve(preset string, custom []Region) ([]Region, error) {
	if len(custom) > 0 {
		return custom, nil
	}
	regions, ok := Preset(preset)
	if !ok {
		return nil, errors.NewInvalidRegionError(preset, "unknown region preset")
	}
	return regions, nil
}
