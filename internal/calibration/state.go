// Package calibration holds the per-panel calibration state and the store
// that guards it.
package calibration

import (
	"fmt"
	"strings"
)

const (
	// MaxChannel is the largest RGB coefficient, representing a gain of 1.0.
	MaxChannel uint32 = 32768

	// MaxBrightnessLevel is the largest backlight level accepted from user space.
	MaxBrightnessLevel = 255

	// MaxLux is the largest ambient light reading accepted.
	MaxLux = 100000

	// MinTemperature and MaxTemperature bound the panel temperature in degrees C.
	MinTemperature = -128
	MaxTemperature = 127
)

// Feature is a bitset naming the tunable subsystems of a panel. It is used
// both for the enabled mode flags of a State and for the update-types mask
// handed to the translator.
type Feature uint32

const (
	FeatureCABC Feature = 1 << iota
	FeatureSRE
	FeatureAutoContrast
	FeatureColorEnhance
	FeaturePreset
	FeatureRGB
	FeatureBrightness

	// FeatureAll requests a full reapply.
	FeatureAll = FeatureCABC | FeatureSRE | FeatureAutoContrast | FeatureColorEnhance |
		FeaturePreset | FeatureRGB | FeatureBrightness

	// FeatureModes is the subset handled by the mode command buffer.
	FeatureModes = FeatureCABC | FeatureSRE | FeatureAutoContrast | FeatureColorEnhance | FeaturePreset
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureCABC, "cabc"},
	{FeatureSRE, "sre"},
	{FeatureAutoContrast, "aco"},
	{FeatureColorEnhance, "color_enhance"},
	{FeaturePreset, "preset"},
	{FeatureRGB, "rgb"},
	{FeatureBrightness, "brightness"},
}

// Has reports whether every bit of other is set in f.
func (f Feature) Has(other Feature) bool {
	return other != 0 && f&other == other
}

// String returns the feature names joined by '|'.
func (f Feature) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range featureNames {
		if f&fn.f != 0 {
			parts = append(parts, fn.name)
		}
	}
	if rest := f &^ FeatureAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseFeature returns the feature with the given name.
func ParseFeature(name string) (Feature, error) {
	for _, fn := range featureNames {
		if fn.name == name {
			return fn.f, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown feature %q", ErrInvalidArgument, name)
}

// State is one panel's calibration. The zero value is not useful; start from
// Defaults.
type State struct {
	R, G, B uint32

	BrightnessLevel int
	Lux             int
	AutoBrightness  bool
	ACLOn           bool

	// Modes holds the enabled mode flags (CABC, SRE, AutoContrast, ColorEnhance).
	Modes  Feature
	Preset int

	// Indices of the dimming row last resolved by the translator.
	ACLIndex   int
	AIDIndex   int
	ELVSSIndex int
	GammaIndex int

	Temperature int
}

// Defaults returns the probe-time state: no color correction, full
// brightness, ACL enabled.
func Defaults() State {
	return State{
		R:               MaxChannel,
		G:               MaxChannel,
		B:               MaxChannel,
		BrightnessLevel: MaxBrightnessLevel,
		ACLOn:           true,
		Temperature:     25,
	}
}

// NoCorrection reports whether all channels are at unity gain.
func (s State) NoCorrection() bool {
	return s.R == MaxChannel && s.G == MaxChannel && s.B == MaxChannel
}

// Validate checks every field against its declared range.
func (s State) Validate() error {
	if s.R > MaxChannel || s.G > MaxChannel || s.B > MaxChannel {
		return fmt.Errorf("%w: rgb %d %d %d out of range", ErrInvalidArgument, s.R, s.G, s.B)
	}
	if s.BrightnessLevel < 0 || s.BrightnessLevel > MaxBrightnessLevel {
		return fmt.Errorf("%w: brightness %d out of range", ErrInvalidArgument, s.BrightnessLevel)
	}
	if s.Lux < 0 || s.Lux > MaxLux {
		return fmt.Errorf("%w: lux %d out of range", ErrInvalidArgument, s.Lux)
	}
	if s.Temperature < MinTemperature || s.Temperature > MaxTemperature {
		return fmt.Errorf("%w: temperature %d out of range", ErrInvalidArgument, s.Temperature)
	}
	if s.Preset < 0 {
		return fmt.Errorf("%w: preset %d out of range", ErrInvalidArgument, s.Preset)
	}
	return nil
}
