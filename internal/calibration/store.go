package calibration

import (
	"fmt"
	"sync"
)

// RGB is a complete color-correction triple. Channels are only ever written
// together.
type RGB struct {
	R, G, B uint32
}

// Delta is a set of field changes applied atomically by Store.Apply.
// Nil fields are left untouched.
type Delta struct {
	RGB             *RGB
	BrightnessLevel *int
	Lux             *int
	AutoBrightness  *bool
	ACLOn           *bool
	Temperature     *int
	Preset          *int

	// EnableModes and DisableModes toggle bits of State.Modes.
	EnableModes  Feature
	DisableModes Feature
}

// Features returns the update-types mask touched by the delta.
func (d Delta) Features() Feature {
	var f Feature
	if d.RGB != nil {
		f |= FeatureRGB
	}
	if d.BrightnessLevel != nil || d.Lux != nil || d.AutoBrightness != nil ||
		d.ACLOn != nil || d.Temperature != nil {
		f |= FeatureBrightness
	}
	if d.Preset != nil {
		f |= FeaturePreset
	}
	f |= (d.EnableModes | d.DisableModes) & FeatureModes
	return f
}

// Store guards one State. Readers get copies; writers go through Apply.
// All methods are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	state State
}

// NewStore creates a store holding initial.
func NewStore(initial State) *Store {
	return &Store{state: initial}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Apply validates d against the current state and applies it as one unit.
// On error the state is unchanged.
func (s *Store) Apply(d Delta) (State, error) {
	if d.EnableModes&d.DisableModes != 0 {
		return State{}, fmt.Errorf("%w: modes %s both enabled and disabled",
			ErrInvalidArgument, d.EnableModes&d.DisableModes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	if d.RGB != nil {
		next.R, next.G, next.B = d.RGB.R, d.RGB.G, d.RGB.B
	}
	if d.BrightnessLevel != nil {
		next.BrightnessLevel = *d.BrightnessLevel
	}
	if d.Lux != nil {
		next.Lux = *d.Lux
	}
	if d.AutoBrightness != nil {
		next.AutoBrightness = *d.AutoBrightness
	}
	if d.ACLOn != nil {
		next.ACLOn = *d.ACLOn
	}
	if d.Temperature != nil {
		next.Temperature = *d.Temperature
	}
	if d.Preset != nil {
		next.Preset = *d.Preset
	}
	next.Modes = (next.Modes | d.EnableModes) &^ d.DisableModes

	if err := next.Validate(); err != nil {
		return State{}, err
	}

	s.state = next
	return next, nil
}

// RecordIndices stores the dimming indices resolved by the translator.
func (s *Store) RecordIndices(acl, aid, elvss, gamma int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ACLIndex = acl
	s.state.AIDIndex = aid
	s.state.ELVSSIndex = elvss
	s.state.GammaIndex = gamma
}
