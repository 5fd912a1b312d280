// Package attr implements the text get/set endpoints for panel tunables.
// Each endpoint validates its input completely before anything is written.
package attr

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/shini4i/livedisplayd/internal/calibration"
	"github.com/shini4i/livedisplayd/internal/panel"
)

// Panel is the part of a display context the surface needs.
type Panel interface {
	Definition() *panel.Definition
	Snapshot() calibration.State
	Apply(d calibration.Delta) error
}

// ErrReadOnly is returned when writing a read-only attribute.
var ErrReadOnly = fmt.Errorf("%w: attribute is read-only", calibration.ErrInvalidArgument)

// ErrUnknownAttribute is returned for names the panel does not expose.
var ErrUnknownAttribute = fmt.Errorf("%w: unknown attribute", calibration.ErrInvalidArgument)

type attribute struct {
	name     string
	requires calibration.Feature
	fields   int
	min, max int
	maxLen   int

	// maxFor overrides max with a per-panel bound.
	maxFor func(def *panel.Definition) int
	show   func(st calibration.State, def *panel.Definition) string
	delta  func(v []int) calibration.Delta
}

func (a attribute) readOnly() bool {
	return a.delta == nil
}

func intLine(v int) string {
	return strconv.Itoa(v) + "\n"
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func modeAttribute(name string, f calibration.Feature) attribute {
	return attribute{
		name: name, requires: f, fields: 1, min: 0, max: 1, maxLen: 4,
		show: func(st calibration.State, _ *panel.Definition) string {
			return intLine(boolInt(st.Modes.Has(f)))
		},
		delta: func(v []int) calibration.Delta {
			if v[0] == 1 {
				return calibration.Delta{EnableModes: f}
			}
			return calibration.Delta{DisableModes: f}
		},
	}
}

var attributes = []attribute{
	{
		name: "rgb", requires: calibration.FeatureRGB, fields: 3,
		min: 0, max: int(calibration.MaxChannel), maxLen: 19,
		show: func(st calibration.State, _ *panel.Definition) string {
			return fmt.Sprintf("%d %d %d\n", st.R, st.G, st.B)
		},
		delta: func(v []int) calibration.Delta {
			return calibration.Delta{RGB: &calibration.RGB{R: uint32(v[0]), G: uint32(v[1]), B: uint32(v[2])}}
		},
	},
	{
		name: "brightness", requires: calibration.FeatureBrightness, fields: 1,
		min: 0, max: calibration.MaxBrightnessLevel, maxLen: 8,
		show: func(st calibration.State, _ *panel.Definition) string {
			return intLine(st.BrightnessLevel)
		},
		delta: func(v []int) calibration.Delta {
			return calibration.Delta{BrightnessLevel: &v[0]}
		},
	},
	{
		name: "lux", requires: calibration.FeatureBrightness, fields: 1,
		min: 0, max: calibration.MaxLux, maxLen: 12,
		show: func(st calibration.State, _ *panel.Definition) string {
			return intLine(st.Lux)
		},
		delta: func(v []int) calibration.Delta {
			return calibration.Delta{Lux: &v[0]}
		},
	},
	{
		name: "auto_brightness", requires: calibration.FeatureBrightness, fields: 1,
		min: 0, max: 1, maxLen: 4,
		show: func(st calibration.State, _ *panel.Definition) string {
			return intLine(boolInt(st.AutoBrightness))
		},
		delta: func(v []int) calibration.Delta {
			on := v[0] == 1
			return calibration.Delta{AutoBrightness: &on}
		},
	},
	{
		name: "acl", requires: calibration.FeatureBrightness, fields: 1,
		min: 0, max: 1, maxLen: 4,
		show: func(st calibration.State, _ *panel.Definition) string {
			return intLine(boolInt(st.ACLOn))
		},
		delta: func(v []int) calibration.Delta {
			on := v[0] == 1
			return calibration.Delta{ACLOn: &on}
		},
	},
	{
		name: "temperature", requires: calibration.FeatureBrightness, fields: 1,
		min: calibration.MinTemperature, max: calibration.MaxTemperature, maxLen: 8,
		show: func(st calibration.State, _ *panel.Definition) string {
			return intLine(st.Temperature)
		},
		delta: func(v []int) calibration.Delta {
			return calibration.Delta{Temperature: &v[0]}
		},
	},
	{
		name: "dimming", requires: calibration.FeatureBrightness,
		show: func(st calibration.State, _ *panel.Definition) string {
			return fmt.Sprintf("%d %d %d %d\n", st.ACLIndex, st.AIDIndex, st.ELVSSIndex, st.GammaIndex)
		},
	},
	modeAttribute("cabc", calibration.FeatureCABC),
	modeAttribute("sre", calibration.FeatureSRE),
	modeAttribute("aco", calibration.FeatureAutoContrast),
	modeAttribute("color_enhance", calibration.FeatureColorEnhance),
	{
		name: "preset", requires: calibration.FeaturePreset, fields: 1,
		min: 0, maxLen: 8,
		maxFor: func(def *panel.Definition) int { return len(def.Presets) - 1 },
		show: func(st calibration.State, _ *panel.Definition) string {
			return intLine(st.Preset)
		},
		delta: func(v []int) calibration.Delta {
			return calibration.Delta{Preset: &v[0]}
		},
	},
	{
		name: "num_presets", requires: calibration.FeaturePreset,
		show: func(_ calibration.State, def *panel.Definition) string {
			return intLine(len(def.Presets))
		},
	},
}

// Surface exposes the attributes a panel supports.
type Surface struct {
	panel Panel
}

// New creates a surface over p. A nil panel yields a surface whose every
// call fails with calibration.ErrInvalidState.
func New(p Panel) *Surface {
	return &Surface{panel: p}
}

func (s *Surface) lookup(name string) (attribute, *panel.Definition, error) {
	if s == nil || s.panel == nil {
		return attribute{}, nil, fmt.Errorf("%w: no panel context", calibration.ErrInvalidState)
	}
	def := s.panel.Definition()
	if def == nil {
		return attribute{}, nil, fmt.Errorf("%w: panel has no definition", calibration.ErrInvalidState)
	}
	features := def.Features()
	for _, a := range attributes {
		if a.name == name && features.Has(a.requires) {
			return a, def, nil
		}
	}
	return attribute{}, nil, fmt.Errorf("%w: %q", ErrUnknownAttribute, name)
}

// Names lists the attributes the panel supports, sorted.
func (s *Surface) Names() []string {
	if s == nil || s.panel == nil || s.panel.Definition() == nil {
		return nil
	}
	features := s.panel.Definition().Features()
	var names []string
	for _, a := range attributes {
		if features.Has(a.requires) {
			names = append(names, a.name)
		}
	}
	sort.Strings(names)
	return names
}

// Affected lists the supported attributes whose value may differ after an
// update of the changed subsystems, sorted.
func (s *Surface) Affected(changed calibration.Feature) []string {
	var names []string
	for _, name := range s.Names() {
		a, _, err := s.lookup(name)
		if err == nil && a.requires&changed != 0 {
			names = append(names, name)
		}
	}
	return names
}

// Writable reports whether name accepts writes on this panel.
func (s *Surface) Writable(name string) bool {
	a, _, err := s.lookup(name)
	return err == nil && !a.readOnly()
}

// Show returns the formatted current value of an attribute. It reads a
// snapshot and never waits on a hardware update.
func (s *Surface) Show(name string) (string, error) {
	a, def, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	return a.show(s.panel.Snapshot(), def), nil
}

// Store parses buf and applies it. It returns len(buf) on success. Input
// is rejected as a whole if it is too long, has the wrong number of
// integer fields, or any field is out of range.
func (s *Surface) Store(name string, buf []byte) (int, error) {
	a, def, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	if a.readOnly() {
		return 0, fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	if len(buf) > a.maxLen {
		return 0, fmt.Errorf("%w: %s: %d bytes exceeds %d", calibration.ErrInvalidArgument, name, len(buf), a.maxLen)
	}

	max := a.max
	if a.maxFor != nil {
		max = a.maxFor(def)
	}
	values, err := parseInts(string(buf), a.fields, a.min, max)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	if err := s.panel.Apply(a.delta(values)); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// parseInts reads exactly n whitespace separated integers in [min, max].
func parseInts(s string, n, min, max int) ([]int, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", calibration.ErrInvalidArgument, n, len(fields))
	}
	values := make([]int, n)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d: %q is not an integer", calibration.ErrInvalidArgument, i+1, f)
		}
		if v < min || v > max {
			return nil, fmt.Errorf("%w: field %d: %d outside [%d, %d]", calibration.ErrInvalidArgument, i+1, v, min, max)
		}
		values[i] = v
	}
	return values, nil
}

// Errno maps an error from this package or the coordinator to a negative
// errno, as returned to file-layer callers. nil maps to 0.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, calibration.ErrInvalidArgument):
		return -int(syscall.EINVAL)
	case errors.Is(err, calibration.ErrInvalidState):
		return -int(syscall.ENODEV)
	default:
		return -int(syscall.EIO)
	}
}
