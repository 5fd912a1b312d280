package panel

import (
	"fmt"
	"time"

	"github.com/shini4i/livedisplayd/internal/brightness"
	"github.com/shini4i/livedisplayd/internal/calibration"
)

// DimmingRow is one brightness bucket of the dimming table. ACL, AID, ELVSS
// and gamma are always taken from the same row.
type DimmingRow struct {
	Candela int
	ACL     int
	AID     int
	ELVSS   int
	Gamma   int
}

// GammaSource resolves a gamma index to a DCS payload.
type GammaSource interface {
	Gamma(index int) ([]byte, error)
}

// GammaTable is a GammaSource backed by a fixed list of payloads.
type GammaTable [][]byte

// Gamma returns the payload at index.
func (g GammaTable) Gamma(index int) ([]byte, error) {
	if index < 0 || index >= len(g) {
		return nil, fmt.Errorf("%w: gamma index %d outside table of %d", calibration.ErrInvalidState, index, len(g))
	}
	return g[index], nil
}

// Toggle holds the payloads that switch a mode feature on or off.
type Toggle struct {
	On  [][]byte
	Off [][]byte
}

// TempStep selects an ELVSS temperature payload when the panel temperature
// is strictly below Below.
type TempStep struct {
	Below   int
	Payload []byte
}

// Definition is the static description of one panel, parsed once at probe.
type Definition struct {
	Name  string
	Block uint8

	BrightnessMap *brightness.Map
	LuxMap        *brightness.Map
	Rows          []DimmingRow

	ACL         [][]byte
	ACLOff      []byte
	AID         [][]byte
	ELVSS       [][]byte
	Gamma       GammaSource
	GammaUpdate []byte

	TempNormal []byte
	TempSteps  []TempStep

	Modes    map[calibration.Feature]Toggle
	Presets  [][][]byte
	ModePost [][]byte

	// CommandWait is attached to every DCS command emitted for this panel.
	CommandWait time.Duration

	Defaults calibration.State

	// RecoveryBrightness, when set, overrides the initial brightness level
	// including a restored one.
	RecoveryBrightness *int
}

// Features reports which subsystems this panel can drive.
func (d *Definition) Features() calibration.Feature {
	f := calibration.FeatureRGB
	if d.BrightnessMap != nil && len(d.Rows) > 0 {
		f |= calibration.FeatureBrightness
	}
	for feature, toggle := range d.Modes {
		if len(toggle.On) > 0 || len(toggle.Off) > 0 {
			f |= feature & calibration.FeatureModes
		}
	}
	if len(d.Presets) > 0 {
		f |= calibration.FeaturePreset
	}
	return f
}
