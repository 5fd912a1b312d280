package panel

import (
	"fmt"

	"github.com/shini4i/livedisplayd/internal/calibration"
)

// modeOrder is the fixed order in which mode payloads are emitted.
var modeOrder = []calibration.Feature{
	calibration.FeatureCABC,
	calibration.FeatureSRE,
	calibration.FeatureAutoContrast,
	calibration.FeatureColorEnhance,
}

// Resolved is the dimming row picked for a brightness update.
type Resolved struct {
	Valid bool
	Index int
	Row   DimmingRow
}

// Translator turns a calibration snapshot into command buffers for one panel.
// It holds no mutable state and may be shared.
type Translator struct {
	def *Definition
}

// NewTranslator creates a translator for def.
func NewTranslator(def *Definition) *Translator {
	return &Translator{def: def}
}

// Translate builds the command buffers for the subsystems named in types.
// Buffers come out color first, then brightness, then modes. Subsystems the
// panel does not support are skipped. On error no buffers are returned.
func (t *Translator) Translate(st calibration.State, types calibration.Feature) ([]CommandBuffer, Resolved, error) {
	if t == nil || t.def == nil {
		return nil, Resolved{}, fmt.Errorf("%w: no panel definition", calibration.ErrInvalidState)
	}

	types &= t.def.Features()
	var (
		bufs     []CommandBuffer
		resolved Resolved
	)

	if types&calibration.FeatureRGB != 0 {
		bufs = append(bufs, t.color(st))
	}

	if types&calibration.FeatureBrightness != 0 {
		buf, res, err := t.brightness(st)
		if err != nil {
			return nil, Resolved{}, err
		}
		bufs = append(bufs, buf)
		resolved = res
	}

	if types&calibration.FeatureModes != 0 {
		buf, err := t.modes(st, types)
		if err != nil {
			return nil, Resolved{}, err
		}
		if len(buf.Commands) > 0 {
			bufs = append(bufs, buf)
		}
	}

	return bufs, resolved, nil
}

// color emits a PCC disable when every channel is at unity gain and an
// enable+write carrying the coefficients verbatim otherwise.
func (t *Translator) color(st calibration.State) CommandBuffer {
	cmd := Command{Op: OpPCCDisable, Block: t.def.Block}
	if !st.NoCorrection() {
		cmd = Command{
			Op:     OpPCCEnableWrite,
			Block:  t.def.Block,
			Coeffs: [3]uint32{st.R, st.G, st.B},
		}
	}
	return CommandBuffer{Kind: calibration.FeatureRGB, Commands: []Command{cmd}}
}

// rowIndex returns the dimming row index selected by st.
func (t *Translator) rowIndex(st calibration.State) int {
	if st.AutoBrightness && t.def.LuxMap != nil {
		return t.def.LuxMap.Lookup(st.Lux)
	}
	return t.def.BrightnessMap.Lookup(st.BrightnessLevel)
}

func (t *Translator) brightness(st calibration.State) (CommandBuffer, Resolved, error) {
	idx := t.rowIndex(st)
	if idx < 0 || idx >= len(t.def.Rows) {
		return CommandBuffer{}, Resolved{}, fmt.Errorf("%w: dimming index %d outside table of %d",
			calibration.ErrInvalidState, idx, len(t.def.Rows))
	}
	row := t.def.Rows[idx]

	buf := CommandBuffer{Kind: calibration.FeatureBrightness}
	add := func(payload []byte) {
		if len(payload) > 0 {
			buf.Commands = append(buf.Commands, t.dcs(payload))
		}
	}

	if t.def.Gamma != nil {
		gamma, err := t.def.Gamma.Gamma(row.Gamma)
		if err != nil {
			return CommandBuffer{}, Resolved{}, err
		}
		add(gamma)
	}

	aid, err := pick(t.def.AID, row.AID, "aid")
	if err != nil {
		return CommandBuffer{}, Resolved{}, err
	}
	add(aid)

	elvss, err := pick(t.def.ELVSS, row.ELVSS, "elvss")
	if err != nil {
		return CommandBuffer{}, Resolved{}, err
	}
	add(elvss)
	add(t.temperature(st.Temperature))

	if st.ACLOn {
		acl, err := pick(t.def.ACL, row.ACL, "acl")
		if err != nil {
			return CommandBuffer{}, Resolved{}, err
		}
		add(acl)
	} else {
		add(t.def.ACLOff)
	}

	add(t.def.GammaUpdate)

	return buf, Resolved{Valid: true, Index: idx, Row: row}, nil
}

// pick returns table[idx], or nil when the table is not configured.
func pick(table [][]byte, idx int, name string) ([]byte, error) {
	if len(table) == 0 {
		return nil, nil
	}
	if idx < 0 || idx >= len(table) {
		return nil, fmt.Errorf("%w: %s index %d outside table of %d",
			calibration.ErrInvalidState, name, idx, len(table))
	}
	return table[idx], nil
}

// temperature picks the most specific step whose bound the temperature is
// under, falling back to the normal payload.
func (t *Translator) temperature(temp int) []byte {
	var (
		best  []byte
		bound int
		found bool
	)
	for _, step := range t.def.TempSteps {
		if temp < step.Below && (!found || step.Below < bound) {
			best, bound, found = step.Payload, step.Below, true
		}
	}
	if found {
		return best
	}
	return t.def.TempNormal
}

func (t *Translator) modes(st calibration.State, types calibration.Feature) (CommandBuffer, error) {
	buf := CommandBuffer{Kind: types & calibration.FeatureModes}

	for _, feature := range modeOrder {
		if types&feature == 0 {
			continue
		}
		toggle := t.def.Modes[feature]
		payloads := toggle.Off
		if st.Modes.Has(feature) {
			payloads = toggle.On
		}
		for _, p := range payloads {
			buf.Commands = append(buf.Commands, t.dcs(p))
		}
	}

	if types&calibration.FeaturePreset != 0 {
		if st.Preset < 0 || st.Preset >= len(t.def.Presets) {
			return CommandBuffer{}, fmt.Errorf("%w: preset %d outside %d presets",
				calibration.ErrInvalidState, st.Preset, len(t.def.Presets))
		}
		for _, p := range t.def.Presets[st.Preset] {
			buf.Commands = append(buf.Commands, t.dcs(p))
		}
	}

	if len(buf.Commands) > 0 {
		for _, p := range t.def.ModePost {
			buf.Commands = append(buf.Commands, t.dcs(p))
		}
	}
	return buf, nil
}

func (t *Translator) dcs(payload []byte) Command {
	return Command{Op: OpDCSWrite, Payload: payload, Wait: t.def.CommandWait}
}
