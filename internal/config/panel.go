package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/shini4i/livedisplayd/internal/brightness"
	"github.com/shini4i/livedisplayd/internal/calibration"
	"github.com/shini4i/livedisplayd/internal/panel"
)

// levelTableSize is the number of backlight levels precomputed per panel.
const levelTableSize = calibration.MaxBrightnessLevel + 1

// toggleModes are the features switched by on/off payloads.
const toggleModes = calibration.FeatureModes &^ calibration.FeaturePreset

// File is the panel definition file.
type File struct {
	Panels []PanelConfig `yaml:"panels"`
}

// PanelConfig describes one panel. Payloads are hex strings; spaces between
// bytes are allowed.
type PanelConfig struct {
	Name          string `yaml:"name"`
	Block         uint8  `yaml:"block"`
	CommandWaitMS int    `yaml:"command_wait_ms"`

	Defaults           DefaultsConfig `yaml:"defaults"`
	RecoveryBrightness *int           `yaml:"recovery_brightness"`

	BrightnessMap []brightness.Bucket `yaml:"brightness_map"`
	LuxMap        []brightness.Bucket `yaml:"lux_map"`
	Rows          []RowConfig         `yaml:"rows"`

	ACL         []string `yaml:"acl"`
	ACLOff      string   `yaml:"acl_off"`
	AID         []string `yaml:"aid"`
	ELVSS       []string `yaml:"elvss"`
	Gamma       []string `yaml:"gamma"`
	GammaUpdate string   `yaml:"gamma_update"`

	Temperature TemperatureConfig `yaml:"temperature"`

	Modes    map[string]ToggleConfig `yaml:"modes"`
	Presets  [][]string              `yaml:"presets"`
	ModePost []string                `yaml:"mode_post"`
}

// DefaultsConfig is the probe-time calibration. Omitted fields take the
// built-in defaults.
type DefaultsConfig struct {
	R              *uint32  `yaml:"r"`
	G              *uint32  `yaml:"g"`
	B              *uint32  `yaml:"b"`
	Brightness     *int     `yaml:"brightness"`
	Lux            *int     `yaml:"lux"`
	AutoBrightness *bool    `yaml:"auto_brightness"`
	ACL            *bool    `yaml:"acl"`
	Temperature    *int     `yaml:"temperature"`
	Preset         *int     `yaml:"preset"`
	Modes          []string `yaml:"modes"`
}

// RowConfig is one dimming table row.
type RowConfig struct {
	Candela int `yaml:"candela"`
	ACL     int `yaml:"acl"`
	AID     int `yaml:"aid"`
	ELVSS   int `yaml:"elvss"`
	Gamma   int `yaml:"gamma"`
}

// TemperatureConfig holds the ELVSS temperature compensation payloads.
type TemperatureConfig struct {
	Normal string           `yaml:"normal"`
	Steps  []TempStepConfig `yaml:"steps"`
}

// TempStepConfig applies Payload when the temperature is below Below.
type TempStepConfig struct {
	Below   int    `yaml:"below"`
	Payload string `yaml:"payload"`
}

// ToggleConfig holds the on and off payloads of a mode.
type ToggleConfig struct {
	On  []string `yaml:"enable"`
	Off []string `yaml:"disable"`
}

// Load reads and validates a panel definition file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read panel config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates panel definitions.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse panel config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &f, nil
}

// Validate checks every panel. Dimming indices are not range checked here.
func (f *File) Validate() error {
	if len(f.Panels) == 0 {
		return fmt.Errorf("no panels defined")
	}
	seen := make(map[string]bool, len(f.Panels))
	for i := range f.Panels {
		p := &f.Panels[i]
		if p.Name == "" {
			return fmt.Errorf("panel %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("panel %s: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if err := p.validate(); err != nil {
			return fmt.Errorf("panel %s: %w", p.Name, err)
		}
	}
	return nil
}

func (p *PanelConfig) validate() error {
	if p.CommandWaitMS < 0 || p.CommandWaitMS > 0xffff {
		return fmt.Errorf("command_wait_ms %d out of range", p.CommandWaitMS)
	}
	if len(p.BrightnessMap) > 0 {
		if _, err := brightness.NewMap(p.BrightnessMap); err != nil {
			return fmt.Errorf("brightness_map: %w", err)
		}
		if len(p.Rows) == 0 {
			return fmt.Errorf("brightness_map given without rows")
		}
	}
	if len(p.LuxMap) > 0 {
		if _, err := brightness.NewMap(p.LuxMap); err != nil {
			return fmt.Errorf("lux_map: %w", err)
		}
	}
	if p.RecoveryBrightness != nil {
		if v := *p.RecoveryBrightness; v < 0 || v > calibration.MaxBrightnessLevel {
			return fmt.Errorf("recovery_brightness %d out of range", v)
		}
	}
	for name := range p.Modes {
		f, err := calibration.ParseFeature(name)
		if err != nil || f&toggleModes == 0 {
			return fmt.Errorf("modes: %q is not a mode", name)
		}
	}

	st, err := p.defaults()
	if err != nil {
		return err
	}
	if err := st.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if len(p.Presets) > 0 && st.Preset >= len(p.Presets) {
		return fmt.Errorf("defaults: preset %d outside %d presets", st.Preset, len(p.Presets))
	}

	_, err = p.payloads()
	return err
}

// defaults merges the configured defaults over calibration.Defaults.
func (p *PanelConfig) defaults() (calibration.State, error) {
	st := calibration.Defaults()
	d := p.Defaults
	if d.R != nil {
		st.R = *d.R
	}
	if d.G != nil {
		st.G = *d.G
	}
	if d.B != nil {
		st.B = *d.B
	}
	if d.Brightness != nil {
		st.BrightnessLevel = *d.Brightness
	}
	if d.Lux != nil {
		st.Lux = *d.Lux
	}
	if d.AutoBrightness != nil {
		st.AutoBrightness = *d.AutoBrightness
	}
	if d.ACL != nil {
		st.ACLOn = *d.ACL
	}
	if d.Temperature != nil {
		st.Temperature = *d.Temperature
	}
	if d.Preset != nil {
		st.Preset = *d.Preset
	}
	for _, name := range d.Modes {
		f, err := calibration.ParseFeature(name)
		if err != nil {
			return calibration.State{}, fmt.Errorf("defaults: %w", err)
		}
		if f&toggleModes == 0 {
			return calibration.State{}, fmt.Errorf("defaults: %q is not a mode", name)
		}
		st.Modes |= f
	}
	return st, nil
}

// payloadSet is the decoded form of every hex field of a panel.
type payloadSet struct {
	acl, aid, elvss, gamma [][]byte
	aclOff, gammaUpdate    []byte
	tempNormal             []byte
	tempSteps              []panel.TempStep
	modes                  map[calibration.Feature]panel.Toggle
	presets                [][][]byte
	modePost               [][]byte
}

func (p *PanelConfig) payloads() (*payloadSet, error) {
	var (
		ps  payloadSet
		err error
	)
	if ps.acl, err = decodeList("acl", p.ACL); err != nil {
		return nil, err
	}
	if ps.aid, err = decodeList("aid", p.AID); err != nil {
		return nil, err
	}
	if ps.elvss, err = decodeList("elvss", p.ELVSS); err != nil {
		return nil, err
	}
	if ps.gamma, err = decodeList("gamma", p.Gamma); err != nil {
		return nil, err
	}
	if ps.aclOff, err = decodeHex("acl_off", p.ACLOff); err != nil {
		return nil, err
	}
	if ps.gammaUpdate, err = decodeHex("gamma_update", p.GammaUpdate); err != nil {
		return nil, err
	}
	if ps.tempNormal, err = decodeHex("temperature.normal", p.Temperature.Normal); err != nil {
		return nil, err
	}
	for i, step := range p.Temperature.Steps {
		payload, err := decodeHex(fmt.Sprintf("temperature.steps[%d]", i), step.Payload)
		if err != nil {
			return nil, err
		}
		ps.tempSteps = append(ps.tempSteps, panel.TempStep{Below: step.Below, Payload: payload})
	}

	if len(p.Modes) > 0 {
		ps.modes = make(map[calibration.Feature]panel.Toggle, len(p.Modes))
	}
	for name, toggle := range p.Modes {
		f, err := calibration.ParseFeature(name)
		if err != nil {
			return nil, fmt.Errorf("modes: %w", err)
		}
		on, err := decodeList("modes."+name+".enable", toggle.On)
		if err != nil {
			return nil, err
		}
		off, err := decodeList("modes."+name+".disable", toggle.Off)
		if err != nil {
			return nil, err
		}
		ps.modes[f] = panel.Toggle{On: on, Off: off}
	}

	for i, preset := range p.Presets {
		cmds, err := decodeList(fmt.Sprintf("presets[%d]", i), preset)
		if err != nil {
			return nil, err
		}
		ps.presets = append(ps.presets, cmds)
	}
	if ps.modePost, err = decodeList("mode_post", p.ModePost); err != nil {
		return nil, err
	}
	return &ps, nil
}

func decodeList(field string, values []string) ([][]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([][]byte, 0, len(values))
	for i, v := range values {
		b, err := decodeHex(fmt.Sprintf("%s[%d]", field, i), v)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("%s[%d]: empty payload", field, i)
		}
		out = append(out, b)
	}
	return out, nil
}

func decodeHex(field, s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid hex payload: %w", field, err)
	}
	return b, nil
}

// Build converts the file into panel definitions. With recovery set, panels
// that define recovery_brightness start at that level.
func (f *File) Build(recovery bool) ([]*panel.Definition, error) {
	defs := make([]*panel.Definition, 0, len(f.Panels))
	for i := range f.Panels {
		def, err := f.Panels[i].Definition(recovery)
		if err != nil {
			return nil, fmt.Errorf("panel %s: %w", f.Panels[i].Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Definition converts one panel config.
func (p *PanelConfig) Definition(recovery bool) (*panel.Definition, error) {
	st, err := p.defaults()
	if err != nil {
		return nil, err
	}

	ps, err := p.payloads()
	if err != nil {
		return nil, err
	}

	def := &panel.Definition{
		Name:        p.Name,
		Block:       p.Block,
		ACL:         ps.acl,
		ACLOff:      ps.aclOff,
		AID:         ps.aid,
		ELVSS:       ps.elvss,
		GammaUpdate: ps.gammaUpdate,
		TempNormal:  ps.tempNormal,
		TempSteps:   ps.tempSteps,
		Modes:       ps.modes,
		Presets:     ps.presets,
		ModePost:    ps.modePost,
		CommandWait: time.Duration(p.CommandWaitMS) * time.Millisecond,
		Defaults:    st,
	}
	if recovery && p.RecoveryBrightness != nil {
		level := brightness.ClampLevel(*p.RecoveryBrightness, calibration.MaxBrightnessLevel)
		def.RecoveryBrightness = &level
	}
	if len(ps.gamma) > 0 {
		def.Gamma = panel.GammaTable(ps.gamma)
	}

	for _, r := range p.Rows {
		def.Rows = append(def.Rows, panel.DimmingRow{
			Candela: r.Candela, ACL: r.ACL, AID: r.AID, ELVSS: r.ELVSS, Gamma: r.Gamma,
		})
	}

	if len(p.BrightnessMap) > 0 {
		m, err := brightness.NewMap(p.BrightnessMap)
		if err != nil {
			return nil, fmt.Errorf("brightness_map: %w", err)
		}
		m.Precompute(levelTableSize)
		def.BrightnessMap = m
	}
	if len(p.LuxMap) > 0 {
		m, err := brightness.NewMap(p.LuxMap)
		if err != nil {
			return nil, fmt.Errorf("lux_map: %w", err)
		}
		def.LuxMap = m
	}
	return def, nil
}
