package calibration_test

import (
	"sync"
	"testing"

	"github.com/shini4i/livedisplayd/internal/calibration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestDefaults(t *testing.T) {
	st := calibration.Defaults()
	assert.Equal(t, calibration.MaxChannel, st.R)
	assert.Equal(t, calibration.MaxChannel, st.G)
	assert.Equal(t, calibration.MaxChannel, st.B)
	assert.True(t, st.NoCorrection())
	require.NoError(t, st.Validate())
}

func TestStore_Apply(t *testing.T) {
	tests := []struct {
		name      string
		delta     calibration.Delta
		expectErr bool
		check     func(t *testing.T, st calibration.State)
	}{
		{
			name:  "rgb triple is applied together",
			delta: calibration.Delta{RGB: &calibration.RGB{R: 25828, G: 17347, B: 32768}},
			check: func(t *testing.T, st calibration.State) {
				assert.Equal(t, uint32(25828), st.R)
				assert.Equal(t, uint32(17347), st.G)
				assert.Equal(t, uint32(32768), st.B)
				assert.False(t, st.NoCorrection())
			},
		},
		{
			name:      "channel above range is rejected",
			delta:     calibration.Delta{RGB: &calibration.RGB{R: 1, G: 2, B: 32769}},
			expectErr: true,
		},
		{
			name:  "brightness alone",
			delta: calibration.Delta{BrightnessLevel: intPtr(42)},
			check: func(t *testing.T, st calibration.State) {
				assert.Equal(t, 42, st.BrightnessLevel)
			},
		},
		{
			name:      "brightness above range is rejected",
			delta:     calibration.Delta{BrightnessLevel: intPtr(256)},
			expectErr: true,
		},
		{
			name:      "negative lux is rejected",
			delta:     calibration.Delta{Lux: intPtr(-1)},
			expectErr: true,
		},
		{
			name:  "modes are toggled",
			delta: calibration.Delta{EnableModes: calibration.FeatureCABC | calibration.FeatureSRE},
			check: func(t *testing.T, st calibration.State) {
				assert.True(t, st.Modes.Has(calibration.FeatureCABC))
				assert.True(t, st.Modes.Has(calibration.FeatureSRE))
				assert.False(t, st.Modes.Has(calibration.FeatureColorEnhance))
			},
		},
		{
			name: "conflicting mode toggle is rejected",
			delta: calibration.Delta{
				EnableModes:  calibration.FeatureCABC,
				DisableModes: calibration.FeatureCABC,
			},
			expectErr: true,
		},
		{
			name:      "temperature below range is rejected",
			delta:     calibration.Delta{Temperature: intPtr(-129)},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := calibration.NewStore(calibration.Defaults())
			before := store.Snapshot()

			st, err := store.Apply(tt.delta)
			if tt.expectErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, calibration.ErrInvalidArgument)
				assert.Equal(t, before, store.Snapshot(), "state must be unchanged on failure")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, st, store.Snapshot())
			tt.check(t, st)
		})
	}
}

func TestDelta_Features(t *testing.T) {
	assert.Equal(t, calibration.FeatureRGB, calibration.Delta{RGB: &calibration.RGB{}}.Features())
	assert.Equal(t, calibration.FeatureBrightness, calibration.Delta{Lux: intPtr(3)}.Features())
	assert.Equal(t, calibration.FeatureBrightness, calibration.Delta{AutoBrightness: boolPtr(true)}.Features())
	assert.Equal(t, calibration.FeaturePreset, calibration.Delta{Preset: intPtr(1)}.Features())
	assert.Equal(t, calibration.FeatureSRE, calibration.Delta{DisableModes: calibration.FeatureSRE}.Features())
}

func TestFeature_String(t *testing.T) {
	assert.Equal(t, "none", calibration.Feature(0).String())
	assert.Equal(t, "cabc|rgb", (calibration.FeatureCABC | calibration.FeatureRGB).String())
}

func TestStore_RecordIndices(t *testing.T) {
	store := calibration.NewStore(calibration.Defaults())
	store.RecordIndices(1, 2, 3, 4)
	st := store.Snapshot()
	assert.Equal(t, 1, st.ACLIndex)
	assert.Equal(t, 2, st.AIDIndex)
	assert.Equal(t, 3, st.ELVSSIndex)
	assert.Equal(t, 4, st.GammaIndex)
}

func TestState_Validate(t *testing.T) {
	require.NoError(t, calibration.Defaults().Validate())

	bad := calibration.Defaults()
	bad.G = 40000
	assert.ErrorIs(t, bad.Validate(), calibration.ErrInvalidArgument)
}

func TestStore_ConcurrentSnapshotsSeeWholeTriples(t *testing.T) {
	store := calibration.NewStore(calibration.Defaults())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint32) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := store.Apply(calibration.Delta{RGB: &calibration.RGB{R: v, G: v, B: v}})
				assert.NoError(t, err)
			}
		}(uint32(i * 1000))
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				st := store.Snapshot()
				assert.True(t, st.R == st.G && st.G == st.B, "torn rgb read: %d %d %d", st.R, st.G, st.B)
			}
		}()
	}
	wg.Wait()
}

func TestParseFeature(t *testing.T) {
	f, err := calibration.ParseFeature("color_enhance")
	require.NoError(t, err)
	assert.Equal(t, calibration.FeatureColorEnhance, f)

	_, err = calibration.ParseFeature("hdr")
	assert.ErrorIs(t, err, calibration.ErrInvalidArgument)
}
