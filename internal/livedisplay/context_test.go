package livedisplay_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shini4i/livedisplayd/internal/brightness"
	"github.com/shini4i/livedisplayd/internal/calibration"
	"github.com/shini4i/livedisplayd/internal/livedisplay"
	"github.com/shini4i/livedisplayd/internal/panel"
	"github.com/shini4i/livedisplayd/internal/panel/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// recordingSink records every buffer and fails if two sends overlap.
type recordingSink struct {
	mu       sync.Mutex
	bufs     []panel.CommandBuffer
	inflight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
	fail     error
}

func (s *recordingSink) Send(buf panel.CommandBuffer) error {
	if s.inflight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inflight.Add(-1)

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufs = append(s.bufs, buf)
	return s.fail
}

func (s *recordingSink) sent() []panel.CommandBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]panel.CommandBuffer(nil), s.bufs...)
}

func mdssDefinition() *panel.Definition {
	return &panel.Definition{Name: "fb0", Defaults: calibration.Defaults()}
}

func dimmingDefinition(t *testing.T) *panel.Definition {
	t.Helper()
	bm, err := brightness.NewMap([]brightness.Bucket{
		{Threshold: 0, Index: 0},
		{Threshold: 128, Index: 1},
	})
	require.NoError(t, err)
	return &panel.Definition{
		Name:          "fb0",
		BrightnessMap: bm,
		Rows: []panel.DimmingRow{
			{Candela: 10},
			{Candela: 300, ACL: 1, AID: 1, ELVSS: 1, Gamma: 1},
		},
		AID:   [][]byte{{0xB2, 0x00}, {0xB2, 0x01}},
		ELVSS: [][]byte{{0xB6, 0x00}, {0xB6, 0x01}},
		ACL:   [][]byte{{0x55, 0x00}, {0x55, 0x02}},
		Gamma: panel.GammaTable{{0xCA, 0x00}, {0xCA, 0x01}},
		Modes: map[calibration.Feature]panel.Toggle{
			calibration.FeatureCABC: {On: [][]byte{{0x55, 0x03}}, Off: [][]byte{{0x55, 0x00}}},
		},
		Defaults: calibration.Defaults(),
	}
}

func probe(t *testing.T, def *panel.Definition, sink panel.Sink) *livedisplay.Context {
	t.Helper()
	m := livedisplay.NewManager(livedisplay.WithSinkOpener(func(*panel.Definition) (panel.Sink, error) {
		return sink, nil
	}))
	ctx, err := m.Probe(def)
	require.NoError(t, err)
	return ctx
}

func rgbDelta(r, g, b uint32) calibration.Delta {
	return calibration.Delta{RGB: &calibration.RGB{R: r, G: g, B: b}}
}

func TestContext_UpdateWhileOffIsDeferredAndReappliedOnUnblank(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sink := mocks.NewMockSink(ctrl)
	ctx := probe(t, mdssDefinition(), sink)

	st := ctx.Snapshot()
	assert.Equal(t, [3]uint32{32768, 32768, 32768}, [3]uint32{st.R, st.G, st.B})

	// No EXPECT yet: any hardware call while off fails the test.
	require.NoError(t, ctx.Apply(rgbDelta(25828, 17347, 32768)))

	st = ctx.Snapshot()
	assert.Equal(t, [3]uint32{25828, 17347, 32768}, [3]uint32{st.R, st.G, st.B})
	power, pending := ctx.Power()
	assert.Equal(t, livedisplay.PowerOff, power)
	assert.True(t, pending)

	sink.EXPECT().Send(gomock.Any()).DoAndReturn(func(buf panel.CommandBuffer) error {
		require.Len(t, buf.Commands, 1)
		assert.Equal(t, panel.OpPCCEnableWrite, buf.Commands[0].Op)
		assert.Equal(t, [3]uint32{25828, 17347, 32768}, buf.Commands[0].Coeffs)
		return nil
	}).Times(1)

	require.NoError(t, ctx.HandleEvent(livedisplay.EventUnblank))

	power, pending = ctx.Power()
	assert.Equal(t, livedisplay.PowerOnInteractive, power)
	assert.False(t, pending)
}

func TestContext_ReapplyCarriesLastWrittenValues(t *testing.T) {
	sink := &recordingSink{}
	ctx := probe(t, mdssDefinition(), sink)

	require.NoError(t, ctx.HandleEvent(livedisplay.EventUnblank))
	require.NoError(t, ctx.HandleEvent(livedisplay.EventLowPower))
	before := len(sink.sent())

	require.NoError(t, ctx.Apply(rgbDelta(1, 2, 3)))
	require.NoError(t, ctx.Apply(rgbDelta(4, 5, 6)))
	assert.Len(t, sink.sent(), before, "no writes while non-interactive")

	require.NoError(t, ctx.HandleEvent(livedisplay.EventUnblank))
	sent := sink.sent()[before:]
	require.Len(t, sent, 1, "exactly one reapply")
	assert.Equal(t, [3]uint32{4, 5, 6}, sent[0].Commands[0].Coeffs)
}

func TestContext_ApplyWhileInteractiveWritesOnlyTouchedSubsystem(t *testing.T) {
	sink := &recordingSink{}
	ctx := probe(t, dimmingDefinition(t), sink)
	require.NoError(t, ctx.HandleEvent(livedisplay.EventUnblank))

	full := sink.sent()
	require.Len(t, full, 3, "full reapply sends color, brightness and modes")
	assert.Equal(t, calibration.FeatureRGB, full[0].Kind)
	assert.Equal(t, calibration.FeatureBrightness, full[1].Kind)
	assert.Equal(t, calibration.FeatureCABC, full[2].Kind)

	level := 10
	require.NoError(t, ctx.Apply(calibration.Delta{BrightnessLevel: &level}))
	sent := sink.sent()[3:]
	require.Len(t, sent, 1)
	assert.Equal(t, calibration.FeatureBrightness, sent[0].Kind)

	st := ctx.Snapshot()
	assert.Equal(t, 0, st.AIDIndex, "resolved indices are recorded")
}

func TestContext_RejectedWriteLeavesStateUnchanged(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sink := mocks.NewMockSink(ctrl)
	ctx := probe(t, mdssDefinition(), sink)

	before := ctx.Snapshot()
	err := ctx.Apply(rgbDelta(32769, 0, 0))
	assert.ErrorIs(t, err, calibration.ErrInvalidArgument)
	assert.Equal(t, before, ctx.Snapshot())
}

func TestContext_HardwareFailureKeepsStateAndRetries(t *testing.T) {
	sink := &recordingSink{}
	ctx := probe(t, mdssDefinition(), sink)
	require.NoError(t, ctx.HandleEvent(livedisplay.EventUnblank))

	sink.fail = errors.New("dsi timeout")
	err := ctx.Apply(rgbDelta(100, 200, 300))
	require.Error(t, err)
	assert.ErrorIs(t, err, calibration.ErrHardwareSink)

	st := ctx.Snapshot()
	assert.Equal(t, [3]uint32{100, 200, 300}, [3]uint32{st.R, st.G, st.B}, "logical state reflects the request")
	_, pending := ctx.Power()
	assert.True(t, pending)

	sink.fail = nil
	require.NoError(t, ctx.HandleEvent(livedisplay.EventBlank))
	require.NoError(t, ctx.HandleEvent(livedisplay.EventUnblank))

	sent := sink.sent()
	last := sent[len(sent)-1]
	assert.Equal(t, [3]uint32{100, 200, 300}, last.Commands[0].Coeffs)
	_, pending = ctx.Power()
	assert.False(t, pending)
}

func TestContext_TransitionStandsWhenReapplyFails(t *testing.T) {
	sink := &recordingSink{fail: errors.New("bus error")}
	ctx := probe(t, mdssDefinition(), sink)

	err := ctx.HandleEvent(livedisplay.EventUnblank)
	assert.ErrorIs(t, err, calibration.ErrHardwareSink)
	power, pending := ctx.Power()
	assert.Equal(t, livedisplay.PowerOnInteractive, power)
	assert.True(t, pending)
}

func TestContext_TranslatorErrorSkipsUpdate(t *testing.T) {
	def := dimmingDefinition(t)
	def.Rows = def.Rows[:1] // level 255 resolves row 1, which no longer exists

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	sink := mocks.NewMockSink(ctrl)
	ctx := probe(t, def, sink)

	// The full reapply fails in translation, so nothing reaches the sink.
	err := ctx.HandleEvent(livedisplay.EventUnblank)
	assert.ErrorIs(t, err, calibration.ErrInvalidState)
	power, pending := ctx.Power()
	assert.Equal(t, livedisplay.PowerOnInteractive, power)
	assert.True(t, pending, "the skipped reapply stays pending")

	level := 200
	err = ctx.Apply(calibration.Delta{BrightnessLevel: &level})
	assert.ErrorIs(t, err, calibration.ErrInvalidState)
	assert.Equal(t, 200, ctx.Snapshot().BrightnessLevel, "state stays as requested")
	assert.True(t, ctx.Pending())
}

func TestContext_TranslatorErrorOnInteractiveApplyMarksPending(t *testing.T) {
	def := dimmingDefinition(t)
	sink := &recordingSink{}
	ctx := probe(t, def, sink)
	require.NoError(t, ctx.HandleEvent(livedisplay.EventUnblank))
	require.False(t, ctx.Pending())

	// Drop the row that level 200 resolves to after the panel is up.
	def.Rows = def.Rows[:1]
	level := 200
	err := ctx.Apply(calibration.Delta{BrightnessLevel: &level})
	assert.ErrorIs(t, err, calibration.ErrInvalidState)
	assert.True(t, ctx.Pending())
}

func TestContext_UnblankWhileInteractiveDoesNotReapply(t *testing.T) {
	sink := &recordingSink{}
	ctx := probe(t, mdssDefinition(), sink)

	require.NoError(t, ctx.HandleEvent(livedisplay.EventUnblank))
	require.NoError(t, ctx.HandleEvent(livedisplay.EventUnblank))
	assert.Len(t, sink.sent(), 1)
}

func TestContext_ConcurrentUpdatesNeverInterleave(t *testing.T) {
	sink := &recordingSink{delay: 200 * time.Microsecond}
	ctx := probe(t, dimmingDefinition(t), sink)
	require.NoError(t, ctx.HandleEvent(livedisplay.EventUnblank))

	const callers = 8
	const rounds = 10

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if i%2 == 0 {
					assert.NoError(t, ctx.RequestUpdate(calibration.FeatureAll))
				} else {
					v := uint32(i*100 + j)
					assert.NoError(t, ctx.Apply(rgbDelta(v, v, v)))
				}
				_ = ctx.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	assert.False(t, sink.overlap.Load(), "two sends were in flight at once")

	// Every full update is an rgb, brightness, cabc triple with nothing
	// from another request in between; everything else is a lone rgb.
	sent := sink.sent()
	var full, single int
	for i := 0; i < len(sent); {
		if i+2 < len(sent) && sent[i].Kind == calibration.FeatureRGB &&
			sent[i+1].Kind == calibration.FeatureBrightness && sent[i+2].Kind == calibration.FeatureCABC {
			full++
			i += 3
			continue
		}
		assert.Equal(t, calibration.FeatureRGB, sent[i].Kind, "unexpected buffer %s at %d", sent[i].Kind, i)
		single++
		i++
	}
	assert.Equal(t, 1+callers/2*rounds, full, "full updates")
	assert.Equal(t, callers/2*rounds, single, "rgb-only updates")
}

func TestContext_Listeners(t *testing.T) {
	var (
		mu     sync.Mutex
		states []calibration.Feature
		powers []livedisplay.PowerState
	)
	listener := livedisplay.ListenerFuncs{
		State: func(name string, st calibration.State, changed calibration.Feature) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, changed)
		},
		Power: func(name string, ps livedisplay.PowerState) {
			mu.Lock()
			defer mu.Unlock()
			powers = append(powers, ps)
		},
	}

	sink := &recordingSink{}
	m := livedisplay.NewManager(
		livedisplay.WithSinkOpener(func(*panel.Definition) (panel.Sink, error) { return sink, nil }),
		livedisplay.WithListener(listener),
	)
	ctx, err := m.Probe(mdssDefinition())
	require.NoError(t, err)

	require.NoError(t, ctx.Apply(rgbDelta(1, 1, 1)))
	require.Error(t, ctx.Apply(rgbDelta(99999, 1, 1)))
	require.NoError(t, ctx.HandleEvent(livedisplay.EventUnblank))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []calibration.Feature{calibration.FeatureRGB}, states)
	assert.Equal(t, []livedisplay.PowerState{livedisplay.PowerOnNonInteractive, livedisplay.PowerOnInteractive}, powers)
}

func TestContext_ListenerMayCallBack(t *testing.T) {
	sink := &recordingSink{}
	m := livedisplay.NewManager(livedisplay.WithSinkOpener(func(*panel.Definition) (panel.Sink, error) { return sink, nil }))
	ctx, err := m.Probe(mdssDefinition())
	require.NoError(t, err)

	done := make(chan struct{})
	m.Subscribe(livedisplay.ListenerFuncs{
		Power: func(name string, ps livedisplay.PowerState) {
			// Would deadlock if called with the context lock held.
			_, _ = ctx.Power()
			if ps == livedisplay.PowerOnInteractive {
				close(done)
			}
		},
	})

	require.NoError(t, ctx.HandleEvent(livedisplay.EventUnblank))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not run")
	}
}

func ExampleContext_HandleEvent() {
	m := livedisplay.NewManager(livedisplay.WithSinkOpener(func(*panel.Definition) (panel.Sink, error) {
		return panel.SinkFunc(func(buf panel.CommandBuffer) error {
			fmt.Println(buf)
			return nil
		}), nil
	}))
	ctx, _ := m.Probe(&panel.Definition{Name: "fb0"})

	_ = ctx.Apply(calibration.Delta{RGB: &calibration.RGB{R: 32768, G: 25828, B: 17347}})
	_ = ctx.HandleEvent(livedisplay.EventUnblank)
	// Output: rgb{pcc-enable-write[32768 25828 17347]}
}
