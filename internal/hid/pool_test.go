package hid_test

import (
	"errors"
	"testing"

	"github.com/shini4i/livedisplayd/internal/hid"
	"github.com/shini4i/livedisplayd/internal/hid/mocks"
	"github.com/shini4i/livedisplayd/internal/panel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestPool_List_Empty(t *testing.T) {
	p := hid.NewPool()
	assert.Empty(t, p.List())
	assert.Equal(t, 0, p.Count())
}

func TestPool_Open_SharesBridge(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDevice := mocks.NewMockDevice(ctrl)
	mockDevice.EXPECT().Info().Return(hid.DeviceInfo{Serial: "LD0001", Product: "DSI Bridge"}).AnyTimes()
	mockDevice.EXPECT().Close().Return(nil).Times(1)

	opened := 0
	opener := func(serial string) (hid.Device, error) {
		opened++
		return mockDevice, nil
	}

	p := hid.NewPool(hid.WithOpener(opener))

	first, err := p.Open("LD0001")
	require.NoError(t, err)
	second, err := p.Open("LD0001")
	require.NoError(t, err)

	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, p.Count())
	infos := p.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "DSI Bridge", infos[0].Product)

	// The bridge stays open until the last handle is closed.
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())
	assert.Equal(t, 1, p.Count())

	require.NoError(t, second.Close())
	assert.Equal(t, 0, p.Count())
}

func TestPool_Open_FirstEnumerated(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDevice := mocks.NewMockDevice(ctrl)
	mockDevice.EXPECT().Info().Return(hid.DeviceInfo{Serial: "LD0002"}).AnyTimes()

	enumerator := func() ([]hid.DeviceInfo, error) {
		return []hid.DeviceInfo{{Serial: "LD0002"}, {Serial: "LD0003"}}, nil
	}
	var requested string
	opener := func(serial string) (hid.Device, error) {
		requested = serial
		return mockDevice, nil
	}

	p := hid.NewPool(hid.WithEnumerator(enumerator), hid.WithOpener(opener))
	h, err := p.Open("")
	require.NoError(t, err)
	assert.Equal(t, "LD0002", requested)
	assert.Equal(t, "LD0002", h.Serial())
}

func TestPool_Open_Errors(t *testing.T) {
	tests := []struct {
		name       string
		serial     string
		enumerator func() ([]hid.DeviceInfo, error)
		opener     func(string) (hid.Device, error)
		contains   string
	}{
		{
			name:   "enumeration fails",
			serial: "",
			enumerator: func() ([]hid.DeviceInfo, error) {
				return nil, errors.New("enumeration failed")
			},
			contains: "failed to enumerate",
		},
		{
			name:   "nothing connected",
			serial: "",
			enumerator: func() ([]hid.DeviceInfo, error) {
				return nil, nil
			},
			contains: "no panel bridge found",
		},
		{
			name:   "opener fails",
			serial: "LD0001",
			opener: func(string) (hid.Device, error) {
				return nil, errors.New("permission denied")
			},
			contains: "failed to open bridge LD0001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []hid.PoolOption
			if tt.enumerator != nil {
				opts = append(opts, hid.WithEnumerator(tt.enumerator))
			}
			if tt.opener != nil {
				opts = append(opts, hid.WithOpener(tt.opener))
			}
			p := hid.NewPool(opts...)

			h, err := p.Open(tt.serial)
			assert.Nil(t, h)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
			assert.Equal(t, 0, p.Count())
		})
	}
}

func TestPool_HandleSend(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDevice := mocks.NewMockDevice(ctrl)
	mockDevice.EXPECT().Info().Return(hid.DeviceInfo{Serial: "LD0001"}).AnyTimes()
	mockDevice.EXPECT().SendFeatureReport(gomock.Any()).Return(hid.ReportSize, nil)
	mockDevice.EXPECT().GetFeatureReport(gomock.Any()).Return(hid.ReportSize, nil)

	p := hid.NewPool(hid.WithOpener(func(string) (hid.Device, error) { return mockDevice, nil }))
	h, err := p.Open("LD0001")
	require.NoError(t, err)

	var sink panel.Sink = h
	require.NoError(t, sink.Send(panel.CommandBuffer{Commands: []panel.Command{{Op: panel.OpPCCDisable}}}))
}

func TestPool_Close(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDevice := mocks.NewMockDevice(ctrl)
	mockDevice.EXPECT().Info().Return(hid.DeviceInfo{Serial: "LD0001"}).AnyTimes()
	mockDevice.EXPECT().Close().Return(nil).Times(1)

	p := hid.NewPool(hid.WithOpener(func(string) (hid.Device, error) { return mockDevice, nil }))
	h, err := p.Open("LD0001")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.Count())

	// A handle outliving the pool is released without closing twice.
	require.NoError(t, h.Close())
}
