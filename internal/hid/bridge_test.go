package hid_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shini4i/livedisplayd/internal/calibration"
	"github.com/shini4i/livedisplayd/internal/hid"
	"github.com/shini4i/livedisplayd/internal/hid/mocks"
	"github.com/shini4i/livedisplayd/internal/panel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// ackStatus answers a status report read with the given status byte.
func ackStatus(status byte) func(data []byte) (int, error) {
	return func(data []byte) (int, error) {
		data[1] = status
		return hid.ReportSize, nil
	}
}

func TestBridge_Send(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDevice := mocks.NewMockDevice(ctrl)

	buf := panel.CommandBuffer{
		Kind: calibration.FeatureRGB,
		Commands: []panel.Command{
			{Op: panel.OpPCCEnableWrite, Block: 0x10, Coeffs: [3]uint32{25828, 17347, 32768}},
			{Op: panel.OpDCSWrite, Payload: []byte{0x55, 0x01}, Wait: 5 * time.Millisecond},
		},
	}

	gomock.InOrder(
		mockDevice.EXPECT().SendFeatureReport(gomock.Any()).DoAndReturn(
			func(data []byte) (int, error) {
				require.Len(t, data, hid.ReportSize)
				assert.Equal(t, hid.CommandReportID, data[0], "report ID should be 0x02")
				assert.Equal(t, byte(panel.OpPCCEnableWrite), data[1])
				assert.Equal(t, byte(13), data[2], "payload length")
				assert.Equal(t, byte(0x10), data[3], "block")
				assert.Equal(t, []byte{0xE4, 0x64, 0x00, 0x00}, data[4:8], "red coefficient")
				assert.Equal(t, make([]byte, hid.ReportSize-18), data[18:], "zero padding")
				return hid.ReportSize, nil
			},
		),
		mockDevice.EXPECT().GetFeatureReport(gomock.Any()).DoAndReturn(
			func(data []byte) (int, error) {
				assert.Equal(t, hid.StatusReportID, data[0], "status report ID should be 0x03")
				return hid.ReportSize, nil
			},
		),
		mockDevice.EXPECT().SendFeatureReport(gomock.Any()).DoAndReturn(
			func(data []byte) (int, error) {
				assert.Equal(t, []byte{0x02, 0x03, 0x02, 0x55, 0x01, 0x05, 0x00}, data[:7])
				return hid.ReportSize, nil
			},
		),
		mockDevice.EXPECT().GetFeatureReport(gomock.Any()).DoAndReturn(ackStatus(0x00)),
	)

	bridge := hid.NewBridge(mockDevice)
	require.NoError(t, bridge.Send(buf))
}

func TestBridge_Send_Errors(t *testing.T) {
	rgb := panel.CommandBuffer{
		Kind: calibration.FeatureRGB,
		Commands: []panel.Command{
			{Op: panel.OpPCCDisable},
			{Op: panel.OpPCCDisable},
		},
	}

	tests := []struct {
		name      string
		buf       panel.CommandBuffer
		setupMock func(m *mocks.MockDevice)
		expected  error
	}{
		{
			name: "send fails",
			buf:  rgb,
			setupMock: func(m *mocks.MockDevice) {
				m.EXPECT().SendFeatureReport(gomock.Any()).Return(0, errors.New("device error"))
			},
		},
		{
			name: "status read fails",
			buf:  rgb,
			setupMock: func(m *mocks.MockDevice) {
				m.EXPECT().SendFeatureReport(gomock.Any()).Return(hid.ReportSize, nil)
				m.EXPECT().GetFeatureReport(gomock.Any()).Return(0, errors.New("device error"))
			},
		},
		{
			name: "bridge rejects command and stops",
			buf:  rgb,
			setupMock: func(m *mocks.MockDevice) {
				m.EXPECT().SendFeatureReport(gomock.Any()).Return(hid.ReportSize, nil).Times(1)
				m.EXPECT().GetFeatureReport(gomock.Any()).DoAndReturn(ackStatus(0x04)).Times(1)
			},
		},
		{
			name: "frame too large for one report",
			buf: panel.CommandBuffer{
				Kind:     calibration.FeatureBrightness,
				Commands: []panel.Command{{Op: panel.OpDCSWrite, Payload: make([]byte, 60)}},
			},
			setupMock: func(*mocks.MockDevice) {},
			expected:  hid.ErrFrameTooLarge,
		},
		{
			name: "unknown op",
			buf: panel.CommandBuffer{
				Kind:     calibration.FeatureBrightness,
				Commands: []panel.Command{{Op: panel.Op(0x7f)}},
			},
			setupMock: func(*mocks.MockDevice) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			mockDevice := mocks.NewMockDevice(ctrl)
			tt.setupMock(mockDevice)

			err := hid.NewBridge(mockDevice).Send(tt.buf)
			require.Error(t, err)
			if tt.expected != nil {
				assert.ErrorIs(t, err, tt.expected)
			}
		})
	}
}

func TestBridge_Serial(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDevice := mocks.NewMockDevice(ctrl)
	mockDevice.EXPECT().Info().Return(hid.DeviceInfo{Serial: "LD0001"})

	assert.Equal(t, "LD0001", hid.NewBridge(mockDevice).Serial())
}

func TestBridge_Send_AfterClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDevice := mocks.NewMockDevice(ctrl)
	mockDevice.EXPECT().Close().Return(nil)

	bridge := hid.NewBridge(mockDevice)
	require.NoError(t, bridge.Close())

	err := bridge.Send(panel.CommandBuffer{Commands: []panel.Command{{Op: panel.OpPCCDisable}}})
	assert.ErrorIs(t, err, hid.ErrBridgeClosed)
}

func TestBridge_Close_Idempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockDevice := mocks.NewMockDevice(ctrl)
	mockDevice.EXPECT().Close().Return(nil).Times(1)

	bridge := hid.NewBridge(mockDevice)
	require.NoError(t, bridge.Close())
	require.NoError(t, bridge.Close())
}
