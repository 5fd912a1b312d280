package hid

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shini4i/livedisplayd/internal/panel"
)

const (
	// CommandReportID is the feature report carrying one encoded command.
	CommandReportID byte = 0x02

	// StatusReportID is the feature report holding the result of the last command.
	StatusReportID byte = 0x03

	// ReportSize is the size of every feature report, report ID included.
	ReportSize = 64

	// BridgeVendorID is the USB vendor ID of the command bridge.
	BridgeVendorID uint16 = 0x1209

	// BridgeProductID is the USB product ID of the command bridge.
	BridgeProductID uint16 = 0x4c44

	// CommandInterface is the USB interface number accepting commands.
	CommandInterface = 0x00
)

// statusOK is the status byte of an accepted command.
const statusOK byte = 0x00

// ErrBridgeClosed is returned when an operation is attempted on a closed bridge.
var ErrBridgeClosed = errors.New("bridge is closed")

// ErrFrameTooLarge is returned for commands that do not fit one report.
var ErrFrameTooLarge = errors.New("encoded command does not fit in a report")

// Bridge sends panel command buffers through a HID bridge. Each command is
// one feature report, acknowledged through the status report before the
// next one is sent. All methods are safe for concurrent use.
type Bridge struct {
	device Device
	mu     sync.Mutex
	closed bool
}

var _ panel.Sink = (*Bridge)(nil)

// NewBridge creates a Bridge wrapping the given HID device.
func NewBridge(device Device) *Bridge {
	return &Bridge{device: device}
}

// Send writes every command of buf in order and stops at the first failure.
func (b *Bridge) Send(buf panel.CommandBuffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBridgeClosed
	}

	for i, cmd := range buf.Commands {
		if err := b.sendLocked(cmd); err != nil {
			return fmt.Errorf("command %d (%s): %w", i, cmd.Op, err)
		}
	}
	return nil
}

func (b *Bridge) sendLocked(cmd panel.Command) error {
	frame, err := panel.Encode(cmd)
	if err != nil {
		return err
	}
	if len(frame) > ReportSize-1 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	data := make([]byte, ReportSize)
	data[0] = CommandReportID
	copy(data[1:], frame)

	if _, err := b.device.SendFeatureReport(data); err != nil {
		return fmt.Errorf("failed to send feature report: %w", err)
	}

	status := make([]byte, ReportSize)
	status[0] = StatusReportID
	if _, err := b.device.GetFeatureReport(status); err != nil {
		return fmt.Errorf("failed to get feature report: %w", err)
	}
	if status[1] != statusOK {
		return fmt.Errorf("bridge rejected command: status 0x%02x", status[1])
	}
	return nil
}

// Serial returns the serial number of the bridge.
// This method does not require locking as device info is immutable.
func (b *Bridge) Serial() string {
	return b.device.Info().Serial
}

// Close closes the underlying HID device.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.device.Close()
}
