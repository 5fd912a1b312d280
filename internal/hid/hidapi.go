package hid

import (
	"fmt"

	karalabehid "github.com/karalabe/hid"
)

// HIDAPIDevice wraps a karalabe/hid device to implement the Device interface.
type HIDAPIDevice struct {
	device karalabehid.Device
	info   DeviceInfo
}

var _ Device = (*HIDAPIDevice)(nil)

// NewHIDAPIDevice creates a new HIDAPIDevice from an open hid.Device.
func NewHIDAPIDevice(device karalabehid.Device, info DeviceInfo) *HIDAPIDevice {
	return &HIDAPIDevice{
		device: device,
		info:   info,
	}
}

// GetFeatureReport reads a feature report from the device.
func (d *HIDAPIDevice) GetFeatureReport(data []byte) (int, error) {
	return d.device.GetFeatureReport(data)
}

// SendFeatureReport writes a feature report to the device.
func (d *HIDAPIDevice) SendFeatureReport(data []byte) (int, error) {
	return d.device.SendFeatureReport(data)
}

// Close closes the device handle.
func (d *HIDAPIDevice) Close() error {
	return d.device.Close()
}

// Info returns information about the device.
func (d *HIDAPIDevice) Info() DeviceInfo {
	return d.info
}

func toDeviceInfo(d karalabehid.DeviceInfo) DeviceInfo {
	return DeviceInfo{
		Path:         d.Path,
		VendorID:     d.VendorID,
		ProductID:    d.ProductID,
		Serial:       d.Serial,
		Manufacturer: d.Manufacturer,
		Product:      d.Product,
		Interface:    d.Interface,
	}
}

// EnumerateBridges returns every connected command bridge.
func EnumerateBridges() ([]DeviceInfo, error) {
	devices, err := karalabehid.Enumerate(BridgeVendorID, BridgeProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate HID devices: %w", err)
	}

	var bridges []DeviceInfo
	for _, device := range devices {
		if device.Interface == CommandInterface {
			bridges = append(bridges, toDeviceInfo(device))
		}
	}
	return bridges, nil
}

// OpenBridge opens a command bridge by serial number.
// If serial is empty, opens the first available bridge.
func OpenBridge(serial string) (*HIDAPIDevice, error) {
	devices, err := karalabehid.Enumerate(BridgeVendorID, BridgeProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	for _, deviceInfo := range devices {
		if deviceInfo.Interface != CommandInterface {
			continue
		}
		if serial != "" && deviceInfo.Serial != serial {
			continue
		}

		device, err := deviceInfo.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open bridge %s: %w", deviceInfo.Serial, err)
		}
		return NewHIDAPIDevice(device, toDeviceInfo(deviceInfo)), nil
	}

	if serial != "" {
		return nil, fmt.Errorf("bridge with serial %s not found", serial)
	}
	return nil, fmt.Errorf("no panel bridge found")
}
