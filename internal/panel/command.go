// Package panel translates calibration state into ordered command buffers for
// a display controller.
package panel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shini4i/livedisplayd/internal/calibration"
)

// Op identifies the kind of a Command.
type Op uint8

const (
	// OpPCCDisable turns the polynomial color-correction block off.
	OpPCCDisable Op = 0x01
	// OpPCCEnableWrite enables color correction and writes the coefficients.
	OpPCCEnableWrite Op = 0x02
	// OpDCSWrite sends a raw DCS long write to the panel.
	OpDCSWrite Op = 0x03
)

func (o Op) String() string {
	switch o {
	case OpPCCDisable:
		return "pcc-disable"
	case OpPCCEnableWrite:
		return "pcc-enable-write"
	case OpDCSWrite:
		return "dcs-write"
	default:
		return fmt.Sprintf("op(0x%02x)", uint8(o))
	}
}

// ErrPayloadTooLong is returned when a command does not fit the bridge frame.
var ErrPayloadTooLong = errors.New("command payload too long")

// Command is a single hardware command descriptor.
type Command struct {
	Op Op
	// Block is the display block addressed by PCC commands.
	Block uint8
	// Coeffs carries r, g, b for OpPCCEnableWrite.
	Coeffs [3]uint32
	// Payload is the DCS byte sequence for OpDCSWrite.
	Payload []byte
	// Wait is how long the controller should settle after the command.
	Wait time.Duration
}

func (c Command) String() string {
	switch c.Op {
	case OpPCCEnableWrite:
		return fmt.Sprintf("%s[%d %d %d]", c.Op, c.Coeffs[0], c.Coeffs[1], c.Coeffs[2])
	case OpDCSWrite:
		return fmt.Sprintf("%s[% X]", c.Op, c.Payload)
	default:
		return c.Op.String()
	}
}

// CommandBuffer is the ordered command list for one subsystem of one update.
// It is produced, sent and discarded within a single update cycle.
type CommandBuffer struct {
	Kind     calibration.Feature
	Commands []Command
}

func (b CommandBuffer) String() string {
	parts := make([]string, len(b.Commands))
	for i, c := range b.Commands {
		parts[i] = c.String()
	}
	return fmt.Sprintf("%s{%s}", b.Kind, strings.Join(parts, ", "))
}

// maxFramePayload is the largest payload that fits the one-byte length field.
const maxFramePayload = 255

// Encode serializes a command into the bridge frame format:
// op, payload length, payload, little-endian uint16 wait in milliseconds.
func Encode(c Command) ([]byte, error) {
	var payload []byte
	switch c.Op {
	case OpPCCDisable:
		payload = []byte{c.Block}
	case OpPCCEnableWrite:
		payload = make([]byte, 13)
		payload[0] = c.Block
		binary.LittleEndian.PutUint32(payload[1:5], c.Coeffs[0])
		binary.LittleEndian.PutUint32(payload[5:9], c.Coeffs[1])
		binary.LittleEndian.PutUint32(payload[9:13], c.Coeffs[2])
	case OpDCSWrite:
		payload = c.Payload
	default:
		return nil, fmt.Errorf("unknown op %s", c.Op)
	}
	if len(payload) > maxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(payload))
	}

	wait := c.Wait.Milliseconds()
	if wait > 0xFFFF {
		wait = 0xFFFF
	}

	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, byte(c.Op), byte(len(payload)))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(wait))
	return frame, nil
}
