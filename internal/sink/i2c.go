// Package sink provides panel command sinks that do not go through HID.
package sink

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/shini4i/livedisplayd/internal/panel"
)

// ErrClosed is returned when sending through a closed sink.
var ErrClosed = errors.New("sink is closed")

// I2C writes one encoded command per I²C transaction to a DSI bridge.
type I2C struct {
	c      conn.Conn
	closer io.Closer
	mu     sync.Mutex
	closed bool
}

var _ panel.Sink = (*I2C)(nil)

// NewI2C wraps an open connection. closer, if not nil, is closed with the
// sink.
func NewI2C(c conn.Conn, closer io.Closer) *I2C {
	return &I2C{c: c, closer: closer}
}

// OpenI2C initializes the host drivers and opens the bridge at addr on the
// named bus. An empty bus name selects the first bus.
func OpenI2C(bus string, addr uint16) (*I2C, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	b, err := i2creg.Open(bus)
	if err != nil {
		return nil, fmt.Errorf("failed to open i2c bus %q: %w", bus, err)
	}
	return NewI2C(&i2c.Dev{Bus: b, Addr: addr}, b), nil
}

// Send writes every command of buf in order and stops at the first failure.
func (s *I2C) Send(buf panel.CommandBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	for i, cmd := range buf.Commands {
		frame, err := panel.Encode(cmd)
		if err != nil {
			return fmt.Errorf("command %d (%s): %w", i, cmd.Op, err)
		}
		if err := s.c.Tx(frame, nil); err != nil {
			return fmt.Errorf("command %d (%s): i2c write to %s: %w", i, cmd.Op, s.c, err)
		}
	}
	return nil
}

// Close releases the bus.
func (s *I2C) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
