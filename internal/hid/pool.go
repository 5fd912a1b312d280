// SPDX-License-Identifier: GPL-3.0-only

package hid

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/shini4i/livedisplayd/internal/panel"
)

type pooledBridge struct {
	bridge *Bridge
	info   DeviceInfo
	refs   int
}

// Pool shares open bridges between the panels behind them. A bridge is
// opened on first use and closed when its last handle is closed.
type Pool struct {
	bridges    map[string]*pooledBridge // serial -> bridge
	mu         sync.Mutex
	enumerator func() ([]DeviceInfo, error)
	opener     func(serial string) (Device, error)
}

// PoolOption is a functional option for configuring a Pool.
type PoolOption func(*Pool)

// WithEnumerator sets a custom device enumerator for testing.
func WithEnumerator(fn func() ([]DeviceInfo, error)) PoolOption {
	return func(p *Pool) {
		p.enumerator = fn
	}
}

// WithOpener sets a custom device opener for testing.
func WithOpener(fn func(serial string) (Device, error)) PoolOption {
	return func(p *Pool) {
		p.opener = fn
	}
}

// NewPool creates an empty bridge pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		bridges:    make(map[string]*pooledBridge),
		enumerator: EnumerateBridges,
		opener:     defaultOpener,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultOpener(serial string) (Device, error) {
	return OpenBridge(serial)
}

// Open returns a handle to the bridge with the given serial, opening it if
// needed. An empty serial selects the first enumerated bridge.
func (p *Pool) Open(serial string) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if serial == "" {
		infos, err := p.enumerator()
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate bridges: %w", err)
		}
		if len(infos) == 0 {
			return nil, fmt.Errorf("no panel bridge found")
		}
		serial = infos[0].Serial
	}

	pb, ok := p.bridges[serial]
	if !ok {
		device, err := p.opener(serial)
		if err != nil {
			return nil, fmt.Errorf("failed to open bridge %s: %w", serial, err)
		}
		pb = &pooledBridge{bridge: NewBridge(device), info: device.Info()}
		p.bridges[serial] = pb
		log.Info().Str("serial", serial).Str("product", pb.info.Product).Msg("Bridge connected")
	}
	pb.refs++
	return &Handle{pool: p, serial: serial, bridge: pb.bridge}, nil
}

func (p *Pool) release(serial string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pb, ok := p.bridges[serial]
	if !ok {
		return nil
	}
	pb.refs--
	if pb.refs > 0 {
		return nil
	}
	delete(p.bridges, serial)
	log.Info().Str("serial", serial).Msg("Bridge released")
	return pb.bridge.Close()
}

// List returns information about all open bridges.
func (p *Pool) List() []DeviceInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]DeviceInfo, 0, len(p.bridges))
	for _, pb := range p.bridges {
		infos = append(infos, pb.info)
	}
	return infos
}

// Count returns the number of open bridges.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bridges)
}

// Close closes every open bridge regardless of outstanding handles.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for serial, pb := range p.bridges {
		if err := pb.bridge.Close(); err != nil {
			log.Error().Err(err).Str("serial", serial).Msg("Failed to close bridge")
		}
		delete(p.bridges, serial)
	}
	return nil
}

// Handle is one panel's reference to a pooled bridge.
type Handle struct {
	pool   *Pool
	serial string
	bridge *Bridge
	once   sync.Once
}

var _ panel.Sink = (*Handle)(nil)

// Send forwards buf to the shared bridge.
func (h *Handle) Send(buf panel.CommandBuffer) error {
	return h.bridge.Send(buf)
}

// Serial returns the serial number of the bridge.
func (h *Handle) Serial() string {
	return h.serial
}

// Close drops this reference. Closing twice is a no-op.
func (h *Handle) Close() error {
	var err error
	h.once.Do(func() {
		err = h.pool.release(h.serial)
	})
	return err
}
