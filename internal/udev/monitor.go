// Package udev delivers panel power events from kernel uevents via netlink.
package udev

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"syscall"

	"github.com/pilebones/go-udev/netlink"
	"github.com/rs/zerolog/log"

	"github.com/shini4i/livedisplayd/internal/livedisplay"
)

const (
	// netlinkBufferSize is the receive buffer size for the netlink socket.
	// A larger buffer prevents ENOBUFS errors when a display resumes and
	// every connector reports at once.
	netlinkBufferSize = 2 * 1024 * 1024 // 2 MB
)

const (
	// PowerKey is the uevent variable carrying the panel event name.
	PowerKey = "PANEL_POWER"

	// NameKey is the uevent variable naming the panel. When absent the
	// device name is used.
	NameKey = "PANEL_NAME"

	// subsystemPattern matches the subsystems panel drivers report on.
	subsystemPattern = "^(graphics|drm)$"
)

// EventHandler is called for every panel power event.
type EventHandler func(panel string, ev livedisplay.Event)

// RemoveHandler is called when a panel device disappears.
type RemoveHandler func(panel string)

// RecoveryHandler is called when the monitor recovers from an error condition
// (e.g., netlink buffer overflow) and events may have been lost.
type RecoveryHandler func()

// Monitor watches for panel power and removal uevents.
type Monitor struct {
	conn            *netlink.UEventConn
	handler         EventHandler
	removeHandler   RemoveHandler
	recoveryHandler RecoveryHandler
	quit            chan struct{}
	stopped         bool
	mu              sync.Mutex
}

// NewMonitor creates a new udev monitor with the given event handler.
func NewMonitor(handler EventHandler) *Monitor {
	return &Monitor{
		handler: handler,
	}
}

// SetRemoveHandler sets the handler called when a panel device is removed.
func (m *Monitor) SetRemoveHandler(handler RemoveHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeHandler = handler
}

// SetRecoveryHandler sets the handler called when the monitor recovers from errors.
// This should reapply every interactive panel, since power events may have been missed.
func (m *Monitor) SetRecoveryHandler(handler RecoveryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveryHandler = handler
}

// Start begins monitoring for panel events.
// This method is non-blocking; events are processed in a background goroutine.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return fmt.Errorf("monitor already started")
	}

	m.conn = &netlink.UEventConn{}
	if err := m.conn.Connect(netlink.UdevEvent); err != nil {
		m.conn = nil
		return fmt.Errorf("failed to connect to netlink: %w", err)
	}

	if err := setSocketBufferSize(m.conn.Fd, netlinkBufferSize); err != nil {
		log.Warn().Err(err).Int("size", netlinkBufferSize).Msg("Failed to set netlink buffer size")
		// Continue anyway - the default buffer may still work for most cases
	} else {
		log.Debug().Int("size", netlinkBufferSize).Msg("Netlink socket buffer size configured")
	}

	queue := make(chan netlink.UEvent)
	errs := make(chan error)

	m.quit = m.conn.Monitor(queue, errs, m.createMatcher())
	m.stopped = false

	go m.processEvents(queue, errs)

	log.Info().Msg("udev monitor started")
	return nil
}

// Stop stops the monitor and releases resources.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || m.stopped {
		return nil
	}

	m.stopped = true

	// Signal the monitor goroutine to stop
	select {
	case m.quit <- struct{}{}:
	default:
	}

	if err := m.conn.Close(); err != nil {
		return fmt.Errorf("failed to close netlink connection: %w", err)
	}

	m.conn = nil
	log.Info().Msg("udev monitor stopped")
	return nil
}

// createMatcher matches power changes and removals of panel devices.
func (m *Monitor) createMatcher() *netlink.RuleDefinitions {
	rules := &netlink.RuleDefinitions{}

	changeAction := "change"
	removeAction := "remove"

	rules.AddRule(netlink.RuleDefinition{
		Action: &changeAction,
		Env: map[string]string{
			"SUBSYSTEM": subsystemPattern,
			PowerKey:    "^[A-Za-z]+$",
		},
	})

	rules.AddRule(netlink.RuleDefinition{
		Action: &removeAction,
		Env: map[string]string{
			"SUBSYSTEM": subsystemPattern,
		},
	})

	return rules
}

// processEvents handles incoming udev events.
func (m *Monitor) processEvents(queue chan netlink.UEvent, errs chan error) {
	for {
		select {
		case event, ok := <-queue:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-errs:
			if !ok {
				return
			}
			m.mu.Lock()
			stopped := m.stopped
			recoveryHandler := m.recoveryHandler
			m.mu.Unlock()
			if stopped {
				return
			}

			// Power events may have been dropped; recovery reapplies every
			// panel that is interactive now.
			if isBufferOverflowError(err) {
				log.Warn().Msg("Netlink buffer overflow detected, triggering recovery")
				if recoveryHandler != nil {
					go recoveryHandler()
				}
				continue
			}

			log.Error().Err(err).Msg("udev monitor error")
		}
	}
}

// setSocketBufferSize sets the receive buffer size for a socket.
// It first tries SO_RCVBUFFORCE (requires CAP_NET_ADMIN), then falls back to SO_RCVBUF.
func setSocketBufferSize(fd int, size int) error {
	err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUFFORCE, size)
	if err == nil {
		return nil
	}

	// The kernel caps SO_RCVBUF at net.core.rmem_max
	return syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, size)
}

// isBufferOverflowError checks if the error is a netlink buffer overflow (ENOBUFS).
func isBufferOverflowError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOBUFS) {
		return true
	}
	// The udev library does not always wrap the errno
	return strings.Contains(strings.ToLower(err.Error()), "no buffer space available")
}

// panelName returns PANEL_NAME, falling back to the device name.
func panelName(uevent netlink.UEvent) string {
	if name := uevent.Env[NameKey]; name != "" {
		return name
	}
	if name := uevent.Env["DEVNAME"]; name != "" {
		return path.Base(name)
	}
	return path.Base(uevent.KObj)
}

// handleEvent processes a single udev event.
func (m *Monitor) handleEvent(uevent netlink.UEvent) {
	name := panelName(uevent)

	log.Debug().
		Str("action", string(uevent.Action)).
		Str("devpath", uevent.KObj).
		Str("panel", name).
		Msg("Panel device event")

	switch uevent.Action {
	case netlink.CHANGE:
		raw, ok := uevent.Env[PowerKey]
		if !ok {
			return
		}
		ev, err := livedisplay.ParseEvent(raw)
		if err != nil {
			log.Warn().Err(err).Str("panel", name).Msg("Ignoring panel event")
			return
		}
		if m.handler != nil {
			m.handler(name, ev)
		}
	case netlink.REMOVE:
		m.mu.Lock()
		removeHandler := m.removeHandler
		m.mu.Unlock()
		if removeHandler != nil {
			removeHandler(name)
		}
	}
}
