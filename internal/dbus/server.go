// SPDX-License-Identifier: GPL-3.0-only

// Package dbus provides the D-Bus service exposing LiveDisplay panel attributes.
package dbus

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/shini4i/livedisplayd/internal/attr"
	"github.com/shini4i/livedisplayd/internal/calibration"
	"github.com/shini4i/livedisplayd/internal/livedisplay"
)

// ErrEmptyPanel is returned when an empty panel name is provided.
var ErrEmptyPanel = errors.New("panel cannot be empty")

// ErrRateLimitExceeded is returned when attribute writes exceed the rate limit.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

const (
	// rateLimitPerSecond is the default maximum number of attribute writes per second.
	rateLimitPerSecond = 20

	// rateLimitBurst is the default maximum burst size for attribute writes.
	rateLimitBurst = 5
)

const (
	// ServiceName is the D-Bus service name.
	ServiceName = "io.github.shini4i.LiveDisplay"

	// ObjectPath is the D-Bus object path.
	ObjectPath = "/io/github/shini4i/LiveDisplay"

	// InterfaceName is the D-Bus interface name.
	InterfaceName = "io.github.shini4i.LiveDisplay"
)

// Error names returned to D-Bus callers, one per errno class.
const (
	ErrorInvalidArgument = InterfaceName + ".Error.InvalidArgument"
	ErrorNoDevice        = InterfaceName + ".Error.NoDevice"
	ErrorIO              = InterfaceName + ".Error.IO"
)

// IntrospectXML is the D-Bus introspection XML for the service.
const IntrospectXML = `
<node name="` + ObjectPath + `">
  <interface name="` + InterfaceName + `">
    <method name="ListPanels">
      <arg name="panels" type="a(ss)" direction="out"/>
    </method>
    <method name="ListAttributes">
      <arg name="panel" type="s" direction="in"/>
      <arg name="attributes" type="as" direction="out"/>
    </method>
    <method name="Read">
      <arg name="panel" type="s" direction="in"/>
      <arg name="attribute" type="s" direction="in"/>
      <arg name="value" type="s" direction="out"/>
    </method>
    <method name="Write">
      <arg name="panel" type="s" direction="in"/>
      <arg name="attribute" type="s" direction="in"/>
      <arg name="value" type="s" direction="in"/>
      <arg name="accepted" type="u" direction="out"/>
    </method>
    <method name="PowerState">
      <arg name="panel" type="s" direction="in"/>
      <arg name="state" type="s" direction="out"/>
      <arg name="pending" type="b" direction="out"/>
    </method>
    <method name="NotifyPower">
      <arg name="panel" type="s" direction="in"/>
      <arg name="event" type="s" direction="in"/>
    </method>
    <signal name="AttributeChanged">
      <arg name="panel" type="s"/>
      <arg name="attribute" type="s"/>
      <arg name="value" type="s"/>
    </signal>
    <signal name="PowerStateChanged">
      <arg name="panel" type="s"/>
      <arg name="state" type="s"/>
    </signal>
    <signal name="PanelAdded">
      <arg name="panel" type="s"/>
    </signal>
    <signal name="PanelRemoved">
      <arg name="panel" type="s"/>
    </signal>
  </interface>
  ` + introspect.IntrospectDataString + `
</node>
`

// PanelManager is an interface for looking up panel contexts.
// This allows for substitution in tests.
type PanelManager interface {
	// List returns the names of all probed panels.
	List() []string

	// Get returns the context of a panel.
	Get(name string) (*livedisplay.Context, error)
}

// DeviceErrorHandler is called when a write reached the hardware sink and
// failed, e.g. because the bridge was unplugged.
type DeviceErrorHandler func(panel string, err error)

// PanelInfo represents panel information returned via D-Bus.
// Serializes to D-Bus type (ss): panel name and power state.
type PanelInfo struct {
	Name  string
	Power string
}

// Server implements the D-Bus service for panel attributes.
//
// Thread safety:
//   - Panel contexts serialize their own updates.
//   - The connMu mutex protects the D-Bus connection field for signal emission.
//   - The handlerMu mutex protects the deviceErrorHandler field.
type Server struct {
	conn               *dbus.Conn
	connMu             sync.RWMutex // Protects conn field only
	manager            PanelManager
	rateLimiter        *rate.Limiter
	systemBus          bool
	handlerMu          sync.RWMutex // Protects deviceErrorHandler
	deviceErrorHandler DeviceErrorHandler
}

var _ livedisplay.Listener = (*Server)(nil)

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithRateLimit sets the attribute write rate limit.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithSystemBus exports the service on the system bus instead of the session bus.
func WithSystemBus() ServerOption {
	return func(s *Server) {
		s.systemBus = true
	}
}

// NewServer creates a new D-Bus server with the given panel manager.
func NewServer(manager PanelManager, opts ...ServerOption) *Server {
	s := &Server{
		manager:     manager,
		rateLimiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) connect() (*dbus.Conn, error) {
	if s.systemBus {
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to system bus: %w", err)
		}
		return conn, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return conn, nil
}

// Start connects to the bus and exports the service.
func (s *Server) Start() error {
	conn, err := s.connect()
	if err != nil {
		return err
	}

	// Ensure connection is closed if setup fails
	success := false
	defer func() {
		if !success {
			if closeErr := conn.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("Failed to close D-Bus connection during cleanup")
			}
		}
	}()

	err = conn.Export(s, ObjectPath, InterfaceName)
	if err != nil {
		return fmt.Errorf("failed to export server: %w", err)
	}

	err = conn.Export(introspect.Introspectable(IntrospectXML), ObjectPath, "org.freedesktop.DBus.Introspectable")
	if err != nil {
		return fmt.Errorf("failed to export introspectable: %w", err)
	}

	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", ServiceName)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	success = true
	log.Info().Str("service", ServiceName).Bool("system_bus", s.systemBus).Msg("D-Bus service started")
	return nil
}

// Stop disconnects from the bus.
func (s *Server) Stop() error {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SetDeviceErrorHandler sets the callback invoked when a write fails in the
// hardware sink. This is typically used to schedule a retry.
//
// This method is thread-safe and can be called at any time.
func (s *Server) SetDeviceErrorHandler(handler DeviceErrorHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.deviceErrorHandler = handler
}

// handleDeviceError triggers recovery if err came from the hardware sink.
// Returns true if recovery was triggered.
func (s *Server) handleDeviceError(panel string, err error) bool {
	if err == nil || !errors.Is(err, calibration.ErrHardwareSink) {
		return false
	}

	log.Warn().
		Err(err).
		Str("panel", panel).
		Msg("Hardware sink error detected, triggering recovery")

	s.handlerMu.RLock()
	handler := s.deviceErrorHandler
	s.handlerMu.RUnlock()

	if handler != nil {
		// Run recovery asynchronously to not block the D-Bus response
		go handler(panel, err)
	}

	return true
}

// makeError maps err to a D-Bus error named after its errno class.
func makeError(err error) *dbus.Error {
	name := ErrorIO
	switch attr.Errno(err) {
	case -int(syscall.EINVAL):
		name = ErrorInvalidArgument
	case -int(syscall.ENODEV):
		name = ErrorNoDevice
	}
	return dbus.NewError(name, []any{err.Error()})
}

func (s *Server) surface(panel string) (*attr.Surface, *livedisplay.Context, *dbus.Error) {
	if panel == "" {
		return nil, nil, dbus.MakeFailedError(ErrEmptyPanel)
	}
	ctx, err := s.manager.Get(panel)
	if err != nil {
		log.Debug().Err(err).Str("panel", panel).Msg("Failed to get panel")
		return nil, nil, makeError(err)
	}
	return attr.New(ctx), ctx, nil
}

// ListPanels returns all probed panels.
// Returns an array of structs: [{Name, Power}, ...]
func (s *Server) ListPanels() ([]PanelInfo, *dbus.Error) {
	names := s.manager.List()
	result := make([]PanelInfo, 0, len(names))
	for _, name := range names {
		ctx, err := s.manager.Get(name)
		if err != nil {
			continue
		}
		power, _ := ctx.Power()
		result = append(result, PanelInfo{Name: name, Power: power.String()})
	}

	log.Debug().Int("count", len(result)).Msg("Listed panels")
	return result, nil
}

// ListAttributes returns the attribute names a panel supports.
func (s *Server) ListAttributes(panel string) ([]string, *dbus.Error) {
	surface, _, derr := s.surface(panel)
	if derr != nil {
		return nil, derr
	}
	return surface.Names(), nil
}

// Read returns the formatted value of an attribute.
func (s *Server) Read(panel, name string) (string, *dbus.Error) {
	surface, _, derr := s.surface(panel)
	if derr != nil {
		return "", derr
	}
	value, err := surface.Show(name)
	if err != nil {
		return "", makeError(err)
	}
	return value, nil
}

// Write stores value into an attribute and returns the number of bytes
// accepted.
func (s *Server) Write(panel, name, value string) (uint32, *dbus.Error) {
	if !s.rateLimiter.Allow() {
		log.Warn().Msg("Rate limit exceeded for Write")
		return 0, dbus.MakeFailedError(ErrRateLimitExceeded)
	}

	surface, _, derr := s.surface(panel)
	if derr != nil {
		return 0, derr
	}

	n, err := surface.Store(name, []byte(value))
	if err != nil {
		s.handleDeviceError(panel, err)
		log.Error().Err(err).Str("panel", panel).Str("attribute", name).Msg("Failed to write attribute")
		return 0, makeError(err)
	}

	log.Debug().Str("panel", panel).Str("attribute", name).Int("bytes", n).Msg("Wrote attribute")
	// #nosec G115 -- n is bounded by the attribute's maximum input length
	return uint32(n), nil
}

// PowerState returns the panel's power state name and whether an update is
// waiting for it to become interactive.
func (s *Server) PowerState(panel string) (string, bool, *dbus.Error) {
	_, ctx, derr := s.surface(panel)
	if derr != nil {
		return "", false, derr
	}
	power, pending := ctx.Power()
	return power.String(), pending, nil
}

// NotifyPower feeds a power event to a panel, for hosts without udev
// panel events.
func (s *Server) NotifyPower(panel, event string) *dbus.Error {
	_, ctx, derr := s.surface(panel)
	if derr != nil {
		return derr
	}
	ev, err := livedisplay.ParseEvent(event)
	if err != nil {
		return makeError(err)
	}
	if err := ctx.HandleEvent(ev); err != nil {
		s.handleDeviceError(panel, err)
		return makeError(err)
	}
	return nil
}

// StateChanged emits AttributeChanged for every attribute the update may
// have touched.
func (s *Server) StateChanged(panel string, _ calibration.State, changed calibration.Feature) {
	if !s.connected() {
		return
	}
	surface, _, derr := s.surface(panel)
	if derr != nil {
		return
	}
	for _, name := range surface.Affected(changed) {
		value, err := surface.Show(name)
		if err != nil {
			continue
		}
		s.emit("AttributeChanged", panel, name, value)
	}
}

// PowerChanged emits PowerStateChanged.
func (s *Server) PowerChanged(panel string, ps livedisplay.PowerState) {
	s.emit("PowerStateChanged", panel, ps.String())
}

// EmitPanelAdded emits the PanelAdded signal.
func (s *Server) EmitPanelAdded(panel string) {
	s.emit("PanelAdded", panel)
	log.Info().Str("panel", panel).Msg("Panel added")
}

// EmitPanelRemoved emits the PanelRemoved signal.
func (s *Server) EmitPanelRemoved(panel string) {
	s.emit("PanelRemoved", panel)
	log.Info().Str("panel", panel).Msg("Panel removed")
}

func (s *Server) connected() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn != nil
}

func (s *Server) emit(signal string, values ...any) {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return
	}

	if err := conn.Emit(ObjectPath, InterfaceName+"."+signal, values...); err != nil {
		log.Error().Err(err).Str("signal", signal).Msg("Failed to emit signal")
	}
}
