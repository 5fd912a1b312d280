// Package livedisplay coordinates calibration updates for each panel. It is
// the only place hardware command buffers are issued.
package livedisplay

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/shini4i/livedisplayd/internal/calibration"
	"github.com/shini4i/livedisplayd/internal/panel"
)

// Context is the per-panel display context. It owns the calibration store
// and the power state.
//
// Locking:
//   - mu is held for the whole of Apply, RequestUpdate and HandleEvent,
//     so at most one command sequence is in flight per panel and buffers of
//     two requests never interleave.
//   - mu is not re-entrant. No method calls another locking method or a
//     listener while holding it.
//   - Snapshot only takes the store's read lock and never waits on an
//     in-flight hardware update.
//   - Lock order is mu, then the store's lock.
type Context struct {
	name       string
	def        *panel.Definition
	translator *panel.Translator
	store      *calibration.Store
	sink       panel.Sink
	notify     *notifier

	mu      sync.Mutex
	power   PowerState
	pending bool
	removed bool
}

func newContext(def *panel.Definition, initial calibration.State, sink panel.Sink, n *notifier) *Context {
	return &Context{
		name:       def.Name,
		def:        def,
		translator: panel.NewTranslator(def),
		store:      calibration.NewStore(initial),
		sink:       sink,
		notify:     n,
		power:      PowerOff,
	}
}

// Name returns the panel name.
func (c *Context) Name() string {
	return c.name
}

// Definition returns the static panel definition.
func (c *Context) Definition() *panel.Definition {
	return c.def
}

// Snapshot returns the current logical calibration state.
func (c *Context) Snapshot() calibration.State {
	return c.store.Snapshot()
}

// Power returns the power state and whether an update is waiting for the
// panel to become interactive.
func (c *Context) Power() (PowerState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.power, c.pending
}

// Pending reports whether changes were deferred while the panel was not
// interactive and have not been reapplied yet.
func (c *Context) Pending() bool {
	_, pending := c.Power()
	return pending
}

// Apply writes d to the state store and pushes the touched subsystems to
// hardware if the panel is interactive. A hardware failure is returned but
// the written state is kept.
func (c *Context) Apply(d calibration.Delta) error {
	st, changed, err := c.apply(d)
	if changed != 0 {
		c.notify.stateChanged(c.name, st, changed)
	}
	return err
}

func (c *Context) apply(d calibration.Delta) (calibration.State, calibration.Feature, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return calibration.State{}, 0, c.errRemoved()
	}

	st, err := c.store.Apply(d)
	if err != nil {
		return calibration.State{}, 0, err
	}

	changed := d.Features()
	return st, changed, c.requestUpdateLocked(changed)
}

// RequestUpdate pushes the current state of the named subsystems to
// hardware. While the panel is not interactive the request is recorded as
// pending and success is returned.
func (c *Context) RequestUpdate(types calibration.Feature) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return c.errRemoved()
	}
	return c.requestUpdateLocked(types)
}

func (c *Context) requestUpdateLocked(types calibration.Feature) error {
	if types == 0 {
		return nil
	}

	if c.power != PowerOnInteractive {
		c.pending = true
		log.Debug().
			Str("panel", c.name).
			Stringer("power", c.power).
			Stringer("types", types).
			Msg("Panel not interactive, deferring update")
		return nil
	}

	st := c.store.Snapshot()
	bufs, resolved, err := c.translator.Translate(st, types)
	if err != nil {
		c.pending = true
		log.Warn().Err(err).Str("panel", c.name).Stringer("types", types).Msg("Update skipped")
		return err
	}

	for _, buf := range bufs {
		if err := c.sink.Send(buf); err != nil {
			c.pending = true
			log.Error().Err(err).Str("panel", c.name).Stringer("kind", buf.Kind).Msg("Failed to send command buffer")
			return fmt.Errorf("%w: %s: %w", calibration.ErrHardwareSink, buf.Kind, err)
		}
		log.Debug().Str("panel", c.name).Stringer("buffer", buf).Msg("Sent command buffer")
	}

	if resolved.Valid {
		c.store.RecordIndices(resolved.Row.ACL, resolved.Row.AID, resolved.Row.ELVSS, resolved.Row.Gamma)
	}
	if types&calibration.FeatureAll == calibration.FeatureAll {
		c.pending = false
	}
	return nil
}

// HandleEvent advances the power state machine. Entering the interactive
// state reapplies the full calibration exactly once; the transition stands
// even if that reapply fails.
func (c *Context) HandleEvent(ev Event) error {
	path, err := c.handleEvent(ev)
	for _, ps := range path {
		c.notify.powerChanged(c.name, ps)
	}
	return err
}

func (c *Context) handleEvent(ev Event) ([]PowerState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return nil, c.errRemoved()
	}

	path, err := next(c.power, ev)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		log.Debug().Str("panel", c.name).Stringer("event", ev).Stringer("power", c.power).Msg("Panel event ignored")
		return nil, nil
	}

	for _, ps := range path {
		log.Info().
			Str("panel", c.name).
			Stringer("event", ev).
			Stringer("from", c.power).
			Stringer("to", ps).
			Msg("Panel power transition")
		c.power = ps
	}

	if c.power == PowerOnInteractive {
		return path, c.requestUpdateLocked(calibration.FeatureAll)
	}
	return path, nil
}

// markRemoved waits for any in-flight update and detaches the context.
func (c *Context) markRemoved() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = true
	c.power = PowerOff
}

func (c *Context) errRemoved() error {
	return fmt.Errorf("%w: panel %s removed", calibration.ErrInvalidState, c.name)
}
