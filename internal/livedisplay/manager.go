package livedisplay

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/shini4i/livedisplayd/internal/calibration"
	"github.com/shini4i/livedisplayd/internal/panel"
)

// SinkOpener opens the hardware sink for a panel at probe time.
type SinkOpener func(def *panel.Definition) (panel.Sink, error)

// Restorer returns previously saved calibration for a panel, if any.
type Restorer func(name string) (calibration.State, bool, error)

// Manager owns the display contexts of all probed panels.
type Manager struct {
	contexts map[string]*Context // panel name -> context
	mu       sync.RWMutex
	opener   SinkOpener
	restorer Restorer
	notify   *notifier
}

// ManagerOption is a functional option for configuring a Manager.
type ManagerOption func(*Manager)

// WithSinkOpener sets how hardware sinks are opened.
func WithSinkOpener(fn SinkOpener) ManagerOption {
	return func(m *Manager) {
		m.opener = fn
	}
}

// WithRestorer sets where probe-time calibration is restored from.
func WithRestorer(fn Restorer) ManagerOption {
	return func(m *Manager) {
		m.restorer = fn
	}
}

// WithListener registers a listener at construction time.
func WithListener(l Listener) ManagerOption {
	return func(m *Manager) {
		m.notify.add(l)
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		contexts: make(map[string]*Context),
		notify:   &notifier{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe adds a listener for all current and future panels.
func (m *Manager) Subscribe(l Listener) {
	m.notify.add(l)
}

// Probe creates the display context for def. The panel starts powered off
// with the definition's defaults, or the restored state when available.
func (m *Manager) Probe(def *panel.Definition) (*Context, error) {
	if def == nil || def.Name == "" {
		return nil, fmt.Errorf("%w: panel definition without name", calibration.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.contexts[def.Name]; exists {
		return nil, fmt.Errorf("panel %s already probed", def.Name)
	}

	if m.opener == nil {
		return nil, fmt.Errorf("%w: no sink configured for panel %s", calibration.ErrInvalidState, def.Name)
	}
	sink, err := m.opener(def)
	if err != nil {
		return nil, fmt.Errorf("failed to open sink for panel %s: %w", def.Name, err)
	}

	initial := def.Defaults
	if initial == (calibration.State{}) {
		initial = calibration.Defaults()
	}
	if m.restorer != nil {
		saved, ok, err := m.restorer(def.Name)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("panel", def.Name).Msg("Failed to restore calibration, using defaults")
		case ok:
			if verr := saved.Validate(); verr != nil {
				log.Warn().Err(verr).Str("panel", def.Name).Msg("Ignoring invalid saved calibration")
				break
			}
			if saved.Preset >= len(def.Presets) {
				log.Warn().
					Str("panel", def.Name).
					Int("preset", saved.Preset).
					Int("presets", len(def.Presets)).
					Msg("Saved preset no longer defined, using default preset")
				saved.Preset = initial.Preset
			}
			initial = saved
			log.Info().Str("panel", def.Name).Msg("Restored saved calibration")
		}
	}
	if def.RecoveryBrightness != nil {
		initial.BrightnessLevel = *def.RecoveryBrightness
		log.Info().Str("panel", def.Name).Int("level", initial.BrightnessLevel).Msg("Using recovery brightness")
	}

	ctx := newContext(def, initial, sink, m.notify)
	m.contexts[def.Name] = ctx
	log.Info().
		Str("panel", def.Name).
		Stringer("features", def.Features()).
		Msg("Panel probed")
	return ctx, nil
}

// Remove tears down a panel context. Calls on the removed context fail with
// calibration.ErrInvalidState.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	ctx, ok := m.contexts[name]
	delete(m.contexts, name)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: panel %s not found", calibration.ErrInvalidState, name)
	}

	ctx.markRemoved()
	closeSink(ctx)
	log.Info().Str("panel", name).Msg("Panel removed")
	return nil
}

// Get returns the context for a panel.
func (m *Manager) Get(name string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx, ok := m.contexts[name]
	if !ok {
		return nil, fmt.Errorf("%w: panel %s not found", calibration.ErrInvalidState, name)
	}
	return ctx, nil
}

// List returns the names of all probed panels, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.contexts))
	for name := range m.contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of probed panels.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

// ReapplyAll requests a full update on every panel. Panels that are not
// interactive only record the update as pending. The first error is
// returned after every panel has been tried.
func (m *Manager) ReapplyAll() error {
	var firstErr error
	for _, name := range m.List() {
		ctx, err := m.Get(name)
		if err != nil {
			continue
		}
		if err := ctx.RequestUpdate(calibration.FeatureAll); err != nil {
			log.Error().Err(err).Str("panel", name).Msg("Reapply failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close removes all panels.
func (m *Manager) Close() error {
	m.mu.Lock()
	contexts := m.contexts
	m.contexts = make(map[string]*Context)
	m.mu.Unlock()

	for name, ctx := range contexts {
		ctx.markRemoved()
		closeSink(ctx)
		log.Debug().Str("panel", name).Msg("Panel closed")
	}
	return nil
}

func closeSink(ctx *Context) {
	closer, ok := ctx.sink.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.Warn().Err(err).Str("panel", ctx.name).Msg("Failed to close panel sink")
	}
}
