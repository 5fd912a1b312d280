package livedisplay

import (
	"sync"

	"github.com/shini4i/livedisplayd/internal/calibration"
)

// Listener observes panel changes. Callbacks run after the context lock has
// been released and may call back into the context.
type Listener interface {
	// StateChanged is called after a successful state store write, whether
	// or not the hardware accepted the update.
	StateChanged(panel string, st calibration.State, changed calibration.Feature)

	// PowerChanged is called for every power state entered.
	PowerChanged(panel string, ps PowerState)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	State func(panel string, st calibration.State, changed calibration.Feature)
	Power func(panel string, ps PowerState)
}

// StateChanged calls f.State if set.
func (f ListenerFuncs) StateChanged(panel string, st calibration.State, changed calibration.Feature) {
	if f.State != nil {
		f.State(panel, st, changed)
	}
}

// PowerChanged calls f.Power if set.
func (f ListenerFuncs) PowerChanged(panel string, ps PowerState) {
	if f.Power != nil {
		f.Power(panel, ps)
	}
}

type notifier struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (n *notifier) add(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *notifier) snapshot() []Listener {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Listener(nil), n.listeners...)
}

func (n *notifier) stateChanged(panel string, st calibration.State, changed calibration.Feature) {
	for _, l := range n.snapshot() {
		l.StateChanged(panel, st, changed)
	}
}

func (n *notifier) powerChanged(panel string, ps PowerState) {
	for _, l := range n.snapshot() {
		l.PowerChanged(panel, ps)
	}
}
