package livedisplay

import (
	"fmt"
	"strings"

	"github.com/shini4i/livedisplayd/internal/calibration"
)

// PowerState is the panel power state. Only PowerOnInteractive permits
// hardware writes.
type PowerState int

const (
	PowerOff PowerState = iota
	PowerOnInteractive
	PowerOnNonInteractive
	PowerSuspended
)

func (p PowerState) String() string {
	switch p {
	case PowerOff:
		return "off"
	case PowerOnInteractive:
		return "interactive"
	case PowerOnNonInteractive:
		return "non-interactive"
	case PowerSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("power(%d)", int(p))
	}
}

// IsOn reports whether the panel is powered.
func (p PowerState) IsOn() bool {
	return p == PowerOnInteractive || p == PowerOnNonInteractive
}

// Event is a panel lifecycle event delivered by the panel driver.
type Event int

const (
	EventPowerOn Event = iota
	EventUnblank
	EventLowPower
	EventBlank
	EventSuspend
	EventPowerOff
)

var eventNames = map[Event]string{
	EventPowerOn:  "poweron",
	EventUnblank:  "unblank",
	EventLowPower: "lowpower",
	EventBlank:    "blank",
	EventSuspend:  "suspend",
	EventPowerOff: "off",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ParseEvent converts an event name as used on D-Bus and in uevents.
func ParseEvent(s string) (Event, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for ev, name := range eventNames {
		if name == s {
			return ev, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown panel event %q", calibration.ErrInvalidArgument, s)
}

// next returns the state reached from cur on ev. Unblank from a powered-off
// panel passes through PowerOnNonInteractive; the returned path lists every
// state entered, in order.
func next(cur PowerState, ev Event) ([]PowerState, error) {
	switch ev {
	case EventPowerOn:
		if cur.IsOn() {
			return nil, nil
		}
		return []PowerState{PowerOnNonInteractive}, nil
	case EventUnblank:
		switch cur {
		case PowerOnInteractive:
			return nil, nil
		case PowerOnNonInteractive:
			return []PowerState{PowerOnInteractive}, nil
		default:
			return []PowerState{PowerOnNonInteractive, PowerOnInteractive}, nil
		}
	case EventLowPower:
		if cur == PowerOnNonInteractive {
			return nil, nil
		}
		return []PowerState{PowerOnNonInteractive}, nil
	case EventBlank:
		if !cur.IsOn() {
			return nil, nil
		}
		return []PowerState{PowerOff}, nil
	case EventSuspend:
		if cur == PowerSuspended {
			return nil, nil
		}
		return []PowerState{PowerSuspended}, nil
	case EventPowerOff:
		if cur == PowerOff {
			return nil, nil
		}
		return []PowerState{PowerOff}, nil
	default:
		return nil, fmt.Errorf("%w: unknown panel event %d", calibration.ErrInvalidArgument, int(ev))
	}
}
