// Package connectivity observes device-level network reachability and
// classifies connection quality. It is the only linkcore package with a
// platform-signal dependency; everything else consumes its snapshots.
package connectivity

import (
	"context"
	"strings"
	"time"
)

// Class identifies the transport a connection rides on.
type Class int

const (
	ClassNone Class = iota
	ClassUnknown
	ClassBluetooth
	ClassCellular
	ClassWiFi
	ClassEthernet
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassBluetooth:
		return "bluetooth"
	case ClassCellular:
		return "cellular"
	case ClassWiFi:
		return "wifi"
	case ClassEthernet:
		return "ethernet"
	default:
		return "unknown"
	}
}

// priority orders classes for tie-breaking when several transports are
// reachable at once: ethernet > wifi > cellular > bluetooth > unknown.
func (c Class) priority() int {
	switch c {
	case ClassEthernet:
		return 5
	case ClassWiFi:
		return 4
	case ClassCellular:
		return 3
	case ClassBluetooth:
		return 2
	case ClassUnknown:
		return 1
	default:
		return 0
	}
}

// BestClass picks the preferred class out of the simultaneously reachable
// ones. Returns ClassNone for an empty slice.
func BestClass(classes []Class) Class {
	best := ClassNone
	for _, c := range classes {
		if c.priority() > best.priority() {
			best = c
		}
	}
	return best
}

// ParseClass maps a textual class name to a Class. Unrecognized names map
// to ClassUnknown.
func ParseClass(name string) Class {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none":
		return ClassNone
	case "bluetooth":
		return ClassBluetooth
	case "cellular":
		return ClassCellular
	case "wifi":
		return ClassWiFi
	case "ethernet":
		return ClassEthernet
	default:
		return ClassUnknown
	}
}

// classifyInterfaceName guesses the transport class from a network
// interface name, following the predictable-naming conventions.
func classifyInterfaceName(name string) Class {
	name = strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "wl"):
		return ClassWiFi
	case strings.HasPrefix(name, "eth"), strings.HasPrefix(name, "en"), strings.HasPrefix(name, "em"):
		return ClassEthernet
	case strings.HasPrefix(name, "ww"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "ccmni"):
		return ClassCellular
	case strings.HasPrefix(name, "bnep"), strings.HasPrefix(name, "bt"):
		return ClassBluetooth
	default:
		return ClassUnknown
	}
}

// Snapshot is the immutable latest view of reachability. It is replaced
// wholesale on every observed change; readers never see a torn value.
type Snapshot struct {
	Connected  bool
	Class      Class
	ObservedAt time.Time
}

// Signal is a raw reachability observation delivered by a SignalSource.
type Signal struct {
	Reachable bool
	Classes   []Class
}

// SignalSource is the strategy interface over platform reachability
// signals: one implementation per platform, plus software-only fallbacks
// for headless and test environments.
type SignalSource interface {
	// Signals returns a channel of raw observations. The channel is closed
	// when the context is done or the source fails permanently.
	Signals(ctx context.Context) (<-chan Signal, error)
}
