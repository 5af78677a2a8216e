// Package stream owns the single persistent streaming connection carrying
// presence, notification and chat events. It keeps the connection alive
// across reconnects, suspends while the device is offline, and dispatches
// decoded messages to typed subscribers.
package stream

// State is the connection lifecycle state. Exactly one State exists per
// Manager; transitions are serialized under the manager's guard.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closing
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closing:
		return "closing"
	default:
		return "disconnected"
	}
}
