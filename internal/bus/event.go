package bus

import "time"

// Event is a namespaced domain event. Kind is dot-separated, e.g.
// "relay.message" or "index.moved".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
