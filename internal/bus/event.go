package bus

import "time"

// Event is a notification published on the bus. Kind is dot-namespaced,
// e.g. "channel.message.created" or "engine.messages_changed".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
