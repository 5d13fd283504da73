package bus

import "time"

// Event is a domain event published on the bus. Topic carries the
// realtime topic key the event originated from, when it has one.
type Event struct {
	Kind      string
	Topic     string
	Timestamp time.Time
	Payload   any
}
