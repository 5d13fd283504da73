package feed

import (
	"encoding/json"
	"fmt"

	"plansync/internal/store"
)

// ChangeKind is the change feed's notification type for a record.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Event is one decoded change feed notification, tagged with the topic it
// arrived on. Exactly one of the record fields is set, matching Topic.Kind.
type Event struct {
	Topic  Topic
	Change ChangeKind
	TS     int64

	Plan     *store.Plan
	Contract *store.Contract
	Message  *store.Message
	Typing   *store.TypingSignal
}

// frame is the wire shape of one feed notification.
type frame struct {
	Change string          `json:"change"`
	TS     int64           `json:"ts"`
	Record json.RawMessage `json:"record"`
}

// decodeFrame parses a wire frame into an Event for the given topic.
func decodeFrame(topic Topic, data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}

	ev := Event{Topic: topic, Change: ChangeKind(f.Change), TS: f.TS}
	switch ev.Change {
	case ChangeCreated, ChangeUpdated, ChangeDeleted:
	default:
		return Event{}, fmt.Errorf("unknown change kind %q", f.Change)
	}

	switch topic.Kind {
	case EntityPlan:
		var p store.Plan
		if err := json.Unmarshal(f.Record, &p); err != nil {
			return Event{}, fmt.Errorf("decode plan record: %w", err)
		}
		ev.Plan = &p
	case EntityContract:
		var c store.Contract
		if err := json.Unmarshal(f.Record, &c); err != nil {
			return Event{}, fmt.Errorf("decode contract record: %w", err)
		}
		ev.Contract = &c
	case EntityMessage:
		var m store.Message
		if err := json.Unmarshal(f.Record, &m); err != nil {
			return Event{}, fmt.Errorf("decode message record: %w", err)
		}
		ev.Message = &m
	case EntityTyping:
		var s store.TypingSignal
		if err := json.Unmarshal(f.Record, &s); err != nil {
			return Event{}, fmt.Errorf("decode typing record: %w", err)
		}
		ev.Typing = &s
	default:
		return Event{}, fmt.Errorf("unknown entity kind %q", topic.Kind)
	}
	return ev, nil
}
