package feed

import "strings"

// EntityKind identifies which entity collection a topic streams.
type EntityKind string

const (
	EntityPlan     EntityKind = "plan"
	EntityContract EntityKind = "contract"
	EntityMessage  EntityKind = "message"
	EntityTyping   EntityKind = "typing"
)

// Topic is a logical realtime scope: an entity kind plus an optional parent
// scope. Its Key is the identity used by the subscription registry and the
// subscribe frame sent to the change feed.
type Topic struct {
	Kind  EntityKind
	Scope string
}

// Catalog streams every plan change.
func Catalog() Topic {
	return Topic{Kind: EntityPlan}
}

// PendingContracts streams changes to the advisors' pending queue.
func PendingContracts() Topic {
	return Topic{Kind: EntityContract, Scope: "pending"}
}

// UserContracts streams changes to one customer's contract requests.
func UserContracts(userID string) Topic {
	return Topic{Kind: EntityContract, Scope: "user:" + userID}
}

// ContractMessages streams the chat transcript of one contract.
func ContractMessages(contractID string) Topic {
	return Topic{Kind: EntityMessage, Scope: contractID}
}

// ContractTyping streams typing presence for one contract's conversation.
func ContractTyping(contractID string) Topic {
	return Topic{Kind: EntityTyping, Scope: contractID}
}

// Key returns the canonical topic key.
func (t Topic) Key() string {
	switch t.Kind {
	case EntityPlan:
		return "catalog"
	case EntityContract:
		return "contracts:" + t.Scope
	case EntityMessage:
		return "messages:" + t.Scope
	case EntityTyping:
		return "typing:" + t.Scope
	}
	return string(t.Kind) + ":" + t.Scope
}

// IsPresence reports whether the topic carries ephemeral presence signals
// rather than durable entity changes.
func (t Topic) IsPresence() bool {
	return t.Kind == EntityTyping
}

// ContractID returns the contract scope of a messages/typing topic, or the
// empty string for other topics.
func (t Topic) ContractID() string {
	if t.Kind == EntityMessage || t.Kind == EntityTyping {
		return t.Scope
	}
	return ""
}

// UserID returns the user scope of a contracts:user topic, if any.
func (t Topic) UserID() string {
	if t.Kind == EntityContract {
		if after, ok := strings.CutPrefix(t.Scope, "user:"); ok {
			return after
		}
	}
	return ""
}
