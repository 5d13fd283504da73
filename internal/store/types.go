package store

// ContractState is the lifecycle state of a contract request.
type ContractState string

const (
	ContractPending  ContractState = "pending"
	ContractApproved ContractState = "approved"
	ContractRejected ContractState = "rejected"
)

// SyncStatus tracks whether a locally held row has been confirmed by the
// remote data service.
type SyncStatus string

const (
	SyncConfirmed SyncStatus = "confirmed"
	SyncPending   SyncStatus = "pending"
	SyncFailed    SyncStatus = "failed"
)

// Plan is a catalog item: a mobile service plan offered in the storefront.
// Timestamps are unix milliseconds assigned by the remote service.
type Plan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PriceCents  int64  `json:"price_cents"`
	DataGB      string `json:"data_gb"`
	Minutes     string `json:"minutes"`
	SMS         string `json:"sms"`
	Speed4G     string `json:"speed_4g"`
	Speed5G     string `json:"speed_5g"`
	SocialMedia string `json:"social_media"`
	WhatsApp    string `json:"whatsapp"`
	IntlCalls   string `json:"intl_calls"`
	Roaming     string `json:"roaming"`
	Segment     string `json:"segment"`
	Audience    string `json:"audience"`
	ImageURL    string `json:"image_url"`
	Active      bool   `json:"active"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Contract is a customer's request to contract a plan, decided by an advisor.
// DecidedAt and DecidedBy are zero exactly while State is pending.
type Contract struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	PlanID      string        `json:"plan_id"`
	State       ContractState `json:"state"`
	RequestedAt int64         `json:"requested_at"`
	DecidedAt   int64         `json:"decided_at,omitempty"`
	DecidedBy   string        `json:"decided_by,omitempty"`
	Notes       string        `json:"notes,omitempty"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`

	// Local sync bookkeeping, never sent to the service verbatim.
	SyncStatus  SyncStatus `json:"-"`
	ClientToken string     `json:"client_token,omitempty"`
}

// Decided reports whether the contract has left the pending state.
func (c *Contract) Decided() bool {
	return c.State == ContractApproved || c.State == ContractRejected
}

// Message is one chat message inside a contract's conversation.
type Message struct {
	ID         string `json:"id"`
	ContractID string `json:"contract_id"`
	SenderID   string `json:"sender_id"`
	Body       string `json:"body"`
	Read       bool   `json:"read"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`

	SyncStatus  SyncStatus `json:"-"`
	ClientToken string     `json:"client_token,omitempty"`
}

// TypingSignal is the ephemeral presence record for one participant in one
// conversation. It is never stored in sqlite; it lives in the presence
// coordinator and expires by staleness.
type TypingSignal struct {
	ContractID string `json:"contract_id"`
	UserID     string `json:"user_id"`
	IsTyping   bool   `json:"is_typing"`
	UpdatedAt  int64  `json:"updated_at"`
}

// OutboxEntry is a queued optimistic message send.
type OutboxEntry struct {
	ID           int64
	ClientToken  string
	TempID       string
	ContractID   string
	SenderID     string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerID     string
	CreatedAt    int64
}
