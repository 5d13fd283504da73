package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"plansync/internal/apperr"
	"plansync/internal/store"
)

// Config holds the data service connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Service is the HTTP client for the remote data service. Every call is
// request/response; change notifications travel separately over the feed.
type Service struct {
	base   string
	apiKey string
	http   *http.Client
	logger *zap.Logger
}

// New creates a data service client.
func New(cfg Config, logger *zap.Logger) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{
		base:   cfg.BaseURL,
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// ActivePlans fetches the customer-facing catalog: active plans, price
// ascending. Used for initial load and post-reconnect resynchronization.
func (s *Service) ActivePlans(ctx context.Context) ([]store.Plan, error) {
	var plans []store.Plan
	q := url.Values{"active": {"true"}, "order": {"price"}}
	if err := s.get(ctx, "/v1/plans", q, &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// SearchPlans fetches active plans matching a free-text query against name,
// segment, and target audience.
func (s *Service) SearchPlans(ctx context.Context, query string) ([]store.Plan, error) {
	var plans []store.Plan
	q := url.Values{"active": {"true"}, "order": {"price"}, "q": {query}}
	if err := s.get(ctx, "/v1/plans", q, &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// PlansByPrice fetches active plans inside an inclusive price band.
func (s *Service) PlansByPrice(ctx context.Context, minCents, maxCents int64) ([]store.Plan, error) {
	var plans []store.Plan
	q := url.Values{
		"active":    {"true"},
		"order":     {"price"},
		"min_price": {strconv.FormatInt(minCents, 10)},
		"max_price": {strconv.FormatInt(maxCents, 10)},
	}
	if err := s.get(ctx, "/v1/plans", q, &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// Plan fetches a single plan by identifier, active or not.
func (s *Service) Plan(ctx context.Context, id string) (*store.Plan, error) {
	var p store.Plan
	if err := s.get(ctx, "/v1/plans/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PendingContracts fetches the advisors' pending queue, oldest first.
func (s *Service) PendingContracts(ctx context.Context) ([]store.Contract, error) {
	var contracts []store.Contract
	q := url.Values{"state": {string(store.ContractPending)}, "order": {"requested_at"}}
	if err := s.get(ctx, "/v1/contracts", q, &contracts); err != nil {
		return nil, err
	}
	return contracts, nil
}

// UserContracts fetches all contract requests of one customer.
func (s *Service) UserContracts(ctx context.Context, userID string) ([]store.Contract, error) {
	var contracts []store.Contract
	q := url.Values{"user_id": {userID}}
	if err := s.get(ctx, "/v1/contracts", q, &contracts); err != nil {
		return nil, err
	}
	return contracts, nil
}

// Contract fetches a single contract by identifier.
func (s *Service) Contract(ctx context.Context, id string) (*store.Contract, error) {
	var c store.Contract
	if err := s.get(ctx, "/v1/contracts/"+url.PathEscape(id), nil, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertContract creates a contract request and returns the server record.
// The client token travels with the insert so the feed echo can be
// correlated with the optimistic row.
func (s *Service) InsertContract(ctx context.Context, c *store.Contract) (*store.Contract, error) {
	body := map[string]any{
		"user_id":      c.UserID,
		"plan_id":      c.PlanID,
		"notes":        c.Notes,
		"client_token": c.ClientToken,
	}
	var created store.Contract
	if err := s.post(ctx, "/v1/contracts", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Decision is an advisor's verdict on a pending contract.
type Decision struct {
	State     store.ContractState `json:"state"`
	DecidedBy string              `json:"decided_by"`
	Notes     string              `json:"notes,omitempty"`
}

// DecideContract applies a decision conditionally: the service only updates
// the contract if it is still pending. Reports false when the guard failed
// because another decision won the race.
func (s *Service) DecideContract(ctx context.Context, contractID string, d Decision) (bool, error) {
	path := "/v1/contracts/" + url.PathEscape(contractID) + "/decision"
	err := s.do(ctx, http.MethodPatch, path, nil, d, nil)
	if err == nil {
		return true, nil
	}
	if apperr.IsKind(err, apperr.InvalidTransition) {
		return false, nil
	}
	return false, err
}

// ContractMessages fetches a contract's full transcript, oldest first.
func (s *Service) ContractMessages(ctx context.Context, contractID string) ([]store.Message, error) {
	var msgs []store.Message
	path := "/v1/contracts/" + url.PathEscape(contractID) + "/messages"
	if err := s.get(ctx, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage writes a chat message and returns the server record.
func (s *Service) SendMessage(ctx context.Context, m *store.Message) (*store.Message, error) {
	body := map[string]any{
		"sender_id":    m.SenderID,
		"body":         m.Body,
		"client_token": m.ClientToken,
	}
	var created store.Message
	path := "/v1/contracts/" + url.PathEscape(m.ContractID) + "/messages"
	if err := s.post(ctx, path, body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// MarkMessagesRead flags every message addressed to the reader as read.
func (s *Service) MarkMessagesRead(ctx context.Context, contractID, readerID string) error {
	body := map[string]any{"reader_id": readerID}
	path := "/v1/contracts/" + url.PathEscape(contractID) + "/messages/read"
	return s.post(ctx, path, body, nil)
}

// UpsertTyping publishes a presence signal for one participant.
func (s *Service) UpsertTyping(ctx context.Context, sig store.TypingSignal) error {
	return s.do(ctx, http.MethodPut, "/v1/typing", nil, sig, nil)
}

func (s *Service) get(ctx context.Context, path string, query url.Values, out any) error {
	return s.do(ctx, http.MethodGet, path, query, nil, out)
}

func (s *Service) post(ctx context.Context, path string, body, out any) error {
	return s.do(ctx, http.MethodPost, path, nil, body, out)
}

func (s *Service) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := s.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.TransportUnavailable, "data service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return s.classify(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorBody is the service's error envelope.
type errorBody struct {
	Error string `json:"error"`
}

func (s *Service) classify(resp *http.Response) error {
	var eb errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &eb)
	reason := eb.Error
	if reason == "" {
		reason = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.New(apperr.NotFound, reason)
	case resp.StatusCode == http.StatusConflict:
		return apperr.New(apperr.InvalidTransition, reason)
	case resp.StatusCode >= 500:
		return apperr.New(apperr.TransportUnavailable, reason)
	default:
		return apperr.New(apperr.WriteRejected, reason)
	}
}
