package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client opens websocket subscriptions against the remote change feed, one
// connection per topic. It implements the subscription manager's Transport.
type Client struct {
	url    string
	apiKey string
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewClient creates a change feed client for the given websocket endpoint.
func NewClient(url, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		url:    url,
		apiKey: apiKey,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

type subscribeRequest struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

type subscribeAck struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Error string `json:"error,omitempty"`
}

// Subscribe dials the feed, sends the subscribe frame for the topic, and
// waits for the acknowledgement. The returned stream delivers events in the
// order the feed sends them until the connection fails or Close is called.
func (c *Client) Subscribe(ctx context.Context, topic Topic) (*Stream, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		_ = conn.SetWriteDeadline(dl)
	}

	if err := conn.WriteJSON(subscribeRequest{Action: "subscribe", Topic: topic.Key()}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	var ack subscribeAck
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read subscribe ack: %w", err)
	}
	if ack.Type != "subscribed" {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe rejected: %s", ack.Error)
	}

	// Lift the handshake deadlines; the stream reads until failure.
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	s := &Stream{
		conn:   conn,
		topic:  topic,
		events: make(chan Event, 64),
		logger: c.logger,
	}
	go s.readLoop()
	return s, nil
}

// Stream is one live topic subscription. Events closes when the connection
// ends; Err then reports the terminal error, nil after a clean Close.
type Stream struct {
	conn   *websocket.Conn
	topic  Topic
	events chan Event
	logger *zap.Logger

	closeOnce sync.Once
	closed    bool

	mu  sync.Mutex
	err error
}

// Events returns the ordered event channel.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err returns the terminal stream error, if any, after Events has closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the connection. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		ev, err := decodeFrame(s.topic, data)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("dropping undecodable feed frame",
					zap.String("topic", s.topic.Key()), zap.Error(err))
			}
			continue
		}
		s.events <- ev
	}
}
