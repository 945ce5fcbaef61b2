package chatclient

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	EventInsert = "insert"
	EventUpdate = "update"
	EventStatus = "status"
)

// Event is a realtime frame for a subscribed conversation.
type Event struct {
	Event          string   `json:"event"`
	ConversationID int64    `json:"conversation_id"`
	Message        *Message `json:"message,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// EventHandler receives live events for one conversation. Handlers run on the
// manager's read goroutine and must not block.
type EventHandler func(Event)

// ResyncHandler fires after the manager re-establishes a dropped connection.
// Events published while the connection was down are gone, so the subscriber
// should re-fetch whatever it is mirroring.
type ResyncHandler func(conversationID int64)

type subscription struct {
	onEvent  EventHandler
	onResync ResyncHandler
}

// SubscriptionManager multiplexes conversation subscriptions over a single
// websocket connection and redials with backoff when the connection drops.
type SubscriptionManager struct {
	wsURL  string
	token  string
	dialer *websocket.Dialer

	mu            sync.Mutex
	conn          *websocket.Conn
	subscriptions map[int64]subscription
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSubscriptionManager(wsURL, token string) (*SubscriptionManager, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()

	ctx, cancel := context.WithCancel(context.Background())
	m := &SubscriptionManager{
		wsURL:         parsed.String(),
		token:         token,
		dialer:        websocket.DefaultDialer,
		subscriptions: make(map[int64]subscription),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	return m, nil
}

// Start dials the server and begins the read loop. It returns once the first
// connection attempt resolves; later drops are handled internally.
func (m *SubscriptionManager) Start() error {
	conn, err := m.dial()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	go m.run(conn)
	return nil
}

// Subscribe registers a handler for a conversation and asks the server to
// start forwarding its events. Subscribing an already subscribed conversation
// replaces the handlers without re-sending the frame.
func (m *SubscriptionManager) Subscribe(conversationID int64, onEvent EventHandler, onResync ResyncHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return websocket.ErrCloseSent
	}

	_, existed := m.subscriptions[conversationID]
	m.subscriptions[conversationID] = subscription{onEvent: onEvent, onResync: onResync}
	if existed || m.conn == nil {
		return nil
	}

	return m.writeCommand("subscribe", conversationID)
}

// Unsubscribe stops forwarding for a conversation. Unsubscribing a
// conversation that is not subscribed is a no-op.
func (m *SubscriptionManager) Unsubscribe(conversationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscriptions[conversationID]; !ok {
		return nil
	}
	delete(m.subscriptions, conversationID)

	if m.closed || m.conn == nil {
		return nil
	}
	return m.writeCommand("unsubscribe", conversationID)
}

// Close tears the connection down and stops the redial loop.
func (m *SubscriptionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

func (m *SubscriptionManager) dial() (*websocket.Conn, error) {
	conn, resp, err := m.dialer.DialContext(m.ctx, m.wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *SubscriptionManager) run(conn *websocket.Conn) {
	defer close(m.done)

	for {
		m.readLoop(conn)

		m.mu.Lock()
		closed := m.closed
		m.conn = nil
		m.mu.Unlock()
		if closed {
			return
		}

		conn = m.redial()
		if conn == nil {
			return
		}
	}
}

func (m *SubscriptionManager) readLoop(conn *websocket.Conn) {
	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			_ = conn.Close()
			return
		}

		m.mu.Lock()
		sub, ok := m.subscriptions[event.ConversationID]
		m.mu.Unlock()
		if ok && sub.onEvent != nil {
			sub.onEvent(event)
		}
	}
}

// redial reconnects with capped exponential backoff, re-sends the subscribe
// frames, and fires the resync handlers so callers can reload missed state.
func (m *SubscriptionManager) redial() *websocket.Conn {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-m.ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		conn, err := m.dial()
		if err != nil {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		m.conn = conn
		resubscribed := make(map[int64]subscription, len(m.subscriptions))
		for conversationID, sub := range m.subscriptions {
			if err := m.writeCommand("subscribe", conversationID); err != nil {
				break
			}
			resubscribed[conversationID] = sub
		}
		m.mu.Unlock()

		for conversationID, sub := range resubscribed {
			if sub.onResync != nil {
				sub.onResync(conversationID)
			}
		}
		return conn
	}
}

// writeCommand sends a control frame. Callers hold m.mu.
func (m *SubscriptionManager) writeCommand(action string, conversationID int64) error {
	frame := struct {
		Action         string `json:"action"`
		ConversationID int64  `json:"conversation_id"`
	}{Action: action, ConversationID: conversationID}

	encoded, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return m.conn.WriteMessage(websocket.TextMessage, encoded)
}
