// Package gateway subscribes to the remote store's row-change stream
// over WebSocket. The stream is durable on the server side and filtered
// to the two participants of one conversation; this client normalizes
// its envelopes into domain change events tagged SourceStream.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/justinron31/over/internal/domain"
	"github.com/justinron31/over/internal/remote"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	eventBufSize = 256
	tokenTTL     = 12 * time.Hour
)

// Wire event types, server to client.
const (
	eventMessageNew     = "message.new"
	eventMessageEdited  = "message.edited"
	eventMessageDeleted = "message.deleted"
)

// Wire event types, client to server.
const (
	eventSubscribe = "conversation.subscribe"
)

// envelope is the base frame for all gateway messages.
type envelope struct {
	Type            string          `json:"type"`
	ConversationKey string          `json:"conversation_key,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Timestamp       int64           `json:"ts,omitempty"`
}

type subscribePayload struct {
	ConversationKey string `json:"conversation_key"`
}

// Client dials the gateway and opens change-stream subscriptions.
// Auth is done via ?token=xxx query param (WebSocket can't send headers).
type Client struct {
	url       string
	jwtSecret string
	userID    uuid.UUID
}

func NewClient(url, jwtSecret string, userID uuid.UUID) *Client {
	return &Client{url: url, jwtSecret: jwtSecret, userID: userID}
}

// Subscribe dials, authenticates, and registers for row changes on the
// conversation. The returned subscription ends (its Events channel
// closes) when the connection dies; re-establishment is the transport
// adapter's job.
func (c *Client) Subscribe(ctx context.Context, key string) (remote.Subscription, error) {
	token, err := c.mintToken()
	if err != nil {
		return nil, fmt.Errorf("minting gateway token: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, c.url+"?token="+token, nil)
	if err != nil {
		return nil, remote.Transient("gateway dial", err)
	}

	payload, _ := json.Marshal(subscribePayload{ConversationKey: key})
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	err = wsjson.Write(writeCtx, conn, envelope{
		Type:            eventSubscribe,
		ConversationKey: key,
		Payload:         payload,
		Timestamp:       time.Now().Unix(),
	})
	cancel()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, remote.Transient("gateway subscribe", err)
	}

	sub := &subscription{
		conn:   conn,
		key:    key,
		events: make(chan domain.ChangeEvent, eventBufSize),
		done:   make(chan struct{}),
	}
	go sub.readPump()
	go sub.pingLoop()
	return sub, nil
}

// mintToken signs the dial credential the gateway validates: HS256,
// subject = user id.
func (c *Client) mintToken() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": c.userID.String(),
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	})
	return token.SignedString([]byte(c.jwtSecret))
}

type subscription struct {
	conn   *websocket.Conn
	key    string
	events chan domain.ChangeEvent

	mu      sync.Mutex
	termErr error

	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) Events() <-chan domain.ChangeEvent { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "")
	})
}

func (s *subscription) readPump() {
	defer close(s.events)
	for {
		var env envelope
		err := wsjson.Read(context.Background(), s.conn, &env)
		if err != nil {
			select {
			case <-s.done:
				// Closed locally; not an error.
			default:
				s.mu.Lock()
				s.termErr = remote.Transient("gateway read", err)
				s.mu.Unlock()
				if websocket.CloseStatus(err) != -1 {
					log.Printf("ws: change-stream for %s closed: %v", s.key, err)
				} else {
					log.Printf("ws: change-stream read error for %s: %v", s.key, err)
				}
			}
			return
		}

		ev, err := s.normalize(&env)
		if err != nil {
			log.Printf("ws: dropping event %q for %s: %v", env.Type, s.key, err)
			continue
		}
		if ev == nil {
			continue
		}
		select {
		case s.events <- *ev:
		case <-s.done:
			return
		}
	}
}

// normalize converts a wire envelope into the tagged inbound event
// every transport path shares.
func (s *subscription) normalize(env *envelope) (*domain.ChangeEvent, error) {
	switch env.Type {
	case eventMessageNew:
		var msg domain.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", remote.ErrMalformed, err)
		}
		if msg.ID == uuid.Nil {
			return nil, remote.ErrMalformed
		}
		return &domain.ChangeEvent{
			Op:              domain.OpInsert,
			Source:          domain.SourceStream,
			ConversationKey: s.key,
			Message:         &msg,
			ObservedAt:      time.Now(),
		}, nil

	case eventMessageEdited, eventMessageDeleted:
		var patch domain.Patch
		if err := json.Unmarshal(env.Payload, &patch); err != nil {
			return nil, fmt.Errorf("%w: %v", remote.ErrMalformed, err)
		}
		if patch.MessageID == uuid.Nil {
			return nil, remote.ErrMalformed
		}
		op := domain.OpUpdate
		if env.Type == eventMessageDeleted {
			op = domain.OpDelete
		}
		return &domain.ChangeEvent{
			Op:              op,
			Source:          domain.SourceStream,
			ConversationKey: s.key,
			Patch:           &patch,
			ObservedAt:      time.Now(),
		}, nil
	}
	// Presence, typing and other envelopes are not change events.
	return nil, nil
}

func (s *subscription) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				log.Printf("ws: ping error on change-stream for %s: %v", s.key, err)
				s.conn.Close(websocket.StatusAbnormalClosure, "ping failed")
				return
			}
		case <-s.done:
			return
		}
	}
}
