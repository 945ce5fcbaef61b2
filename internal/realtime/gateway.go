package realtime

import (
	"context"
	"encoding/json"
	"strconv"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fitmeal/coach-chat/internal/models"
)

type conversationAccess interface {
	GetByIDForParticipant(ctx context.Context, conversationID, participantID int64) (*models.Conversation, error)
}

// Gateway bridges websocket connections to the Redis broker. Each connection
// holds one Redis subscription that is joined to and left from conversation
// channels as the client asks; events are only forwarded for channels the
// authenticated user was allowed to join.
type Gateway struct {
	rdb    *redis.Client
	access conversationAccess
}

func NewGateway(rdb *redis.Client, access conversationAccess) *Gateway {
	return &Gateway{rdb: rdb, access: access}
}

type clientCommand struct {
	Action         string `json:"action"`
	ConversationID int64  `json:"conversation_id"`
}

type errorFrame struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

func (g *Gateway) Handle(conn *websocket.Conn) {
	userIDValue, _ := conn.Locals("user_id").(string)
	userID, err := strconv.ParseInt(userIDValue, 10, 64)
	if err != nil || userID <= 0 {
		_ = conn.Close()
		return
	}

	ctx := context.Background()
	pubsub := g.rdb.Subscribe(ctx)
	send := make(chan []byte, 32)

	// Forward broker payloads into the connection's send queue. The channel
	// closes when pubsub is closed during teardown.
	go func() {
		for msg := range pubsub.Channel() {
			select {
			case send <- []byte(msg.Payload):
			default:
				log.Warn().Int64("user_id", userID).Msg("chat gateway send queue full, dropping event")
			}
		}
		close(send)
	}()

	go func() {
		for payload := range send {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}()

	defer func() {
		_ = pubsub.Close()
		_ = conn.Close()
	}()

	subscribed := make(map[int64]struct{})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			g.sendError(send, "invalid command payload")
			continue
		}
		if cmd.ConversationID <= 0 {
			g.sendError(send, "invalid conversation id")
			continue
		}

		switch cmd.Action {
		case "subscribe":
			if _, ok := subscribed[cmd.ConversationID]; ok {
				continue
			}
			if _, err := g.access.GetByIDForParticipant(ctx, cmd.ConversationID, userID); err != nil {
				g.sendError(send, "conversation not found")
				continue
			}
			if err := pubsub.Subscribe(ctx, ChannelFor(cmd.ConversationID)); err != nil {
				log.Error().Err(err).Int64("conversation_id", cmd.ConversationID).Msg("chat gateway subscribe")
				g.sendError(send, "subscribe failed")
				continue
			}
			subscribed[cmd.ConversationID] = struct{}{}
		case "unsubscribe":
			// Leaving a channel twice is harmless.
			if _, ok := subscribed[cmd.ConversationID]; !ok {
				continue
			}
			delete(subscribed, cmd.ConversationID)
			if err := pubsub.Unsubscribe(ctx, ChannelFor(cmd.ConversationID)); err != nil {
				log.Error().Err(err).Int64("conversation_id", cmd.ConversationID).Msg("chat gateway unsubscribe")
			}
		default:
			g.sendError(send, "unsupported action")
		}
	}
}

func (g *Gateway) sendError(send chan []byte, message string) {
	payload, err := json.Marshal(errorFrame{Event: "error", Error: message})
	if err != nil {
		return
	}
	select {
	case send <- payload:
	default:
	}
}
