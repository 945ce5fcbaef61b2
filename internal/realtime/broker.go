package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fitmeal/coach-chat/internal/models"
)

const (
	EventInsert = "insert"
	EventUpdate = "update"
	// EventStatus signals that the assignment behind the conversation may
	// have changed; subscribers re-resolve their chat status on receipt.
	EventStatus = "status"
)

// Event is the wire payload multicast on a conversation channel.
type Event struct {
	Event          string          `json:"event"`
	ConversationID int64           `json:"conversation_id"`
	Message        *models.Message `json:"message,omitempty"`
}

func ChannelFor(conversationID int64) string {
	return fmt.Sprintf("chat:conv:%d", conversationID)
}

// Broker publishes committed row changes to the per-conversation Redis
// channel. Delivery to any given subscriber is at-least-once; consumers
// reconcile by message id.
type Broker struct {
	rdb *redis.Client
}

func NewBroker(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb}
}

func (b *Broker) PublishInsert(ctx context.Context, conversationID int64, message *models.Message) {
	b.publish(ctx, Event{Event: EventInsert, ConversationID: conversationID, Message: message})
}

func (b *Broker) PublishUpdate(ctx context.Context, conversationID int64, message *models.Message) {
	b.publish(ctx, Event{Event: EventUpdate, ConversationID: conversationID, Message: message})
}

func (b *Broker) PublishStatus(ctx context.Context, conversationID int64) {
	b.publish(ctx, Event{Event: EventStatus, ConversationID: conversationID})
}

func (b *Broker) publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("chat broker encode event")
		return
	}
	if err := b.rdb.Publish(ctx, ChannelFor(event.ConversationID), payload).Err(); err != nil {
		log.Error().Err(err).
			Int64("conversation_id", event.ConversationID).
			Str("event", event.Event).
			Msg("chat broker publish")
	}
}
