package chatclient

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle of one open conversation.
type State string

const (
	StateLoading  State = "loading"
	StateActive   State = "active"
	StateReadOnly State = "read_only"
	StateNoCoach  State = "no_coach"
	StateError    State = "error"
	StateTornDown State = "torn_down"
)

var ErrTornDown = errors.New("chatclient: controller is torn down")

type conversationAPI interface {
	Status(ctx context.Context, conversationID int64) (*ChatStatus, error)
	Messages(ctx context.Context, conversationID int64, limit int, before *time.Time) ([]Message, error)
	SendText(ctx context.Context, conversationID int64, body string) (*Message, error)
	UploadAttachment(ctx context.Context, conversationID int64, messageID, filename, mime string, content io.Reader) (*AttachmentInfo, error)
	CommitAttachment(ctx context.Context, conversationID int64, commit AttachmentCommit) (*Message, error)
	DeleteAttachment(ctx context.Context, conversationID int64, objectPath string) error
	MarkRead(ctx context.Context, conversationID int64) (int, error)
}

type subscriber interface {
	Subscribe(conversationID int64, onEvent EventHandler, onResync ResyncHandler) error
	Unsubscribe(conversationID int64) error
}

// Controller keeps one open conversation consistent: it loads history,
// mirrors live events into the message list, drives the compose buffer, and
// tracks whether the conversation is writable.
type Controller struct {
	api            conversationAPI
	subs           subscriber
	conversationID int64
	selfID         int64
	historyLimit   int

	Compose *ComposeBuffer

	// Callbacks run outside the controller lock and may be nil.
	OnStateChange     func(State)
	OnMessagesChanged func([]Message)

	mu       sync.Mutex
	state    State
	messages []Message
}

func NewController(api conversationAPI, subs subscriber, conversationID, selfID int64) *Controller {
	return &Controller{
		api:            api,
		subs:           subs,
		conversationID: conversationID,
		selfID:         selfID,
		historyLimit:   50,
		Compose:        NewComposeBuffer(),
		state:          StateLoading,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a copy of the current message list in conversation order.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Start loads status and history, subscribes for live events, and marks the
// visible backlog read. The backlog is marked even on a read-only mount:
// reading is not sending, and the counterpart's receipt must still appear.
func (c *Controller) Start(ctx context.Context) error {
	status, err := c.api.Status(ctx, c.conversationID)
	if err != nil {
		if IsForbidden(err) || IsNotFound(err) {
			c.setState(StateNoCoach)
			return err
		}
		c.setState(StateError)
		return err
	}

	messages, err := c.api.Messages(ctx, c.conversationID, c.historyLimit, nil)
	if err != nil {
		c.setState(StateError)
		return err
	}
	c.replaceMessages(messages)

	if err := c.subs.Subscribe(c.conversationID, c.handleEvent, c.handleResync); err != nil {
		c.setState(StateError)
		return err
	}

	c.setState(stateForStatus(status))

	if _, err := c.api.MarkRead(ctx, c.conversationID); err != nil {
		return err
	}
	return nil
}

// Send submits the compose buffer as a text message. The draft survives a
// failed send; a read-only refusal flips the controller to StateReadOnly.
func (c *Controller) Send(ctx context.Context) (*Message, error) {
	if state := c.State(); state != StateActive {
		if state == StateTornDown {
			return nil, ErrTornDown
		}
		return nil, &APIError{StatusCode: 409, Code: "read_only", Message: "conversation is read only"}
	}

	text, err := c.Compose.TakeForSend()
	if err != nil {
		return nil, err
	}

	message, err := c.api.SendText(ctx, c.conversationID, text)
	if err != nil {
		c.Compose.SendFailed()
		if IsReadOnly(err) {
			c.setState(StateReadOnly)
			c.refreshStatus(ctx)
		}
		return nil, err
	}

	c.Compose.SendSucceeded(text)
	c.upsert(*message)
	return message, nil
}

// SendAttachment uploads the attachment staged in the compose buffer, then
// commits the message row with the buffer's text as caption. The buffer's
// in-flight flag is held across upload and commit, so a concurrent text or
// attachment send is refused with ErrSendInFlight. When the commit fails the
// uploaded object is deleted so no orphan survives; the client-generated
// message id makes a retried commit idempotent.
func (c *Controller) SendAttachment(ctx context.Context) (*Message, error) {
	if state := c.State(); state != StateActive {
		if state == StateTornDown {
			return nil, ErrTornDown
		}
		return nil, &APIError{StatusCode: 409, Code: "read_only", Message: "conversation is read only"}
	}

	attachment, caption, err := c.Compose.TakeAttachmentForSend()
	if err != nil {
		return nil, err
	}

	messageID := uuid.NewString()
	info, err := c.api.UploadAttachment(ctx, c.conversationID, messageID, attachment.Filename, attachment.Mime, attachment.Content)
	if err != nil {
		c.Compose.SendFailed()
		if IsReadOnly(err) {
			c.setState(StateReadOnly)
			c.refreshStatus(ctx)
		}
		return nil, err
	}

	message, err := c.api.CommitAttachment(ctx, c.conversationID, AttachmentCommit{
		MessageID:      messageID,
		Body:           caption,
		MessageType:    messageTypeForMime(attachment.Mime),
		AttachmentPath: info.Path,
		AttachmentName: info.Name,
		AttachmentMime: info.Mime,
		AttachmentSize: info.Size,
	})
	if err != nil {
		_ = c.api.DeleteAttachment(ctx, c.conversationID, info.Path)
		c.Compose.SendFailed()
		if IsReadOnly(err) {
			c.setState(StateReadOnly)
			c.refreshStatus(ctx)
		}
		return nil, err
	}

	c.Compose.AttachmentSendSucceeded(caption)
	c.upsert(*message)
	return message, nil
}

// MarkRead marks the counterpart's messages read up to now.
func (c *Controller) MarkRead(ctx context.Context) (int, error) {
	if c.State() == StateTornDown {
		return 0, ErrTornDown
	}
	return c.api.MarkRead(ctx, c.conversationID)
}

// Teardown unsubscribes before dropping local state so no event handler
// fires into a dismantled controller. Teardown is idempotent.
func (c *Controller) Teardown() error {
	c.mu.Lock()
	if c.state == StateTornDown {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.subs.Unsubscribe(c.conversationID)
	c.setState(StateTornDown)

	c.mu.Lock()
	c.messages = nil
	c.mu.Unlock()
	return err
}

func (c *Controller) handleEvent(event Event) {
	if c.State() == StateTornDown {
		return
	}

	// Event handlers run on the subscription's read goroutine and must not
	// block; the network calls below go on their own goroutine.
	switch event.Event {
	case EventInsert, EventUpdate:
		if event.Message == nil {
			return
		}
		c.upsert(*event.Message)
		if event.Event == EventInsert &&
			event.Message.SenderID != c.selfID &&
			c.State() != StateTornDown {
			go func() {
				_, _ = c.api.MarkRead(context.Background(), c.conversationID)
			}()
		}
	case EventStatus:
		go c.refreshStatus(context.Background())
	}
}

// handleResync reloads history after a reconnect; anything published while
// the socket was down never reached us.
func (c *Controller) handleResync(int64) {
	ctx := context.Background()
	if c.State() == StateTornDown {
		return
	}

	messages, err := c.api.Messages(ctx, c.conversationID, c.historyLimit, nil)
	if err == nil {
		c.replaceMessages(messages)
	}
	c.refreshStatus(ctx)
}

func (c *Controller) refreshStatus(ctx context.Context) {
	status, err := c.api.Status(ctx, c.conversationID)
	if err != nil {
		if IsForbidden(err) || IsNotFound(err) {
			c.setState(StateNoCoach)
		}
		return
	}
	c.setState(stateForStatus(status))
}

// upsert merges a message into the list by id: a known id is replaced in
// place, a new one is inserted at its (created_at, id) position. Duplicate
// echoes of an own send therefore collapse onto the optimistic row.
func (c *Controller) upsert(message Message) {
	c.mu.Lock()
	replaced := false
	for i := range c.messages {
		if c.messages[i].ID == message.ID {
			c.messages[i] = message
			replaced = true
			break
		}
	}
	if !replaced {
		at := sort.Search(len(c.messages), func(i int) bool {
			return message.Before(&c.messages[i])
		})
		c.messages = append(c.messages, Message{})
		copy(c.messages[at+1:], c.messages[at:])
		c.messages[at] = message
	}
	snapshot := make([]Message, len(c.messages))
	copy(snapshot, c.messages)
	callback := c.OnMessagesChanged
	c.mu.Unlock()

	if callback != nil {
		callback(snapshot)
	}
}

func (c *Controller) replaceMessages(messages []Message) {
	sorted := make([]Message, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Before(&sorted[j])
	})

	c.mu.Lock()
	c.messages = sorted
	snapshot := make([]Message, len(sorted))
	copy(snapshot, sorted)
	callback := c.OnMessagesChanged
	c.mu.Unlock()

	if callback != nil {
		callback(snapshot)
	}
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	if c.state == next || c.state == StateTornDown && next != StateTornDown {
		c.mu.Unlock()
		return
	}
	c.state = next
	callback := c.OnStateChange
	c.mu.Unlock()

	if callback != nil {
		callback(next)
	}
}

func stateForStatus(status *ChatStatus) State {
	if status.CanSend {
		return StateActive
	}
	return StateReadOnly
}

func messageTypeForMime(mime string) string {
	if len(mime) >= 6 && mime[:6] == "image/" {
		return MessageTypeImage
	}
	return MessageTypeFile
}
