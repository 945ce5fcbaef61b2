package chatclient

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeAPI struct {
	mu sync.Mutex

	status     *ChatStatus
	statusErr  error
	statusGate chan struct{}
	messages   []Message
	messageErr error

	sendResult *Message
	sendErr    error

	uploadInfo *AttachmentInfo
	uploadErr  error
	uploadGate chan struct{}

	commitResult *Message
	commitErr    error
	lastCommit   AttachmentCommit

	deletedPaths  []string
	markReadCalls int
}

func (f *fakeAPI) Status(_ context.Context, _ int64) (*ChatStatus, error) {
	f.mu.Lock()
	gate := f.statusGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	status := *f.status
	return &status, nil
}

func (f *fakeAPI) Messages(_ context.Context, _ int64, _ int, _ *time.Time) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messageErr != nil {
		return nil, f.messageErr
	}
	out := make([]Message, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

func (f *fakeAPI) SendText(_ context.Context, _ int64, _ string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	message := *f.sendResult
	return &message, nil
}

func (f *fakeAPI) UploadAttachment(_ context.Context, _ int64, messageID, filename, mime string, _ io.Reader) (*AttachmentInfo, error) {
	f.mu.Lock()
	gate := f.uploadGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	if f.uploadInfo != nil {
		info := *f.uploadInfo
		return &info, nil
	}
	return &AttachmentInfo{
		Path: "11/" + messageID + "/" + filename,
		Name: filename,
		Mime: mime,
		Size: 2048,
	}, nil
}

func (f *fakeAPI) CommitAttachment(_ context.Context, _ int64, commit AttachmentCommit) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCommit = commit
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	if f.commitResult != nil {
		message := *f.commitResult
		return &message, nil
	}
	return &Message{
		ID:             commit.MessageID,
		ConversationID: 11,
		SenderID:       42,
		Body:           commit.Body,
		MessageType:    commit.MessageType,
		AttachmentPath: &commit.AttachmentPath,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (f *fakeAPI) DeleteAttachment(_ context.Context, _ int64, objectPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPaths = append(f.deletedPaths, objectPath)
	return nil
}

func (f *fakeAPI) MarkRead(_ context.Context, _ int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls++
	return 0, nil
}

func (f *fakeAPI) readDeleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deletedPaths))
	copy(out, f.deletedPaths)
	return out
}

func (f *fakeAPI) readMarkReadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markReadCalls
}

func (f *fakeAPI) setStatus(status *ChatStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeAPI) setStatusGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusGate = gate
}

// waitUntil polls a condition; event-handler work that goes through a
// goroutine has no completion signal to wait on directly.
func waitUntil(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

type fakeSubscriber struct {
	mu           sync.Mutex
	onEvent      EventHandler
	onResync     ResyncHandler
	subscribed   []int64
	unsubscribed []int64
}

func (f *fakeSubscriber) Subscribe(conversationID int64, onEvent EventHandler, onResync ResyncHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEvent = onEvent
	f.onResync = onResync
	f.subscribed = append(f.subscribed, conversationID)
	return nil
}

func (f *fakeSubscriber) Unsubscribe(conversationID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, conversationID)
	return nil
}

func (f *fakeSubscriber) emit(event Event) {
	f.mu.Lock()
	handler := f.onEvent
	f.mu.Unlock()
	handler(event)
}

func (f *fakeSubscriber) resync(conversationID int64) {
	f.mu.Lock()
	handler := f.onResync
	f.mu.Unlock()
	handler(conversationID)
}

func activeStatus() *ChatStatus {
	return &ChatStatus{CanSend: true, Mode: ChatModeActive, HasActiveAssignment: true}
}

func readOnlyStatus() *ChatStatus {
	return &ChatStatus{CanSend: false, Mode: ChatModeReadOnly}
}

func textMessage(id string, senderID int64, body string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: 11,
		SenderID:       senderID,
		Body:           body,
		MessageType:    MessageTypeText,
		CreatedAt:      at,
	}
}

func TestControllerStartLoadsHistoryAndSubscribes(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		status: activeStatus(),
		messages: []Message{
			textMessage("m-2", 7, "second", base.Add(time.Minute)),
			textMessage("m-1", 42, "first", base),
		},
	}
	subs := &fakeSubscriber{}
	controller := NewController(api, subs, 11, 42)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := controller.State(); got != StateActive {
		t.Fatalf("expected StateActive, got %q", got)
	}
	if len(subs.subscribed) != 1 || subs.subscribed[0] != 11 {
		t.Fatalf("expected subscription to conversation 11, got %v", subs.subscribed)
	}
	if api.readMarkReadCalls() != 1 {
		t.Fatalf("expected backlog marked read once, got %d", api.readMarkReadCalls())
	}

	messages := controller.Messages()
	if len(messages) != 2 || messages[0].ID != "m-1" || messages[1].ID != "m-2" {
		t.Fatalf("expected history sorted by (created_at, id), got %+v", messages)
	}
}

func TestControllerStartWithoutConversation(t *testing.T) {
	api := &fakeAPI{
		statusErr: &APIError{StatusCode: http.StatusNotFound, Message: "Conversation not found"},
	}
	controller := NewController(api, &fakeSubscriber{}, 11, 42)

	if err := controller.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if got := controller.State(); got != StateNoCoach {
		t.Fatalf("expected StateNoCoach, got %q", got)
	}
}

func TestControllerReadOnlyStartStillMarksBacklogRead(t *testing.T) {
	api := &fakeAPI{status: readOnlyStatus()}
	controller := NewController(api, &fakeSubscriber{}, 11, 42)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := controller.State(); got != StateReadOnly {
		t.Fatalf("expected StateReadOnly, got %q", got)
	}
	// Opening the chat counts as reading even when sending is disabled;
	// without this the counterpart's last messages never show a receipt.
	if api.readMarkReadCalls() != 1 {
		t.Fatalf("expected backlog marked read on read-only mount, got %d calls", api.readMarkReadCalls())
	}
}

func TestControllerSendEchoDoesNotDuplicate(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sent := textMessage("m-9", 42, "hello", base)
	api := &fakeAPI{status: activeStatus(), sendResult: &sent}
	subs := &fakeSubscriber{}
	controller := NewController(api, subs, 11, 42)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	controller.Compose.SetDraft("hello")
	if _, err := controller.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The realtime echo of our own send arrives after the HTTP response.
	subs.emit(Event{Event: EventInsert, ConversationID: 11, Message: &sent})

	messages := controller.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected the echo to collapse onto the sent row, got %d messages", len(messages))
	}
	if controller.Compose.Draft() != "" {
		t.Fatalf("expected draft cleared after send, got %q", controller.Compose.Draft())
	}
}

func TestControllerInsertKeepsConversationOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	api := &fakeAPI{status: activeStatus()}
	subs := &fakeSubscriber{}
	controller := NewController(api, subs, 11, 42)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	later := textMessage("m-2", 7, "later", base.Add(time.Minute))
	earlier := textMessage("m-1", 7, "earlier", base)
	subs.emit(Event{Event: EventInsert, ConversationID: 11, Message: &later})
	subs.emit(Event{Event: EventInsert, ConversationID: 11, Message: &earlier})

	messages := controller.Messages()
	if len(messages) != 2 || messages[0].ID != "m-1" || messages[1].ID != "m-2" {
		t.Fatalf("expected (created_at, id) order, got %+v", messages)
	}
}

func TestControllerUpdateReplacesMessage(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	unread := textMessage("m-1", 42, "hello", base)
	api := &fakeAPI{status: activeStatus(), messages: []Message{unread}}
	subs := &fakeSubscriber{}
	controller := NewController(api, subs, 11, 42)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	readAt := base.Add(2 * time.Minute)
	read := unread
	read.ReadAt = &readAt
	subs.emit(Event{Event: EventUpdate, ConversationID: 11, Message: &read})

	messages := controller.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected update in place, got %d messages", len(messages))
	}
	if messages[0].ReadAt == nil || !messages[0].ReadAt.Equal(readAt) {
		t.Fatalf("expected read receipt applied, got %+v", messages[0].ReadAt)
	}
}

func TestControllerReadOnlyRefusalFlipsStateAndKeepsDraft(t *testing.T) {
	api := &fakeAPI{
		status:  activeStatus(),
		sendErr: &APIError{StatusCode: http.StatusConflict, Code: "read_only", Message: "Conversation is read only"},
	}
	controller := NewController(api, &fakeSubscriber{}, 11, 42)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	api.setStatus(readOnlyStatus())
	controller.Compose.SetDraft("one more thing")

	if _, err := controller.Send(context.Background()); !IsReadOnly(err) {
		t.Fatalf("expected read-only error, got %v", err)
	}
	if got := controller.State(); got != StateReadOnly {
		t.Fatalf("expected StateReadOnly after refusal, got %q", got)
	}
	if got := controller.Compose.Draft(); got != "one more thing" {
		t.Fatalf("expected draft retained, got %q", got)
	}

	// Further sends are refused locally without hitting the API.
	if _, err := controller.Send(context.Background()); !IsReadOnly(err) {
		t.Fatalf("expected local read-only refusal, got %v", err)
	}
}

func TestControllerAttachmentCompensatesFailedCommit(t *testing.T) {
	api := &fakeAPI{
		status:    activeStatus(),
		commitErr: &APIError{StatusCode: http.StatusInternalServerError, Message: "boom"},
	}
	controller := NewController(api, &fakeSubscriber{}, 11, 42)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	controller.Compose.SetAttachment(&AttachmentDraft{
		Filename: "squat.jpg",
		Mime:     "image/jpeg",
		Content:  strings.NewReader("fake image bytes"),
	})
	controller.Compose.SetDraft("form check")

	if _, err := controller.SendAttachment(context.Background()); err == nil {
		t.Fatal("expected commit failure")
	}

	deleted := api.readDeleted()
	if len(deleted) != 1 {
		t.Fatalf("expected the uploaded object deleted, got %v", deleted)
	}
	if !strings.HasSuffix(deleted[0], "/squat.jpg") {
		t.Fatalf("unexpected deleted path %q", deleted[0])
	}
	if len(controller.Messages()) != 0 {
		t.Fatalf("expected no message after failed commit, got %d", len(controller.Messages()))
	}
	if controller.Compose.Attachment() == nil || controller.Compose.Draft() != "form check" {
		t.Fatal("expected attachment and caption retained for retry")
	}
	if controller.Compose.InFlight() {
		t.Fatal("expected in-flight flag released after failure")
	}
}

func TestControllerAttachmentCommitCarriesUploadResult(t *testing.T) {
	api := &fakeAPI{status: activeStatus()}
	controller := NewController(api, &fakeSubscriber{}, 11, 42)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	controller.Compose.SetAttachment(&AttachmentDraft{
		Filename: "plan.pdf",
		Mime:     "application/pdf",
		Content:  strings.NewReader("fake pdf bytes"),
	})
	controller.Compose.SetDraft("next week")

	message, err := controller.SendAttachment(context.Background())
	if err != nil {
		t.Fatalf("SendAttachment: %v", err)
	}

	if api.lastCommit.MessageID == "" || api.lastCommit.MessageID != message.ID {
		t.Fatalf("expected client-generated id reused in commit, got %q vs %q", api.lastCommit.MessageID, message.ID)
	}
	if api.lastCommit.MessageType != MessageTypeFile {
		t.Fatalf("expected file type for pdf, got %q", api.lastCommit.MessageType)
	}
	if api.lastCommit.Body != "next week" {
		t.Fatalf("expected caption carried into commit, got %q", api.lastCommit.Body)
	}
	if !strings.HasSuffix(api.lastCommit.AttachmentPath, "/plan.pdf") {
		t.Fatalf("unexpected commit path %q", api.lastCommit.AttachmentPath)
	}
	if len(api.readDeleted()) != 0 {
		t.Fatalf("expected no compensation on success, got %v", api.readDeleted())
	}
	if controller.Compose.Attachment() != nil || controller.Compose.Draft() != "" {
		t.Fatal("expected compose buffer cleared after successful send")
	}
}

func TestControllerAttachmentSendHoldsSingleSendSlot(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{status: activeStatus(), uploadGate: gate}
	controller := NewController(api, &fakeSubscriber{}, 11, 42)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	controller.Compose.SetAttachment(&AttachmentDraft{
		Filename: "plan.pdf",
		Mime:     "application/pdf",
		Content:  strings.NewReader("fake pdf bytes"),
	})

	done := make(chan error, 1)
	go func() {
		_, err := controller.SendAttachment(context.Background())
		done <- err
	}()
	waitUntil(t, controller.Compose.InFlight)

	// The upload is parked on the gate; any other send must be refused.
	controller.Compose.SetDraft("hello")
	if _, err := controller.Send(context.Background()); err != ErrSendInFlight {
		t.Fatalf("expected ErrSendInFlight for text send during upload, got %v", err)
	}
	if _, err := controller.SendAttachment(context.Background()); err != ErrSendInFlight {
		t.Fatalf("expected ErrSendInFlight for second attachment send, got %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("SendAttachment: %v", err)
	}
	if controller.Compose.InFlight() {
		t.Fatal("expected in-flight flag released after commit")
	}
	if controller.Compose.Attachment() != nil {
		t.Fatal("expected attachment cleared after successful send")
	}
}

func TestControllerStatusEventRefreshesMode(t *testing.T) {
	api := &fakeAPI{status: activeStatus()}
	subs := &fakeSubscriber{}
	controller := NewController(api, subs, 11, 42)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	api.setStatus(readOnlyStatus())
	subs.emit(Event{Event: EventStatus, ConversationID: 11})

	waitUntil(t, func() bool { return controller.State() == StateReadOnly })
}

func TestControllerEventDispatchDoesNotBlockOnStatusFetch(t *testing.T) {
	api := &fakeAPI{status: activeStatus()}
	subs := &fakeSubscriber{}
	controller := NewController(api, subs, 11, 42)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Park the status fetch. If the handler ran it on the dispatch
	// goroutine, emit would hang here and the test would time out.
	gate := make(chan struct{})
	api.setStatusGate(gate)
	subs.emit(Event{Event: EventStatus, ConversationID: 11})

	if got := controller.State(); got != StateActive {
		t.Fatalf("expected state unchanged while status fetch is pending, got %q", got)
	}

	api.setStatus(readOnlyStatus())
	close(gate)
	waitUntil(t, func() bool { return controller.State() == StateReadOnly })
}

func TestControllerResyncReloadsHistory(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	api := &fakeAPI{status: activeStatus()}
	subs := &fakeSubscriber{}
	controller := NewController(api, subs, 11, 42)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A message landed while the socket was down; only a re-list sees it.
	missed := textMessage("m-7", 7, "missed you", base)
	api.mu.Lock()
	api.messages = []Message{missed}
	api.mu.Unlock()

	subs.resync(11)

	messages := controller.Messages()
	if len(messages) != 1 || messages[0].ID != "m-7" {
		t.Fatalf("expected resync to reload history, got %+v", messages)
	}
}

func TestControllerTeardownUnsubscribesFirstAndIsIdempotent(t *testing.T) {
	api := &fakeAPI{status: activeStatus()}
	subs := &fakeSubscriber{}
	controller := NewController(api, subs, 11, 42)

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := controller.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if err := controller.Teardown(); err != nil {
		t.Fatalf("Teardown (second): %v", err)
	}

	if len(subs.unsubscribed) != 1 || subs.unsubscribed[0] != 11 {
		t.Fatalf("expected exactly one unsubscribe, got %v", subs.unsubscribed)
	}
	if got := controller.State(); got != StateTornDown {
		t.Fatalf("expected StateTornDown, got %q", got)
	}
	if _, err := controller.Send(context.Background()); err != ErrTornDown {
		t.Fatalf("expected ErrTornDown, got %v", err)
	}
}
