package chatclient

import (
	"errors"
	"io"
	"strings"
	"sync"
)

var (
	ErrEmptyDraft     = errors.New("chatclient: draft is empty")
	ErrNoAttachment   = errors.New("chatclient: no attachment staged")
	ErrSendInFlight   = errors.New("chatclient: a send is already in flight")
	ErrNothingToRetry = errors.New("chatclient: no failed draft to retry")
)

// AttachmentDraft stages a file picked for the next send.
type AttachmentDraft struct {
	Filename string
	Mime     string
	Content  io.Reader
}

// ComposeBuffer holds what is being composed for one conversation: the text
// body and an optionally staged attachment. A failed send keeps the draft so
// the user retries instead of retyping; a successful send clears it. Only one
// send may be in flight at a time, whichever kind it is.
type ComposeBuffer struct {
	mu         sync.Mutex
	draft      string
	attachment *AttachmentDraft
	inFlight   bool
}

func NewComposeBuffer() *ComposeBuffer {
	return &ComposeBuffer{}
}

// SetDraft replaces the draft text. Editing while a send is in flight is
// allowed; the in-flight send carries the text it was taken with.
func (b *ComposeBuffer) SetDraft(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.draft = text
}

func (b *ComposeBuffer) Draft() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.draft
}

// SetAttachment stages a file for the next attachment send; nil clears it.
func (b *ComposeBuffer) SetAttachment(attachment *AttachmentDraft) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attachment = attachment
}

func (b *ComposeBuffer) Attachment() *AttachmentDraft {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attachment
}

// TakeForSend validates the draft and marks a send in flight. The trimmed
// text is returned for the caller to submit; the buffer keeps the original
// draft until SendSucceeded so a failure retains it.
func (b *ComposeBuffer) TakeForSend() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inFlight {
		return "", ErrSendInFlight
	}
	trimmed := strings.TrimSpace(b.draft)
	if trimmed == "" {
		return "", ErrEmptyDraft
	}

	b.inFlight = true
	return trimmed, nil
}

// TakeAttachmentForSend validates the staged attachment and marks a send in
// flight, returning the attachment with the trimmed caption. The caption may
// be empty; the attachment alone satisfies the non-empty-message rule. The
// staged state is kept until AttachmentSendSucceeded so a failed upload or
// commit retains it for retry.
func (b *ComposeBuffer) TakeAttachmentForSend() (AttachmentDraft, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inFlight {
		return AttachmentDraft{}, "", ErrSendInFlight
	}
	if b.attachment == nil {
		return AttachmentDraft{}, "", ErrNoAttachment
	}

	b.inFlight = true
	return *b.attachment, strings.TrimSpace(b.draft), nil
}

// SendSucceeded clears the draft and the in-flight flag. The draft is only
// cleared when it still matches what was sent, so text typed mid-send is not
// lost.
func (b *ComposeBuffer) SendSucceeded(sent string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inFlight = false
	if strings.TrimSpace(b.draft) == sent {
		b.draft = ""
	}
}

// AttachmentSendSucceeded clears the staged attachment and the in-flight
// flag. The caption draft is cleared only when it still matches what was
// sent, so text typed mid-send is not lost.
func (b *ComposeBuffer) AttachmentSendSucceeded(caption string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inFlight = false
	b.attachment = nil
	if strings.TrimSpace(b.draft) == caption {
		b.draft = ""
	}
}

// SendFailed releases the in-flight flag and keeps the draft, and any staged
// attachment, for retry.
func (b *ComposeBuffer) SendFailed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight = false
}

func (b *ComposeBuffer) InFlight() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}
