package services

import (
	"context"
	"errors"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitmeal/coach-chat/internal/models"
	"github.com/fitmeal/coach-chat/internal/repository"
	"github.com/fitmeal/coach-chat/pkg/utils"
)

// EventPublisher fans committed row changes out to subscribed peers. Calls
// happen after the owning transaction commits; implementations log their own
// failures and never block the request path on delivery.
type EventPublisher interface {
	PublishInsert(ctx context.Context, conversationID int64, message *models.Message)
	PublishUpdate(ctx context.Context, conversationID int64, message *models.Message)
	PublishStatus(ctx context.Context, conversationID int64)
}

type assignmentReader interface {
	GetActiveForPair(ctx context.Context, coachID, clientID int64) (*models.Assignment, error)
}

// AttachmentLimits is the pre-upload validation policy.
type AttachmentLimits struct {
	MaxImageBytes    int64
	MaxFileBytes     int64
	AllowedFileTypes []string
}

type ChatService struct {
	db               *pgxpool.Pool
	conversationRepo *repository.ConversationRepository
	messageRepo      *repository.MessageRepository
	assignmentRepo   assignmentReader
	userRepo         userReader
	storage          StorageService
	events           EventPublisher
	limits           AttachmentLimits
}

type ChatDelivery struct {
	Conversation *models.Conversation
	Message      *models.Message
	RecipientID  int64
}

func NewChatService(
	db *pgxpool.Pool,
	conversationRepo *repository.ConversationRepository,
	messageRepo *repository.MessageRepository,
	assignmentRepo assignmentReader,
	userRepo userReader,
	storage StorageService,
	events EventPublisher,
	limits AttachmentLimits,
) *ChatService {
	return &ChatService{
		db:               db,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		assignmentRepo:   assignmentRepo,
		userRepo:         userRepo,
		storage:          storage,
		events:           events,
		limits:           limits,
	}
}

func isChatRole(role string) bool {
	return role == models.RoleUser || role == models.RoleCoach
}

func (s *ChatService) ListConversations(
	ctx context.Context,
	actorID int64,
	role string,
) ([]models.ConversationSummary, error) {
	if !isChatRole(role) {
		return nil, ErrForbidden
	}

	return s.conversationRepo.ListForParticipant(ctx, actorID)
}

// GetOrCreateConversation resolves the unique conversation for the
// (coach, client) pair, creating it on first contact. The conversation is
// keyed on the pair, not the assignment, so history survives assignment
// churn.
func (s *ChatService) GetOrCreateConversation(
	ctx context.Context,
	actorID int64,
	role string,
	counterpartID int64,
) (*models.Conversation, error) {
	if !isChatRole(role) {
		return nil, ErrForbidden
	}
	if counterpartID <= 0 || counterpartID == actorID {
		return nil, ErrInvalidInput
	}

	counterpart, err := s.userRepo.GetByID(ctx, counterpartID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if role == models.RoleUser {
				return nil, ErrCoachNotFound
			}
			return nil, ErrInvalidInput
		}
		return nil, err
	}

	var coachID, clientID int64
	switch role {
	case models.RoleUser:
		if counterpart.Role != models.RoleCoach {
			return nil, ErrInvalidInput
		}
		coachID, clientID = counterpartID, actorID
	case models.RoleCoach:
		if counterpart.Role != models.RoleUser {
			return nil, ErrInvalidInput
		}
		coachID, clientID = actorID, counterpartID
	}

	return s.conversationRepo.CreateOrGet(ctx, coachID, clientID)
}

func (s *ChatService) GetChatStatus(
	ctx context.Context,
	actorID int64,
	role string,
	conversationID int64,
) (*models.ChatStatus, error) {
	if !isChatRole(role) {
		return nil, ErrForbidden
	}
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}

	conversation, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrForbidden
		}
		return nil, err
	}

	assignment, err := s.activeAssignmentFor(ctx, conversation)
	if err != nil {
		return nil, err
	}

	status := ResolveChatStatus(assignment, conversation)
	return &status, nil
}

func (s *ChatService) activeAssignmentFor(
	ctx context.Context,
	conversation *models.Conversation,
) (*models.Assignment, error) {
	assignment, err := s.assignmentRepo.GetActiveForPair(ctx, conversation.CoachID, conversation.ClientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return assignment, nil
}

func (s *ChatService) ListMessages(
	ctx context.Context,
	actorID int64,
	role string,
	conversationID int64,
	limit int,
	before *time.Time,
) ([]models.Message, error) {
	if !isChatRole(role) {
		return nil, ErrForbidden
	}
	if conversationID <= 0 || limit < 0 {
		return nil, ErrInvalidInput
	}

	if _, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrForbidden
		}
		return nil, err
	}

	return s.messageRepo.ListByConversation(ctx, conversationID, limit, before)
}

// SendText commits a text message. Sends are refused server-side when no
// ACTIVE assignment covers the pair, regardless of what the client believed.
func (s *ChatService) SendText(
	ctx context.Context,
	actorID int64,
	role string,
	conversationID int64,
	body string,
) (*ChatDelivery, error) {
	if !isChatRole(role) {
		return nil, ErrForbidden
	}
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}

	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil, ErrInvalidInput
	}

	conversation, err := s.sendableConversation(ctx, actorID, conversationID)
	if err != nil {
		return nil, err
	}

	message, err := s.commitMessage(ctx, repository.InsertMessageInput{
		ID:             utils.NewMessageID(),
		ConversationID: conversationID,
		SenderID:       actorID,
		Body:           trimmed,
		MessageType:    models.MessageTypeText,
	})
	if err != nil {
		return nil, err
	}

	if s.events != nil {
		s.events.PublishInsert(ctx, conversationID, message)
	}

	return &ChatDelivery{
		Conversation: conversation,
		Message:      message,
		RecipientID:  conversation.CounterpartOf(actorID),
	}, nil
}

type AttachmentMessageInput struct {
	MessageID   string
	Body        string
	MessageType string
	Path        string
	Name        string
	Mime        string
	Size        int64
}

// SendAttachment commits the message row for an already uploaded attachment.
// The caller-generated message id doubles as the attachment path segment, so
// a retried commit lands on the same row and the declared path can be checked
// against the conversation and message it claims to belong to.
func (s *ChatService) SendAttachment(
	ctx context.Context,
	actorID int64,
	role string,
	conversationID int64,
	input AttachmentMessageInput,
) (*ChatDelivery, error) {
	if !isChatRole(role) {
		return nil, ErrForbidden
	}
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}
	if input.MessageID == "" || input.Size <= 0 || input.Mime == "" {
		return nil, ErrInvalidInput
	}
	if input.MessageType != models.MessageTypeImage && input.MessageType != models.MessageTypeFile {
		return nil, ErrInvalidInput
	}
	if classifyMessageType(input.Mime) != input.MessageType {
		return nil, ErrInvalidInput
	}

	pathConversationID, pathMessageID, pathFilename, err := ParseAttachmentPath(input.Path)
	if err != nil {
		return nil, ErrInvalidInput
	}
	if pathConversationID != conversationID || pathMessageID != input.MessageID {
		return nil, ErrInvalidInput
	}
	if input.Name != pathFilename {
		return nil, ErrInvalidInput
	}

	conversation, err := s.sendableConversation(ctx, actorID, conversationID)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(input.Body)
	message, err := s.commitMessage(ctx, repository.InsertMessageInput{
		ID:             input.MessageID,
		ConversationID: conversationID,
		SenderID:       actorID,
		Body:           trimmed,
		MessageType:    input.MessageType,
		AttachmentPath: &input.Path,
		AttachmentName: &input.Name,
		AttachmentMime: &input.Mime,
		AttachmentSize: &input.Size,
	})
	if err != nil {
		return nil, err
	}

	if s.events != nil {
		s.events.PublishInsert(ctx, conversationID, message)
	}

	return &ChatDelivery{
		Conversation: conversation,
		Message:      message,
		RecipientID:  conversation.CounterpartOf(actorID),
	}, nil
}

// sendableConversation loads the conversation and enforces the send gate:
// participant only, and an ACTIVE assignment for the pair.
func (s *ChatService) sendableConversation(
	ctx context.Context,
	actorID int64,
	conversationID int64,
) (*models.Conversation, error) {
	conversation, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrForbidden
		}
		return nil, err
	}

	assignment, err := s.activeAssignmentFor(ctx, conversation)
	if err != nil {
		return nil, err
	}
	if status := ResolveChatStatus(assignment, conversation); !status.CanSend {
		return nil, ErrReadOnly
	}

	return conversation, nil
}

func (s *ChatService) commitMessage(
	ctx context.Context,
	input repository.InsertMessageInput,
) (*models.Message, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txMessageRepo := repository.NewMessageRepository(tx)
	txConversationRepo := repository.NewConversationRepository(tx)

	message, err := txMessageRepo.Insert(ctx, input)
	if err != nil {
		return nil, err
	}
	// A replayed id that belongs to another conversation or sender is an
	// attempt to hijack an existing row, not a retry.
	if message.ConversationID != input.ConversationID || message.SenderID != input.SenderID {
		return nil, ErrConflict
	}

	if err := txConversationRepo.Touch(ctx, input.ConversationID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return message, nil
}

// MarkRead stamps read_at on every unread incoming message up to now and
// pushes the updated rows so the sender's view can show the receipt.
func (s *ChatService) MarkRead(
	ctx context.Context,
	actorID int64,
	role string,
	conversationID int64,
) (int, error) {
	if !isChatRole(role) {
		return 0, ErrForbidden
	}
	if conversationID <= 0 {
		return 0, ErrInvalidInput
	}

	if _, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrForbidden
		}
		return 0, err
	}

	updated, err := s.messageRepo.MarkReadUpTo(ctx, conversationID, actorID, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	if s.events != nil {
		for i := range updated {
			s.events.PublishUpdate(ctx, conversationID, &updated[i])
		}
	}

	return len(updated), nil
}

// UploadAttachment validates and stores attachment bytes ahead of the commit.
// Nothing touches the store when validation fails.
func (s *ChatService) UploadAttachment(
	ctx context.Context,
	actorID int64,
	role string,
	conversationID int64,
	messageID string,
	file multipart.File,
	filename string,
	mime string,
	size int64,
) (*AttachmentInfo, error) {
	if s.storage == nil {
		return nil, ErrStorageUnavailable
	}
	if !isChatRole(role) {
		return nil, ErrForbidden
	}
	if conversationID <= 0 || messageID == "" || file == nil {
		return nil, ErrInvalidInput
	}

	cleaned := filepath.Base(strings.TrimSpace(filename))
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return nil, ErrInvalidInput
	}

	if err := s.validateAttachment(mime, size); err != nil {
		return nil, err
	}

	if _, err := s.sendableConversation(ctx, actorID, conversationID); err != nil {
		return nil, err
	}

	return s.storage.Upload(ctx, conversationID, messageID, file, cleaned, mime)
}

// DeleteAttachment removes an uploaded object whose commit failed. The
// compensation window closes once a message row references the id in the
// path; committed attachments are not deletable.
func (s *ChatService) DeleteAttachment(
	ctx context.Context,
	actorID int64,
	role string,
	conversationID int64,
	objectPath string,
) error {
	if s.storage == nil {
		return ErrStorageUnavailable
	}
	if !isChatRole(role) {
		return ErrForbidden
	}
	if conversationID <= 0 {
		return ErrInvalidInput
	}

	pathConversationID, pathMessageID, _, err := ParseAttachmentPath(objectPath)
	if err != nil || pathConversationID != conversationID {
		return ErrInvalidInput
	}

	if _, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrForbidden
		}
		return err
	}

	if _, err := s.messageRepo.GetByID(ctx, pathMessageID); err == nil {
		return ErrConflict
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	return s.storage.Delete(ctx, objectPath)
}

func (s *ChatService) SignedAttachmentURL(
	ctx context.Context,
	actorID int64,
	role string,
	conversationID int64,
	objectPath string,
	ttlSeconds int,
) (string, error) {
	if s.storage == nil {
		return "", ErrStorageUnavailable
	}
	if !isChatRole(role) {
		return "", ErrForbidden
	}

	pathConversationID, _, _, err := ParseAttachmentPath(objectPath)
	if err != nil || pathConversationID != conversationID {
		return "", ErrInvalidInput
	}

	if _, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrForbidden
		}
		return "", err
	}

	return s.storage.SignedURL(ctx, objectPath, ttlSeconds)
}

func (s *ChatService) validateAttachment(mime string, size int64) error {
	if size <= 0 {
		return ErrInvalidInput
	}
	switch classifyMessageType(mime) {
	case models.MessageTypeImage:
		if size > s.limits.MaxImageBytes {
			return ErrAttachmentTooLarge
		}
	case models.MessageTypeFile:
		allowed := false
		for _, candidate := range s.limits.AllowedFileTypes {
			if strings.EqualFold(candidate, mime) {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrAttachmentType
		}
		if size > s.limits.MaxFileBytes {
			return ErrAttachmentTooLarge
		}
	}
	return nil
}

func classifyMessageType(mime string) string {
	if strings.HasPrefix(mime, "image/") {
		return models.MessageTypeImage
	}
	return models.MessageTypeFile
}

func FormatChatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}
