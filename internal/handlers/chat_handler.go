package handlers

import (
	"context"
	"errors"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"

	"github.com/fitmeal/coach-chat/internal/models"
	"github.com/fitmeal/coach-chat/internal/realtime"
	"github.com/fitmeal/coach-chat/internal/services"
	"github.com/fitmeal/coach-chat/pkg/utils"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

type chatApplicationService interface {
	ListConversations(ctx context.Context, actorID int64, role string) ([]models.ConversationSummary, error)
	GetOrCreateConversation(ctx context.Context, actorID int64, role string, counterpartID int64) (*models.Conversation, error)
	GetChatStatus(ctx context.Context, actorID int64, role string, conversationID int64) (*models.ChatStatus, error)
	ListMessages(ctx context.Context, actorID int64, role string, conversationID int64, limit int, before *time.Time) ([]models.Message, error)
	SendText(ctx context.Context, actorID int64, role string, conversationID int64, body string) (*services.ChatDelivery, error)
	SendAttachment(ctx context.Context, actorID int64, role string, conversationID int64, input services.AttachmentMessageInput) (*services.ChatDelivery, error)
	MarkRead(ctx context.Context, actorID int64, role string, conversationID int64) (int, error)
	UploadAttachment(ctx context.Context, actorID int64, role string, conversationID int64, messageID string, file multipart.File, filename string, mime string, size int64) (*services.AttachmentInfo, error)
	DeleteAttachment(ctx context.Context, actorID int64, role string, conversationID int64, objectPath string) error
	SignedAttachmentURL(ctx context.Context, actorID int64, role string, conversationID int64, objectPath string, ttlSeconds int) (string, error)
}

type ChatHandler struct {
	service      chatApplicationService
	gateway      *realtime.Gateway
	jwtSecret    string
	signedURLTTL int
}

func NewChatHandler(service chatApplicationService, gateway *realtime.Gateway, jwtSecret string, signedURLTTL int) *ChatHandler {
	return &ChatHandler{
		service:      service,
		gateway:      gateway,
		jwtSecret:    jwtSecret,
		signedURLTTL: signedURLTTL,
	}
}

func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	actorID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversations, err := h.service.ListConversations(c.Context(), actorID, role)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"conversations": conversations})
}

type createConversationRequest struct {
	CounterpartID int64 `json:"counterpart_id"`
}

func (h *ChatHandler) CreateConversation(c *fiber.Ctx) error {
	actorID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	conversation, err := h.service.GetOrCreateConversation(c.Context(), actorID, role, req.CounterpartID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"conversation": conversation})
}

func (h *ChatHandler) GetChatStatus(c *fiber.Ctx) error {
	actorID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	status, err := h.service.GetChatStatus(c.Context(), actorID, role, conversationID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{
		"can_send":              status.CanSend,
		"status":                status.Mode,
		"has_active_assignment": status.HasActiveAssignment,
	})
}

func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	actorID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	limit := parsePositiveInt(c.Query("limit"), defaultMessageLimit)
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	var before *time.Time
	if raw := strings.TrimSpace(c.Query("before")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid before timestamp"})
		}
		before = &parsed
	}

	messages, err := h.service.ListMessages(c.Context(), actorID, role, conversationID, limit, before)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"messages": messages})
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	actorID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	delivery, err := h.service.SendText(c.Context(), actorID, role, conversationID, req.Body)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": delivery.Message})
}

type sendAttachmentRequest struct {
	MessageID      string `json:"message_id"`
	Body           string `json:"body"`
	MessageType    string `json:"message_type"`
	AttachmentPath string `json:"attachment_path"`
	AttachmentName string `json:"attachment_name"`
	AttachmentMime string `json:"attachment_mime"`
	AttachmentSize int64  `json:"attachment_size"`
}

func (h *ChatHandler) SendAttachmentMessage(c *fiber.Ctx) error {
	actorID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	var req sendAttachmentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	delivery, err := h.service.SendAttachment(c.Context(), actorID, role, conversationID, services.AttachmentMessageInput{
		MessageID:   req.MessageID,
		Body:        req.Body,
		MessageType: req.MessageType,
		Path:        req.AttachmentPath,
		Name:        req.AttachmentName,
		Mime:        req.AttachmentMime,
		Size:        req.AttachmentSize,
	})
	if err != nil {
		return mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": delivery.Message})
}

func (h *ChatHandler) UploadAttachment(c *fiber.Ctx) error {
	actorID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	messageID := strings.TrimSpace(c.FormValue("message_id"))
	if messageID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message_id is required"})
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "file is required"})
	}
	if fileHeader.Size <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "file is empty"})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to open file"})
	}
	defer file.Close()

	mime := fileHeader.Header.Get("Content-Type")
	info, err := h.service.UploadAttachment(
		c.Context(), actorID, role, conversationID,
		messageID, file, fileHeader.Filename, mime, fileHeader.Size,
	)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"attachment": info})
}

type attachmentPathRequest struct {
	Path string `json:"path"`
}

func (h *ChatHandler) DeleteAttachment(c *fiber.Ctx) error {
	actorID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	var req attachmentPathRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if err := h.service.DeleteAttachment(c.Context(), actorID, role, conversationID, req.Path); err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"deleted": true})
}

func (h *ChatHandler) MarkRead(c *fiber.Ctx) error {
	actorID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	count, err := h.service.MarkRead(c.Context(), actorID, role, conversationID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"read": count})
}

func (h *ChatHandler) SignedURL(c *fiber.Ctx) error {
	actorID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	var req attachmentPathRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	url, err := h.service.SignedAttachmentURL(c.Context(), actorID, role, conversationID, req.Path, h.signedURLTTL)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"url": url})
}

func (h *ChatHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	h.gateway.Handle(conn)
}

func (h *ChatHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		authHeader := strings.TrimSpace(c.Get("Authorization"))
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

var (
	errInvalidToken  = errors.New("invalid token")
	errForbiddenRole = errors.New("forbidden role")
)

func parseActor(c *fiber.Ctx) (int64, string, error) {
	role, ok := c.Locals("role").(string)
	if !ok || (role != models.RoleUser && role != models.RoleCoach) {
		return 0, "", errForbiddenRole
	}

	userIDStr, ok := c.Locals("user_id").(string)
	if !ok {
		return 0, "", errInvalidToken
	}
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		return 0, "", errInvalidToken
	}

	return userID, role, nil
}

func respondActorError(c *fiber.Ctx, err error) error {
	if errors.Is(err, errForbiddenRole) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
}

func parseConversationID(c *fiber.Ctx) (int64, error) {
	conversationID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		return 0, errors.New("invalid conversation id")
	}
	return conversationID, nil
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	case errors.Is(err, services.ErrReadOnly):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"code":  "read_only",
			"error": "Conversation is read only",
		})
	case errors.Is(err, services.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"code":  "conflict",
			"error": "Please try again later",
		})
	case errors.Is(err, services.ErrAttachmentTooLarge):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Attachment exceeds the size limit"})
	case errors.Is(err, services.ErrAttachmentType):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Attachment type is not allowed"})
	case errors.Is(err, services.ErrStorageUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Storage service is not configured"})
	case errors.Is(err, services.ErrCoachNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Coach not found"})
	case errors.Is(err, pgx.ErrNoRows):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process chat request"})
	}
}
