package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/fitmeal/coach-chat/internal/models"
	"github.com/fitmeal/coach-chat/internal/repository"
	"github.com/fitmeal/coach-chat/pkg/utils"
)

var (
	testDBOnce sync.Once
	testDBPool *pgxpool.Pool
	testDBErr  error
)

func TestChatServiceConversationIsUniquePerPair(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	chatService, assignmentService := newIntegrationChatServices(pool)

	clientID := createChatTestAccount(t, ctx, pool, models.RoleUser)
	coachID := createChatTestAccount(t, ctx, pool, models.RoleCoach)
	t.Cleanup(func() { cleanupChatTestUsers(t, ctx, pool, clientID, coachID) })

	if _, err := assignmentService.SelectCoach(ctx, clientID, models.RoleUser, coachID); err != nil {
		t.Fatalf("SelectCoach: %v", err)
	}

	fromClient, err := chatService.GetOrCreateConversation(ctx, clientID, models.RoleUser, coachID)
	if err != nil {
		t.Fatalf("GetOrCreateConversation (client): %v", err)
	}
	fromCoach, err := chatService.GetOrCreateConversation(ctx, coachID, models.RoleCoach, clientID)
	if err != nil {
		t.Fatalf("GetOrCreateConversation (coach): %v", err)
	}

	if fromClient.ID != fromCoach.ID {
		t.Fatalf("expected both sides to resolve the same conversation, got %d and %d", fromClient.ID, fromCoach.ID)
	}
}

func TestChatServiceSendRequiresActiveAssignment(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	chatService, assignmentService := newIntegrationChatServices(pool)

	clientID := createChatTestAccount(t, ctx, pool, models.RoleUser)
	coachID := createChatTestAccount(t, ctx, pool, models.RoleCoach)
	t.Cleanup(func() { cleanupChatTestUsers(t, ctx, pool, clientID, coachID) })

	assignment, err := assignmentService.SelectCoach(ctx, clientID, models.RoleUser, coachID)
	if err != nil {
		t.Fatalf("SelectCoach: %v", err)
	}

	conversation, err := chatService.GetOrCreateConversation(ctx, clientID, models.RoleUser, coachID)
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	delivery, err := chatService.SendText(ctx, clientID, models.RoleUser, conversation.ID, "morning check-in")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if delivery.Message.Body != "morning check-in" {
		t.Fatalf("unexpected message body %q", delivery.Message.Body)
	}

	if _, err := assignmentService.EndAssignment(ctx, clientID, models.RoleUser, assignment.ID); err != nil {
		t.Fatalf("EndAssignment: %v", err)
	}

	if _, err := chatService.SendText(ctx, clientID, models.RoleUser, conversation.ID, "are you still there"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly after assignment ended, got %v", err)
	}

	status, err := chatService.GetChatStatus(ctx, coachID, models.RoleCoach, conversation.ID)
	if err != nil {
		t.Fatalf("GetChatStatus: %v", err)
	}
	if status.CanSend || status.Mode != models.ChatModeReadOnly {
		t.Fatalf("expected read-only status, got %+v", status)
	}

	// History stays readable after the assignment ends.
	messages, err := chatService.ListMessages(ctx, coachID, models.RoleCoach, conversation.ID, 0, nil)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
}

func TestChatServiceListMessagesIsParticipantsOnly(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	chatService, assignmentService := newIntegrationChatServices(pool)

	clientID := createChatTestAccount(t, ctx, pool, models.RoleUser)
	coachID := createChatTestAccount(t, ctx, pool, models.RoleCoach)
	outsiderID := createChatTestAccount(t, ctx, pool, models.RoleUser)
	t.Cleanup(func() { cleanupChatTestUsers(t, ctx, pool, clientID, coachID, outsiderID) })

	if _, err := assignmentService.SelectCoach(ctx, clientID, models.RoleUser, coachID); err != nil {
		t.Fatalf("SelectCoach: %v", err)
	}
	conversation, err := chatService.GetOrCreateConversation(ctx, clientID, models.RoleUser, coachID)
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	if _, err := chatService.ListMessages(ctx, outsiderID, models.RoleUser, conversation.ID, 0, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for a non-participant, got %v", err)
	}
	if _, err := chatService.GetChatStatus(ctx, outsiderID, models.RoleUser, conversation.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for a non-participant status read, got %v", err)
	}
}

func TestChatServiceAttachmentCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	chatService, assignmentService := newIntegrationChatServices(pool)

	clientID := createChatTestAccount(t, ctx, pool, models.RoleUser)
	coachID := createChatTestAccount(t, ctx, pool, models.RoleCoach)
	t.Cleanup(func() { cleanupChatTestUsers(t, ctx, pool, clientID, coachID) })

	if _, err := assignmentService.SelectCoach(ctx, clientID, models.RoleUser, coachID); err != nil {
		t.Fatalf("SelectCoach: %v", err)
	}
	conversation, err := chatService.GetOrCreateConversation(ctx, clientID, models.RoleUser, coachID)
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	messageID := utils.NewMessageID()
	input := AttachmentMessageInput{
		MessageID:   messageID,
		Body:        "form check",
		MessageType: models.MessageTypeImage,
		Path:        AttachmentPath(conversation.ID, messageID, "squat.jpg"),
		Name:        "squat.jpg",
		Mime:        "image/jpeg",
		Size:        2048,
	}

	first, err := chatService.SendAttachment(ctx, clientID, models.RoleUser, conversation.ID, input)
	if err != nil {
		t.Fatalf("SendAttachment: %v", err)
	}

	second, err := chatService.SendAttachment(ctx, clientID, models.RoleUser, conversation.ID, input)
	if err != nil {
		t.Fatalf("SendAttachment retry: %v", err)
	}

	if first.Message.ID != second.Message.ID {
		t.Fatalf("expected the retry to land on the same row, got %q and %q", first.Message.ID, second.Message.ID)
	}
	if !first.Message.CreatedAt.Equal(second.Message.CreatedAt) {
		t.Fatalf("expected the retry to keep the original created_at")
	}

	messages, err := chatService.ListMessages(ctx, clientID, models.RoleUser, conversation.ID, 0, nil)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected a single committed message, got %d", len(messages))
	}
}

func TestChatServiceMarkReadIsMonotonic(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	chatService, assignmentService := newIntegrationChatServices(pool)

	clientID := createChatTestAccount(t, ctx, pool, models.RoleUser)
	coachID := createChatTestAccount(t, ctx, pool, models.RoleCoach)
	t.Cleanup(func() { cleanupChatTestUsers(t, ctx, pool, clientID, coachID) })

	if _, err := assignmentService.SelectCoach(ctx, clientID, models.RoleUser, coachID); err != nil {
		t.Fatalf("SelectCoach: %v", err)
	}
	conversation, err := chatService.GetOrCreateConversation(ctx, clientID, models.RoleUser, coachID)
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	if _, err := chatService.SendText(ctx, coachID, models.RoleCoach, conversation.ID, "how was the session"); err != nil {
		t.Fatalf("SendText (coach): %v", err)
	}
	if _, err := chatService.SendText(ctx, clientID, models.RoleUser, conversation.ID, "great, thanks"); err != nil {
		t.Fatalf("SendText (client): %v", err)
	}

	// The client's first mark-read covers the coach's message only.
	count, err := chatService.MarkRead(ctx, clientID, models.RoleUser, conversation.ID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 newly read message, got %d", count)
	}

	// A second pass finds nothing left to mark.
	count, err = chatService.MarkRead(ctx, clientID, models.RoleUser, conversation.ID)
	if err != nil {
		t.Fatalf("MarkRead (second): %v", err)
	}
	if count != 0 {
		t.Fatalf("expected mark-read to be monotonic, got %d", count)
	}
}

func TestAssignmentServiceEnforcesCooldown(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	_, assignmentService := newIntegrationChatServices(pool)

	clientID := createChatTestAccount(t, ctx, pool, models.RoleUser)
	coachID := createChatTestAccount(t, ctx, pool, models.RoleCoach)
	t.Cleanup(func() { cleanupChatTestUsers(t, ctx, pool, clientID, coachID) })

	assignment, err := assignmentService.SelectCoach(ctx, clientID, models.RoleUser, coachID)
	if err != nil {
		t.Fatalf("SelectCoach: %v", err)
	}
	if _, err := assignmentService.EndAssignment(ctx, clientID, models.RoleUser, assignment.ID); err != nil {
		t.Fatalf("EndAssignment: %v", err)
	}

	if _, err := assignmentService.SelectCoach(ctx, clientID, models.RoleUser, coachID); !errors.Is(err, ErrCooldown) {
		t.Fatalf("expected ErrCooldown on immediate reselect, got %v", err)
	}
}

func integrationTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testDBOnce.Do(func() {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(filepath.Join("..", "..", ".env"))

		dbURL := os.Getenv("DB_URL")
		if dbURL == "" {
			testDBErr = fmt.Errorf("DB_URL is not set")
			return
		}

		cfg, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			testDBErr = err
			return
		}

		testDBPool, testDBErr = pgxpool.NewWithConfig(context.Background(), cfg)
		if testDBErr != nil {
			return
		}
		testDBErr = testDBPool.Ping(context.Background())
	})

	if testDBErr != nil {
		t.Skipf("skipping integration test: %v", testDBErr)
	}
	return testDBPool
}

func newIntegrationChatServices(pool *pgxpool.Pool) (*ChatService, *AssignmentService) {
	conversationRepo := repository.NewConversationRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)
	assignmentRepo := repository.NewAssignmentRepository(pool)
	userRepo := repository.NewUserRepository(pool)

	chatService := NewChatService(
		pool,
		conversationRepo,
		messageRepo,
		assignmentRepo,
		userRepo,
		nil,
		nil,
		AttachmentLimits{
			MaxImageBytes:    5 << 20,
			MaxFileBytes:     20 << 20,
			AllowedFileTypes: []string{"application/pdf"},
		},
	)
	assignmentService := NewAssignmentService(
		pool,
		assignmentRepo,
		conversationRepo,
		userRepo,
		nil,
		10,
		5,
	)
	return chatService, assignmentService
}

func createChatTestAccount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role string) int64 {
	t.Helper()

	userRepo := repository.NewUserRepository(pool)
	user := &models.User{
		Email:        fmt.Sprintf("chat-test-%s-%d@example.com", role, time.Now().UnixNano()),
		PasswordHash: "test-hash",
		Role:         role,
	}
	if err := userRepo.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser(%s): %v", role, err)
	}

	if role == models.RoleUser {
		if err := repository.NewUserProfileRepository(pool).CreateEmpty(ctx, user.ID); err != nil {
			t.Fatalf("CreateEmpty user profile: %v", err)
		}
	} else {
		if err := repository.NewCoachProfileRepository(pool).CreateEmpty(ctx, user.ID); err != nil {
			t.Fatalf("CreateEmpty coach profile: %v", err)
		}
	}

	return user.ID
}

func cleanupChatTestUsers(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userIDs ...int64) {
	t.Helper()
	for _, userID := range userIDs {
		if _, err := pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID); err != nil {
			t.Logf("cleanup user %d: %v", userID, err)
		}
	}
}
