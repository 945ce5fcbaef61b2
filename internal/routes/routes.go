package routes

import (
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fitmeal/coach-chat/internal/config"
	"github.com/fitmeal/coach-chat/internal/handlers"
	"github.com/fitmeal/coach-chat/internal/middleware"
	"github.com/fitmeal/coach-chat/internal/realtime"
	"github.com/fitmeal/coach-chat/internal/repository"
	"github.com/fitmeal/coach-chat/internal/services"
)

func RegisterRoutes(app *fiber.App, cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client) {
	userRepo := repository.NewUserRepository(db)
	userProfileRepo := repository.NewUserProfileRepository(db)
	coachProfileRepo := repository.NewCoachProfileRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	var storageService services.StorageService
	if cfg.SupabaseURL != "" && cfg.SupabaseBucket != "" && cfg.SupabaseServiceKey != "" {
		storageService = services.NewSupabaseStorageService(cfg.SupabaseURL, cfg.SupabaseBucket, cfg.SupabaseServiceKey)
	}

	broker := realtime.NewBroker(rdb)
	gateway := realtime.NewGateway(rdb, conversationRepo)

	authHandler := handlers.NewAuthHandler(
		db,
		userRepo,
		userProfileRepo,
		coachProfileRepo,
		cfg.JWTSecret,
	)
	matchmakingService := services.NewMatchmakingService(coachProfileRepo)
	coachDiscoveryHandler := handlers.NewCoachDiscoveryHandler(coachProfileRepo, userProfileRepo, matchmakingService)
	assignmentService := services.NewAssignmentService(
		db,
		assignmentRepo,
		conversationRepo,
		userRepo,
		broker,
		cfg.MaxClientsPerCoach,
		cfg.ReassignCooldownDays,
	)
	assignmentHandler := handlers.NewAssignmentHandler(assignmentService)
	chatService := services.NewChatService(
		db,
		conversationRepo,
		messageRepo,
		assignmentRepo,
		userRepo,
		storageService,
		broker,
		services.AttachmentLimits{
			MaxImageBytes:    cfg.MaxImageBytes,
			MaxFileBytes:     cfg.MaxFileBytes,
			AllowedFileTypes: cfg.AllowedFileTypes,
		},
	)
	chatHandler := handlers.NewChatHandler(chatService, gateway, cfg.JWTSecret, cfg.SignedURLTTLSeconds)

	api := app.Group("/api")

	auth := api.Group("/auth")
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)
	auth.Get("/me", middleware.AuthRequired(cfg.JWTSecret), authHandler.Me)

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	coaches := authProtected.Group("/coaches")
	coaches.Get("/recommended", coachDiscoveryHandler.GetRecommendedCoaches)
	coaches.Get("/:id", coachDiscoveryHandler.GetCoachDetail)

	assignments := authProtected.Group("/assignments")
	assignments.Get("/current", assignmentHandler.Current)
	assignments.Post("", assignmentHandler.SelectCoach)
	assignments.Post("/:id/end", assignmentHandler.EndAssignment)

	conversations := authProtected.Group("/conversations")
	conversations.Get("", chatHandler.ListConversations)
	conversations.Post("", chatHandler.CreateConversation)
	conversations.Get("/:id/status", chatHandler.GetChatStatus)
	conversations.Get("/:id/messages", chatHandler.GetMessages)
	conversations.Post("/:id/messages", chatHandler.SendMessage)
	conversations.Post("/:id/messages/attachment", chatHandler.SendAttachmentMessage)
	conversations.Post("/:id/attachments", chatHandler.UploadAttachment)
	conversations.Delete("/:id/attachments", chatHandler.DeleteAttachment)
	conversations.Post("/:id/attachments/signed-url", chatHandler.SignedURL)
	conversations.Post("/:id/read", chatHandler.MarkRead)

	api.Use("/v1/ws", chatHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(chatHandler.HandleWebSocket))
}
