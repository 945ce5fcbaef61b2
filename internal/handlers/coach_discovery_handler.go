package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"

	"github.com/fitmeal/coach-chat/internal/models"
)

const (
	defaultCoachLimit = 10
	maxCoachLimit     = 50
)

type coachProfileReader interface {
	GetByUserID(ctx context.Context, coachID int64) (*models.CoachProfile, error)
}

type userProfileReader interface {
	GetByUserID(ctx context.Context, userID int64) (*models.UserProfile, error)
}

type coachMatcher interface {
	GetMatchedCoaches(ctx context.Context, userProfile *models.UserProfile, limit int) ([]models.CoachWithScore, error)
}

type CoachDiscoveryHandler struct {
	coachRepo          coachProfileReader
	userProfileRepo    userProfileReader
	matchmakingService coachMatcher
}

func NewCoachDiscoveryHandler(
	coachRepo coachProfileReader,
	userProfileRepo userProfileReader,
	matchmakingService coachMatcher,
) *CoachDiscoveryHandler {
	return &CoachDiscoveryHandler{
		coachRepo:          coachRepo,
		userProfileRepo:    userProfileRepo,
		matchmakingService: matchmakingService,
	}
}

func (h *CoachDiscoveryHandler) GetRecommendedCoaches(c *fiber.Ctx) error {
	userID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}
	if role != models.RoleUser {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}

	limit := parsePositiveInt(c.Query("limit"), defaultCoachLimit)
	if limit > maxCoachLimit {
		limit = maxCoachLimit
	}

	userProfile, err := h.userProfileRepo.GetByUserID(c.Context(), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Profile not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch user profile"})
	}

	coaches, err := h.matchmakingService.GetMatchedCoaches(c.Context(), userProfile, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch recommended coaches"})
	}

	return c.JSON(fiber.Map{"coaches": coaches})
}

func (h *CoachDiscoveryHandler) GetCoachDetail(c *fiber.Ctx) error {
	coachID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || coachID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid coach id"})
	}

	coach, err := h.coachRepo.GetByUserID(c.Context(), coachID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Coach not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch coach"})
	}

	return c.JSON(fiber.Map{"coach": coach})
}
