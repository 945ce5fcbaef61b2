package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"

	"github.com/fitmeal/coach-chat/internal/models"
	"github.com/fitmeal/coach-chat/internal/services"
)

type assignmentApplicationService interface {
	Current(ctx context.Context, actorID int64, role string) (*models.Assignment, error)
	SelectCoach(ctx context.Context, clientID int64, role string, coachID int64) (*models.Assignment, error)
	EndAssignment(ctx context.Context, actorID int64, role string, assignmentID int64) (*models.Assignment, error)
	MaxClientsPerCoach() int
	CooldownDays() int
}

type AssignmentHandler struct {
	service assignmentApplicationService
}

func NewAssignmentHandler(service assignmentApplicationService) *AssignmentHandler {
	return &AssignmentHandler{service: service}
}

func (h *AssignmentHandler) Current(c *fiber.Ctx) error {
	actorID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	assignment, err := h.service.Current(c.Context(), actorID, role)
	if err != nil {
		return h.mapError(c, err)
	}

	return c.JSON(fiber.Map{"assignment": assignment})
}

type selectCoachRequest struct {
	CoachID int64 `json:"coach_id"`
}

func (h *AssignmentHandler) SelectCoach(c *fiber.Ctx) error {
	actorID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	var req selectCoachRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	assignment, err := h.service.SelectCoach(c.Context(), actorID, role, req.CoachID)
	if err != nil {
		return h.mapError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"assignment": assignment})
}

func (h *AssignmentHandler) EndAssignment(c *fiber.Ctx) error {
	actorID, role, err := parseActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	assignmentID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || assignmentID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid assignment id"})
	}

	assignment, err := h.service.EndAssignment(c.Context(), actorID, role, assignmentID)
	if err != nil {
		return h.mapError(c, err)
	}

	return c.JSON(fiber.Map{"assignment": assignment})
}

func (h *AssignmentHandler) mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	case errors.Is(err, services.ErrCoachNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Coach not found"})
	case errors.Is(err, services.ErrAlreadyAssigned):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"code":  "already_assigned",
			"error": "You already have an active coach. End that assignment first.",
		})
	case errors.Is(err, services.ErrCooldown):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"code": "cooldown",
			"error": fmt.Sprintf(
				"You can select this coach again %d days after the previous assignment ended.",
				h.service.CooldownDays(),
			),
		})
	case errors.Is(err, services.ErrCapacity):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"code": "capacity",
			"error": fmt.Sprintf(
				"This coach is at capacity (%d clients). Please choose another coach.",
				h.service.MaxClientsPerCoach(),
			),
		})
	case errors.Is(err, services.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"code":  "conflict",
			"error": "Please try again later",
		})
	case errors.Is(err, pgx.ErrNoRows):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Assignment not found"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process assignment request"})
	}
}
