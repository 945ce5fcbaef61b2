package services

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitmeal/coach-chat/internal/models"
	"github.com/fitmeal/coach-chat/internal/repository"
)

type userReader interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

type AssignmentService struct {
	db                 *pgxpool.Pool
	assignmentRepo     *repository.AssignmentRepository
	conversationRepo   *repository.ConversationRepository
	userRepo           userReader
	events             EventPublisher
	maxClientsPerCoach int
	reassignCooldown   time.Duration
}

func NewAssignmentService(
	db *pgxpool.Pool,
	assignmentRepo *repository.AssignmentRepository,
	conversationRepo *repository.ConversationRepository,
	userRepo userReader,
	events EventPublisher,
	maxClientsPerCoach int,
	cooldownDays int,
) *AssignmentService {
	return &AssignmentService{
		db:                 db,
		assignmentRepo:     assignmentRepo,
		conversationRepo:   conversationRepo,
		userRepo:           userRepo,
		events:             events,
		maxClientsPerCoach: maxClientsPerCoach,
		reassignCooldown:   time.Duration(cooldownDays) * 24 * time.Hour,
	}
}

func (s *AssignmentService) MaxClientsPerCoach() int {
	return s.maxClientsPerCoach
}

func (s *AssignmentService) CooldownDays() int {
	return int(s.reassignCooldown / (24 * time.Hour))
}

// Current returns the actor's single ACTIVE assignment, or nil when there is
// none. More than one ACTIVE row means the uniqueness invariant broke
// upstream and is reported as a conflict rather than silently picking one.
func (s *AssignmentService) Current(
	ctx context.Context,
	actorID int64,
	role string,
) (*models.Assignment, error) {
	if !isChatRole(role) {
		return nil, ErrForbidden
	}

	active, err := s.assignmentRepo.ListActiveForUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	switch len(active) {
	case 0:
		return nil, nil
	case 1:
		return &active[0], nil
	default:
		return nil, ErrConflict
	}
}

// SelectCoach creates an ACTIVE assignment between the client and the coach.
// The advisory lock on the coach id serializes concurrent selections so the
// capacity count cannot be overtaken between check and insert.
func (s *AssignmentService) SelectCoach(
	ctx context.Context,
	clientID int64,
	role string,
	coachID int64,
) (*models.Assignment, error) {
	if role != models.RoleUser {
		return nil, ErrForbidden
	}
	if coachID <= 0 || coachID == clientID {
		return nil, ErrInvalidInput
	}

	coach, err := s.userRepo.GetByID(ctx, coachID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCoachNotFound
		}
		return nil, err
	}
	if coach.Role != models.RoleCoach {
		return nil, ErrInvalidInput
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", coachID); err != nil {
		return nil, err
	}

	txAssignmentRepo := repository.NewAssignmentRepository(tx)

	existing, err := txAssignmentRepo.ListActiveForUser(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrAlreadyAssigned
	}

	lastEnded, err := txAssignmentRepo.LatestEndedForPair(ctx, coachID, clientID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if lastEnded != nil && lastEnded.EndedAt != nil &&
		time.Since(*lastEnded.EndedAt) < s.reassignCooldown {
		return nil, ErrCooldown
	}

	count, err := txAssignmentRepo.CountActiveForCoach(ctx, coachID)
	if err != nil {
		return nil, err
	}
	if count >= s.maxClientsPerCoach {
		return nil, ErrCapacity
	}

	assignment, err := txAssignmentRepo.Create(ctx, coachID, clientID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return assignment, nil
}

// EndAssignment transitions ACTIVE -> ENDED. Either participant may end the
// relationship; ending an already ENDED assignment is a no-op. Open chats on
// either side are nudged to re-resolve their status.
func (s *AssignmentService) EndAssignment(
	ctx context.Context,
	actorID int64,
	role string,
	assignmentID int64,
) (*models.Assignment, error) {
	if !isChatRole(role) {
		return nil, ErrForbidden
	}
	if assignmentID <= 0 {
		return nil, ErrInvalidInput
	}

	assignment, err := s.assignmentRepo.GetByID(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if actorID != assignment.CoachID && actorID != assignment.ClientID {
		return nil, ErrForbidden
	}
	if assignment.Status == models.AssignmentEnded {
		return assignment, nil
	}

	if _, err := s.assignmentRepo.End(ctx, assignmentID); err != nil {
		return nil, err
	}

	assignment, err = s.assignmentRepo.GetByID(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	s.notifyStatusChange(ctx, assignment)

	return assignment, nil
}

func (s *AssignmentService) notifyStatusChange(ctx context.Context, assignment *models.Assignment) {
	if s.events == nil {
		return
	}
	conversation, err := s.conversationRepo.GetByPair(ctx, assignment.CoachID, assignment.ClientID)
	if err != nil {
		return
	}
	s.events.PublishStatus(ctx, conversation.ID)
}
