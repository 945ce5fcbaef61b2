package repository

import (
	"context"

	"github.com/fitmeal/coach-chat/internal/models"
)

type AssignmentRepository struct {
	db DBTX
}

func NewAssignmentRepository(db DBTX) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

const assignmentColumns = `id, coach_id, client_id, status, created_at, ended_at`

func scanAssignment(row interface{ Scan(dest ...any) error }) (*models.Assignment, error) {
	var assignment models.Assignment
	err := row.Scan(
		&assignment.ID,
		&assignment.CoachID,
		&assignment.ClientID,
		&assignment.Status,
		&assignment.CreatedAt,
		&assignment.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}

func (r *AssignmentRepository) Create(ctx context.Context, coachID, clientID int64) (*models.Assignment, error) {
	query := `
		INSERT INTO assignments (coach_id, client_id, status)
		VALUES ($1, $2, 'ACTIVE')
		RETURNING ` + assignmentColumns
	return scanAssignment(r.db.QueryRow(ctx, query, coachID, clientID))
}

func (r *AssignmentRepository) GetByID(ctx context.Context, assignmentID int64) (*models.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE id = $1
	`
	return scanAssignment(r.db.QueryRow(ctx, query, assignmentID))
}

func (r *AssignmentRepository) GetActiveForPair(ctx context.Context, coachID, clientID int64) (*models.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE coach_id = $1 AND client_id = $2 AND status = 'ACTIVE'
	`
	return scanAssignment(r.db.QueryRow(ctx, query, coachID, clientID))
}

// ListActiveForUser returns every ACTIVE assignment the user participates in,
// on either side. The caller treats more than one row as an invariant break.
func (r *AssignmentRepository) ListActiveForUser(ctx context.Context, userID int64) ([]models.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE (coach_id = $1 OR client_id = $1) AND status = 'ACTIVE'
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assignments := make([]models.Assignment, 0)
	for rows.Next() {
		assignment, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, *assignment)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return assignments, nil
}

func (r *AssignmentRepository) CountActiveForCoach(ctx context.Context, coachID int64) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM assignments
		WHERE coach_id = $1 AND status = 'ACTIVE'
	`
	var count int
	if err := r.db.QueryRow(ctx, query, coachID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// LatestEndedForPair returns the most recently ended assignment for the pair,
// used for the reassignment cooldown check.
func (r *AssignmentRepository) LatestEndedForPair(ctx context.Context, coachID, clientID int64) (*models.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE coach_id = $1 AND client_id = $2 AND status = 'ENDED'
		ORDER BY ended_at DESC NULLS LAST, id DESC
		LIMIT 1
	`
	return scanAssignment(r.db.QueryRow(ctx, query, coachID, clientID))
}

// End transitions ACTIVE -> ENDED. It returns the number of rows changed;
// zero means the assignment was already ENDED (or absent).
func (r *AssignmentRepository) End(ctx context.Context, assignmentID int64) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE assignments
		SET status = 'ENDED', ended_at = NOW()
		WHERE id = $1 AND status = 'ACTIVE'
	`, assignmentID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
