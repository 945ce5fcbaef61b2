package models

import "time"

const (
	AssignmentActive = "ACTIVE"
	AssignmentEnded  = "ENDED"
)

// Assignment is the coaching relationship that gates sending. At most one
// ACTIVE row exists per (coach_id, client_id); the transition to ENDED is
// irreversible.
type Assignment struct {
	ID        int64      `json:"id"`
	CoachID   int64      `json:"coach_id"`
	ClientID  int64      `json:"client_id"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (a *Assignment) IsActive() bool {
	return a != nil && a.Status == AssignmentActive
}

func (a *Assignment) CounterpartOf(participantID int64) int64 {
	if participantID == a.ClientID {
		return a.CoachID
	}
	return a.ClientID
}
