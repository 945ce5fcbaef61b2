package services

import "github.com/fitmeal/coach-chat/internal/models"

// ResolveChatStatus derives the chat mode from the assignment and
// conversation rows. It is total: a nil assignment, an ENDED assignment, or
// an assignment for a different pair all yield read-only. A nil conversation
// yields a zero status; callers reject access before this point.
func ResolveChatStatus(assignment *models.Assignment, conversation *models.Conversation) models.ChatStatus {
	if conversation == nil {
		return models.ChatStatus{}
	}

	active := assignment.IsActive() &&
		assignment.CoachID == conversation.CoachID &&
		assignment.ClientID == conversation.ClientID

	if !active {
		return models.ChatStatus{
			CanSend:             false,
			Mode:                models.ChatModeReadOnly,
			HasActiveAssignment: false,
		}
	}

	return models.ChatStatus{
		CanSend:             true,
		Mode:                models.ChatModeActive,
		HasActiveAssignment: true,
	}
}
