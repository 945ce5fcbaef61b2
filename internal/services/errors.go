package services

import "errors"

var (
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")

	// ErrReadOnly is returned when a send is attempted on a conversation
	// whose coaching assignment is not ACTIVE.
	ErrReadOnly = errors.New("conversation is read only")

	ErrCoachNotFound      = errors.New("coach not found")
	ErrAlreadyAssigned    = errors.New("client already has an active coach")
	ErrCooldown           = errors.New("coach was ended recently")
	ErrCapacity           = errors.New("coach is at capacity")
	ErrStorageUnavailable = errors.New("storage service is not configured")

	ErrAttachmentTooLarge = errors.New("attachment exceeds the size limit")
	ErrAttachmentType     = errors.New("attachment type is not allowed")
)
