package model

import "errors"

// Error taxonomy shared by the blob store, dispatcher, rerun and storage layers.
// Callers wrap these with context and test them with errors.Is.
var (
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrMissingReference = errors.New("missing blob reference")
	ErrNotFound         = errors.New("not found")
	ErrNotReplayable    = errors.New("transaction is not replayable")
	ErrDestination      = errors.New("destination error")
	ErrTimeout          = errors.New("request timed out")
	ErrValidation       = errors.New("validation error")
	ErrPersistence      = errors.New("persistence error")
	ErrConflict         = errors.New("conflict")
)
