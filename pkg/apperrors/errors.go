package apperrors

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrSessionTerminal     = errors.New("session is already terminal")
	ErrSessionNotTerminal  = errors.New("session has not reached a terminal state")
	ErrSessionBusy         = errors.New("session is already running")
	ErrInvalidRating       = errors.New("rating must be between 1 and 5")
	ErrNoProviderAvailable = errors.New("no healthy provider available")
	ErrIndexUnavailable    = errors.New("embedding index unavailable")
	ErrNotApproved         = errors.New("statement not approved for execution")
	ErrUnknownDataSource   = errors.New("unknown data source")
	ErrInvalidQuestion     = errors.New("question is required")
)
