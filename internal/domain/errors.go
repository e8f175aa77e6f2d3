package domain

import "errors"

// Error kinds surfaced to callers. Each maps to exactly one HTTP status in
// the API layer; wrap with fmt.Errorf("...: %w", Err...) to add detail.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrFetchFailed  = errors.New("source fetch failed")
	ErrOverlayFetch = errors.New("overlay fetch failed")
	ErrCodecFailure = errors.New("codec process failed")
	ErrCodecTimeout = errors.New("codec process timed out")
	ErrOverloaded   = errors.New("conversion capacity exhausted")
	ErrUploadFailed = errors.New("object upload failed")
)
