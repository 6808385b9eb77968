package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrValidation = errors.New("validation failed")
var ErrRoomNotFound = errors.New("room not found")
var ErrRoomFull = errors.New("room is full")
var ErrCollisionExhausted = errors.New("could not find a free room code")
var ErrMatchNotFound = errors.New("match not found")
var ErrMatchInProgress = errors.New("match already in progress")
// ErrStaleSubmission is returned by the engine for answers to a question
// that is not open. The match service swallows it, so clients never see it.
var ErrStaleSubmission = errors.New("answer is for a question that is no longer open")
var ErrAuthorityViolation = errors.New("only the host can do that")

// Validation wraps ErrValidation with the offending field.
func Validation(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, reason)
}

// HTTPStatus maps an error from the taxonomy to a response code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrMatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRoomFull), errors.Is(err, ErrMatchInProgress), errors.Is(err, ErrStaleSubmission):
		return http.StatusConflict
	case errors.Is(err, ErrAuthorityViolation):
		return http.StatusForbidden
	case errors.Is(err, ErrCollisionExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
