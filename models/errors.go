package models

import "errors"

var (
	ErrPolicyDenied      = errors.New("policy denied")
	ErrValidationFailed  = errors.New("validation failed")
	ErrSignatureInvalid  = errors.New("payment signature invalid")
	ErrOrderConflict     = errors.New("order conflict")
	ErrTokenNotFound     = errors.New("download token not found")
	ErrTokenExpired      = errors.New("download token expired")
	ErrTokenAlreadyUsed  = errors.New("download token already used")
	ErrUpstreamTimeout   = errors.New("payment gateway unavailable")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrOrderNotFound     = errors.New("order not found")
	ErrContentNotFound   = errors.New("content item not found")
	ErrTokenCollision    = errors.New("download token collision")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
)

// Retryable reports whether the caller may retry the same request later
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout)
}
