package auth

import "errors"

var (
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrUnauthorized  = errors.New("auth: unauthorized")
	ErrMissingSecret = errors.New("auth: secret is not configured")
)
