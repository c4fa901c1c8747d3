// Package auth provides cookie based user authentication for Nautilus.
package auth

import "errors"

// Authentication errors.
var (
	// ErrMissingUserID indicates the request carries no user cookie.
	ErrMissingUserID = errors.New("Missing User ID.")

	// ErrInvalidToken indicates the cookie token is malformed, expired or forged.
	ErrInvalidToken = errors.New("invalid user token")

	// ErrUnknownUser indicates the token names a user that no longer exists.
	ErrUnknownUser = errors.New("unknown user")

	// ErrMissingSecret indicates no signing secret was configured.
	ErrMissingSecret = errors.New("auth secret is required")
)
