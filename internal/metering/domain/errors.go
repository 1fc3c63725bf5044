package domain

import "errors"

var (
	ErrInvalidSessionID = errors.New("invalid_session_id")
	// ErrPayerMismatch is returned when an active session id is reused by a
	// different payer.
	ErrPayerMismatch = errors.New("session_payer_mismatch")
)
