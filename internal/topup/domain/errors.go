package domain

import "errors"

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_config")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrMissingAccount   = errors.New("missing_account")

	// ErrExternalRefConflict reports a purchase reference already applied to
	// another account.
	ErrExternalRefConflict = errors.New("external_ref_conflict")
)
