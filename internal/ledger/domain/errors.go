package domain

import (
	"errors"

	"github.com/smallbiznis/creditledger/pkg/db"
)

var (
	ErrAccountNotFound             = errors.New("account_not_found")
	ErrAccountInactive             = errors.New("account_inactive")
	ErrInsufficientCredits         = errors.New("insufficient_credits")
	ErrInsufficientFunds           = errors.New("insufficient_funds")
	ErrAllocationExceedsPool       = errors.New("allocation_exceeds_pool")
	ErrSignatureVerificationFailed = errors.New("signature_verification_failed")
	ErrDuplicateOperation          = errors.New("duplicate_operation")
	ErrSessionNotFound             = errors.New("session_not_found")
	ErrSessionEnded                = errors.New("session_ended")
	ErrInvalidCredits              = errors.New("invalid_credits")
	ErrInvalidAllocation           = errors.New("invalid_allocation")
	ErrInvalidSubject              = errors.New("invalid_subject")
	ErrInvalidAccountKind          = errors.New("invalid_account_kind")
	ErrInvalidDelta                = errors.New("invalid_delta")
	ErrInvalidIdempotencyKey       = errors.New("invalid_idempotency_key")
	ErrStoreConflict               = db.ErrConflict
)
