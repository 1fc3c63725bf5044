package domain

import (
	"strconv"

	"github.com/bwmarrin/snowflake"
)

// Operation keys carry their reason class as a prefix so one key space can
// back every idempotent mutation.

// PurchaseKey scopes an external reference to the provider that issued it.
func PurchaseKey(provider, externalRef string) string {
	return "purchase:" + provider + ":" + externalRef
}

func SessionMinuteKey(sessionID string, minute int64) string {
	return "session-minute:" + sessionID + ":" + strconv.FormatInt(minute, 10)
}

func WelcomeKey(accountID snowflake.ID) string {
	return "welcome:" + accountID.String()
}

func AdjustmentKey(key string) string {
	return "adjustment:" + key
}

func AllocationKey(key string) string {
	return "allocation:" + key
}

// ReplayResult converts a previously claimed key into the outcome returned to
// the caller of a replayed operation.
func ReplayResult(rec *IdempotencyRecord) *OperationResult {
	if rec == nil {
		return &OperationResult{Duplicate: true}
	}
	return &OperationResult{
		AccountID:     rec.AccountID,
		TransactionID: rec.TransactionID,
		Balance:       rec.ResultBalance,
		Duplicate:     true,
	}
}
