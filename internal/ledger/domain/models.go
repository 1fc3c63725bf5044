package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type AccountKind string

const (
	AccountKindUser         AccountKind = "user"
	AccountKindOrganization AccountKind = "organization"
)

func (k AccountKind) Valid() bool {
	return k == AccountKindUser || k == AccountKindOrganization
}

// Reason is the closed set of causes for a balance or encumbrance change.
type Reason string

const (
	ReasonPurchase          Reason = "purchase"
	ReasonSessionMinute     Reason = "session-minute"
	ReasonAllocationGrant   Reason = "allocation-grant"
	ReasonAllocationReclaim Reason = "allocation-reclaim"
	ReasonAdjustment        Reason = "adjustment"
)

// Account holds the credit balance of one subject.
// Balance always equals TotalAcquired - TotalConsumed and never goes negative.
type Account struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	SubjectID     string       `gorm:"type:varchar(255);not null;uniqueIndex:ux_accounts_subject_kind,priority:1" json:"subject_id"`
	Kind          AccountKind  `gorm:"type:varchar(32);not null;uniqueIndex:ux_accounts_subject_kind,priority:2" json:"kind"`
	Balance       int64        `gorm:"not null;default:0" json:"balance"`
	TotalAcquired int64        `gorm:"not null;default:0" json:"total_acquired"`
	TotalConsumed int64        `gorm:"not null;default:0" json:"total_consumed"`
	Active        bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"not null" json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// Transaction is an immutable row of the append-only credit log.
// Delta moves the balance; Reserved moves the encumbered amount and is only
// non-zero for allocation reasons.
type Transaction struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID      snowflake.ID      `gorm:"not null;index:ix_transactions_account_created,priority:1" json:"account_id"`
	Delta          int64             `gorm:"not null" json:"delta"`
	Reserved       int64             `gorm:"not null;default:0" json:"reserved"`
	BalanceAfter   int64             `gorm:"not null" json:"balance_after"`
	Reason         Reason            `gorm:"type:varchar(32);not null;uniqueIndex:ux_transactions_reason_key,priority:1" json:"reason"`
	IdempotencyKey string            `gorm:"type:varchar(255);not null;uniqueIndex:ux_transactions_reason_key,priority:2" json:"idempotency_key"`
	SessionID      *string           `gorm:"type:varchar(255);index" json:"session_id,omitempty"`
	ExternalRef    *string           `gorm:"type:text" json:"external_ref,omitempty"`
	Topic          *string           `gorm:"type:text" json:"topic,omitempty"`
	MemberID       *string           `gorm:"type:text" json:"member_id,omitempty"`
	MinuteIndex    *int64            `json:"minute_index,omitempty"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;index:ix_transactions_account_created,priority:2" json:"created_at"`
}

func (Transaction) TableName() string { return "transactions" }

// IdempotencyRecord claims an operation key and stores the outcome returned
// to replays of the same operation.
type IdempotencyRecord struct {
	Key           string       `gorm:"primaryKey;column:operation_key;type:varchar(255)"`
	Reason        Reason       `gorm:"type:varchar(32);not null"`
	AccountID     snowflake.ID `gorm:"not null"`
	TransactionID snowflake.ID `gorm:"not null;default:0"`
	ResultBalance int64        `gorm:"not null;default:0"`
	CreatedAt     time.Time    `gorm:"not null"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_keys" }

// Subject identifies the owner of an account as seen by the routing layer.
type Subject struct {
	ID   string
	Kind AccountKind
}

// BalanceView is the read model returned by the accessor.
type BalanceView struct {
	AccountID     snowflake.ID `json:"account_id"`
	SubjectID     string       `json:"subject_id"`
	Kind          AccountKind  `json:"kind"`
	Balance       int64        `json:"balance"`
	TotalAcquired int64        `json:"total_acquired"`
	TotalConsumed int64        `json:"total_consumed"`
	Encumbered    int64        `json:"encumbered"`
	Available     int64        `json:"available"`
	Active        bool         `json:"active"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TopicUsage aggregates session-minute debits for one topic.
type TopicUsage struct {
	Topic        string    `json:"topic"`
	TotalCredits int64     `json:"total_credits"`
	TotalMinutes int64     `json:"total_minutes"`
	SessionCount int64     `json:"session_count"`
	LastUsed     time.Time `json:"last_used"`
}

type HistoryRequest struct {
	Limit     int
	PageToken string
}

type HistoryPage struct {
	Transactions  []Transaction `json:"transactions"`
	NextPageToken string        `json:"next_page_token,omitempty"`
	HasMore       bool          `json:"has_more"`
}

type ProvisionRequest struct {
	SubjectID    string
	Kind         AccountKind
	WelcomeBonus *int64
}

type ProvisionResult struct {
	Account      BalanceView `json:"account"`
	Created      bool        `json:"created"`
	BonusGranted int64       `json:"bonus_granted"`
}

type AdjustRequest struct {
	AccountID      snowflake.ID
	Delta          int64
	IdempotencyKey string
	Note           string
}

// OperationResult is returned by idempotent balance mutations. Duplicate is
// set when the operation key was already claimed and Balance is the balance
// recorded by the first application.
type OperationResult struct {
	AccountID     snowflake.ID `json:"account_id"`
	TransactionID snowflake.ID `json:"transaction_id"`
	Balance       int64        `json:"balance"`
	Duplicate     bool         `json:"duplicate"`
}

func NewView(acct Account, encumbered int64) BalanceView {
	return BalanceView{
		AccountID:     acct.ID,
		SubjectID:     acct.SubjectID,
		Kind:          acct.Kind,
		Balance:       acct.Balance,
		TotalAcquired: acct.TotalAcquired,
		TotalConsumed: acct.TotalConsumed,
		Encumbered:    encumbered,
		Available:     acct.Balance - encumbered,
		Active:        acct.Active,
		UpdatedAt:     acct.UpdatedAt,
	}
}

func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
