package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

type EndReason string

const (
	EndReasonNone                EndReason = ""
	EndReasonClient              EndReason = "client"
	EndReasonInsufficientCredits EndReason = "insufficient_credits"
)

// Session tracks one metered tutoring session. LastBilledMinute counts the
// completed minutes already debited; minutes are billed strictly in order.
type Session struct {
	SessionID        string        `gorm:"primaryKey;type:varchar(255)" json:"session_id"`
	PayerAccountID   snowflake.ID  `gorm:"not null;index" json:"payer_account_id"`
	MemberID         *string       `gorm:"type:varchar(255)" json:"member_id,omitempty"`
	Topic            *string       `gorm:"type:text" json:"topic,omitempty"`
	Status           SessionStatus `gorm:"type:varchar(16);not null" json:"status"`
	EndReason        EndReason     `gorm:"type:varchar(32);not null;default:''" json:"end_reason,omitempty"`
	StartedAt        time.Time     `gorm:"not null" json:"started_at"`
	LastBilledMinute int64         `gorm:"not null;default:0" json:"last_billed_minute"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt        time.Time     `gorm:"not null" json:"updated_at"`
}

func (Session) TableName() string { return "metering_sessions" }

func (s Session) Active() bool {
	return s.Status == SessionStatusActive
}

type StartRequest struct {
	PayerAccountID snowflake.ID
	SessionID      string
	MemberID       string
	Topic          string
}

type TickRequest struct {
	SessionID string
	// MinuteHint is the caller's own minute counter. It is logged only.
	MinuteHint *int64
}

// TickResult reports what a tick billed. It accompanies
// ErrInsufficientCredits when the session ran out mid-range.
type TickResult struct {
	SessionID        string        `json:"session_id"`
	PayerAccountID   snowflake.ID  `json:"payer_account_id"`
	Status           SessionStatus `json:"status"`
	MinutesBilled    int64         `json:"minutes_billed"`
	LastBilledMinute int64         `json:"last_billed_minute"`
	Balance          int64         `json:"balance"`
	// AllocationRemaining is set for member sessions.
	AllocationRemaining *int64 `json:"allocation_remaining,omitempty"`
	Duplicate           bool   `json:"duplicate"`
}
