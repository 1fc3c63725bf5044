package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Allocation reserves part of an organization balance for one member.
// Allocated-minus-consumed of every active member counts as encumbered.
type Allocation struct {
	ID                    snowflake.ID `gorm:"primaryKey" json:"id"`
	OrganizationAccountID snowflake.ID `gorm:"not null;uniqueIndex:ux_allocations_org_member,priority:1" json:"organization_account_id"`
	MemberID              string       `gorm:"type:varchar(255);not null;uniqueIndex:ux_allocations_org_member,priority:2" json:"member_id"`
	Allocated             int64        `gorm:"not null;default:0" json:"allocated"`
	Consumed              int64        `gorm:"not null;default:0" json:"consumed"`
	Active                bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt             time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time    `gorm:"not null" json:"updated_at"`
}

func (Allocation) TableName() string { return "allocations" }

func (a Allocation) Remaining() int64 {
	if !a.Active {
		return 0
	}
	return a.Allocated - a.Consumed
}

type AllocateRequest struct {
	OrganizationID string
	MemberID       string
	Allocated      int64
	IdempotencyKey string
}

type AllocationResult struct {
	Allocation Allocation `json:"allocation"`
	// Diff is the change in encumbered credits recorded for this call.
	Diff      int64 `json:"diff"`
	Available int64 `json:"available"`
	Duplicate bool  `json:"duplicate"`
}

type PoolSummary struct {
	OrganizationAccountID snowflake.ID `json:"organization_account_id"`
	Balance               int64        `json:"balance"`
	Encumbered            int64        `json:"encumbered"`
	Available             int64        `json:"available"`
	Members               []Allocation `json:"members"`
}
