package domain

import "context"

// Service manages member reservations against an organization pool.
type Service interface {
	Allocate(ctx context.Context, req AllocateRequest) (*AllocationResult, error)
	AddMember(ctx context.Context, organizationID, memberID string) (*Allocation, error)
	RemoveMember(ctx context.Context, organizationID, memberID string) (*AllocationResult, error)
	GetAllocation(ctx context.Context, organizationID, memberID string) (*Allocation, error)
	ListAllocations(ctx context.Context, organizationID string) (*PoolSummary, error)
}
