package domain

import "errors"

var (
	ErrAllocationNotFound = errors.New("allocation_not_found")
	ErrInvalidMember      = errors.New("invalid_member")
	ErrMemberInactive     = errors.New("member_inactive")
)
