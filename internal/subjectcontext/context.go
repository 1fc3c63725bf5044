package subjectcontext

import (
	"context"
	"net/http"
	"strings"

	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

// Identity headers set by the upstream routing layer after authentication.
const (
	HeaderSubjectID      = "X-Subject-ID"
	HeaderSubjectType    = "X-Subject-Type"
	HeaderOrganizationID = "X-Organization-ID"
)

// SubjectType is the authenticated principal type reported by the routing layer.
type SubjectType string

const (
	SubjectTypeUser               SubjectType = "user"
	SubjectTypeOrganization       SubjectType = "organization"
	SubjectTypeOrganizationMember SubjectType = "organization-member"
	SubjectTypeAPIKeyOwner        SubjectType = "api-key-owner"
)

type subjectContextKey struct{}

// Caller is the authenticated subject behind a request. Kind is the account
// kind of SubjectID itself. OrganizationID names the organization a member or
// an API key acts for.
type Caller struct {
	SubjectID      string
	Type           SubjectType
	Kind           ledgerdomain.AccountKind
	OrganizationID string
}

// Member reports whether the caller spends an allocation of an organization pool.
func (c Caller) Member() bool {
	return c.Type == SubjectTypeOrganizationMember && c.OrganizationID != ""
}

// Subject returns the account owner the caller reads balances of and pays
// from. An API key issued for an organization resolves to that organization.
func (c Caller) Subject() ledgerdomain.Subject {
	if c.Type == SubjectTypeAPIKeyOwner && c.OrganizationID != "" {
		return ledgerdomain.Subject{ID: c.OrganizationID, Kind: ledgerdomain.AccountKindOrganization}
	}
	return ledgerdomain.Subject{ID: c.SubjectID, Kind: c.Kind}
}

func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, caller)
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	caller, ok := ctx.Value(subjectContextKey{}).(Caller)
	if !ok || caller.SubjectID == "" {
		return Caller{}, false
	}
	return caller, true
}

// FromHeaders reads the caller identity. The subject type defaults to user; a
// user sent with an organization header is treated as a member of it.
func FromHeaders(h http.Header) (Caller, bool) {
	subjectID := strings.TrimSpace(h.Get(HeaderSubjectID))
	if subjectID == "" {
		return Caller{}, false
	}
	orgID := strings.TrimSpace(h.Get(HeaderOrganizationID))

	caller := Caller{
		SubjectID:      subjectID,
		Type:           SubjectType(strings.ToLower(strings.TrimSpace(h.Get(HeaderSubjectType)))),
		Kind:           ledgerdomain.AccountKindUser,
		OrganizationID: orgID,
	}
	switch caller.Type {
	case "", SubjectTypeUser:
		caller.Type = SubjectTypeUser
		if orgID != "" {
			caller.Type = SubjectTypeOrganizationMember
		}
	case SubjectTypeOrganization:
		caller.Kind = ledgerdomain.AccountKindOrganization
	case SubjectTypeOrganizationMember:
		if orgID == "" {
			return Caller{}, false
		}
	case SubjectTypeAPIKeyOwner:
	default:
		return Caller{}, false
	}
	return caller, true
}
