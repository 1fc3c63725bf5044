package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	allocationdomain "github.com/smallbiznis/creditledger/internal/allocation/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/subjectcontext"
)

const headerIdempotencyKey = "Idempotency-Key"

type allocateRequest struct {
	OrganizationID string `json:"organization_id"`
	MemberID       string `json:"member_id"`
	Credits        *int64 `json:"credits"`
	IdempotencyKey string `json:"idempotency_key"`
}

type memberRequest struct {
	OrganizationID string `json:"organization_id"`
	MemberID       string `json:"member_id"`
}

// Allocate sets a member's allocation to an absolute amount.
func (s *Server) Allocate(c *gin.Context) {
	caller, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req allocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Credits == nil {
		AbortWithError(c, ledgerdomain.ErrInvalidAllocation)
		return
	}
	orgID, err := organizationFor(caller, req.OrganizationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	}

	result, err := s.allocationSvc.Allocate(c.Request.Context(), allocationdomain.AllocateRequest{
		OrganizationID: orgID,
		MemberID:       req.MemberID,
		Allocated:      *req.Credits,
		IdempotencyKey: key,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) AddMember(c *gin.Context) {
	caller, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := organizationFor(caller, req.OrganizationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	allocation, err := s.allocationSvc.AddMember(c.Request.Context(), orgID, req.MemberID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, allocation)
}

// RemoveMember deactivates the member and releases its unconsumed credits.
func (s *Server) RemoveMember(c *gin.Context) {
	caller, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	orgID, err := organizationFor(caller, c.Query("organization_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.allocationSvc.RemoveMember(c.Request.Context(), orgID, c.Param("member_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ListAllocations(c *gin.Context) {
	caller, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	orgID, err := organizationFor(caller, c.Query("organization_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.allocationSvc.ListAllocations(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// organizationFor picks the organization a pool operation targets. An
// organization caller may only manage its own pool.
func organizationFor(caller subjectcontext.Caller, requested string) (string, error) {
	requested = strings.TrimSpace(requested)

	own := caller.OrganizationID
	if caller.Kind == ledgerdomain.AccountKindOrganization {
		own = caller.SubjectID
	}

	switch {
	case own == "" && requested == "":
		return "", ErrInvalidOrganization
	case own == "":
		return requested, nil
	case requested != "" && requested != own:
		return "", ErrForbidden
	default:
		return own, nil
	}
}
