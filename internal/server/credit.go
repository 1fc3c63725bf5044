package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	allocationdomain "github.com/smallbiznis/creditledger/internal/allocation/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

type creditStatusResponse struct {
	Balance            ledgerdomain.BalanceView     `json:"balance"`
	RecentTransactions []ledgerdomain.Transaction   `json:"recent_transactions"`
	UsageByTopic       []ledgerdomain.TopicUsage    `json:"usage_by_topic"`
	Allocation         *allocationdomain.Allocation `json:"allocation,omitempty"`
}

// GetCreditStatus returns the caller's balance with recent history and usage.
func (s *Server) GetCreditStatus(c *gin.Context) {
	caller, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ctx := c.Request.Context()
	subject := caller.Subject()

	balance, err := s.ledgerSvc.GetBalance(ctx, subject)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	history, err := s.ledgerSvc.GetHistory(ctx, subject, ledgerdomain.HistoryRequest{
		Limit: s.policy.Get().RecentHistoryLimit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	usage, err := s.ledgerSvc.GetUsageByTopic(ctx, subject)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := creditStatusResponse{
		Balance:            *balance,
		RecentTransactions: history.Transactions,
		UsageByTopic:       usage,
	}

	if caller.Member() {
		allocation, err := s.allocationSvc.GetAllocation(ctx, caller.OrganizationID, caller.SubjectID)
		switch {
		case err == nil:
			resp.Allocation = allocation
		case errors.Is(err, allocationdomain.ErrAllocationNotFound),
			errors.Is(err, ledgerdomain.ErrAccountNotFound):
		default:
			AbortWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetCreditHistory(c *gin.Context) {
	caller, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limit, err := limitQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	req := ledgerdomain.HistoryRequest{
		Limit:     limit,
		PageToken: strings.TrimSpace(c.Query("page_token")),
	}

	page, err := s.ledgerSvc.GetHistory(c.Request.Context(), caller.Subject(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}
