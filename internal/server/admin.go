package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	topupdomain "github.com/smallbiznis/creditledger/internal/topup/domain"
	"go.uber.org/zap"
)

const headerAdminActor = "X-Admin-Actor"

type provisionAccountRequest struct {
	SubjectID    string `json:"subject_id"`
	Kind         string `json:"kind"`
	WelcomeBonus *int64 `json:"welcome_bonus"`
}

type adjustAccountRequest struct {
	Delta          int64  `json:"delta"`
	IdempotencyKey string `json:"idempotency_key"`
	Note           string `json:"note"`
}

type topupAccountRequest struct {
	Credits     int64  `json:"credits"`
	ExternalRef string `json:"external_ref"`
	Provider    string `json:"provider"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// ProvisionAccount creates the account of a subject. Repeated calls return
// the existing account with 200.
func (s *Server) ProvisionAccount(c *gin.Context) {
	var req provisionAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	kind := ledgerdomain.AccountKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = ledgerdomain.AccountKindUser
	}

	result, err := s.provisioner.Provision(c.Request.Context(), ledgerdomain.ProvisionRequest{
		SubjectID:    req.SubjectID,
		Kind:         kind,
		WelcomeBonus: req.WelcomeBonus,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
		s.recordAudit(c, auditdomain.ActionAccountProvision, result.Account.AccountID, map[string]any{
			"subject_id": result.Account.SubjectID,
			"kind":       string(result.Account.Kind),
		})
	}
	c.JSON(status, result)
}

func (s *Server) GetAccount(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	view, err := s.ledgerSvc.GetBalanceByAccount(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

func (s *Server) AdjustAccount(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req adjustAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	}

	result, err := s.provisioner.Adjust(c.Request.Context(), ledgerdomain.AdjustRequest{
		AccountID:      id,
		Delta:          req.Delta,
		IdempotencyKey: key,
		Note:           req.Note,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !result.Duplicate {
		s.recordAudit(c, auditdomain.ActionAccountAdjust, id, map[string]any{
			"delta":           req.Delta,
			"idempotency_key": key,
			"note":            req.Note,
		})
	}

	c.JSON(http.StatusOK, result)
}

// TopupAccount applies a purchase settled outside the webhook flow.
func (s *Server) TopupAccount(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req topupAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	ref := strings.TrimSpace(req.ExternalRef)
	if ref == "" {
		ref = strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	}

	result, err := s.topupSvc.ApplyTopup(c.Request.Context(), topupdomain.TopupRequest{
		AccountID:   id,
		Credits:     req.Credits,
		ExternalRef: ref,
		Provider:    req.Provider,
		Amount:      req.Amount,
		Currency:    req.Currency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !result.Duplicate {
		s.recordAudit(c, auditdomain.ActionAccountTopup, id, map[string]any{
			"credits":      req.Credits,
			"external_ref": ref,
			"provider":     req.Provider,
		})
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) DeactivateAccount(c *gin.Context) {
	id, err := accountIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := s.provisioner.Deactivate(ctx, id); err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, auditdomain.ActionAccountDeactivate, id, nil)

	view, err := s.ledgerSvc.GetBalanceByAccount(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

func accountIDParam(c *gin.Context) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(c.Param("id"))
	if err != nil || id == nil {
		return 0, newValidationError("id", "invalid_id", "invalid account id")
	}
	return *id, nil
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	if s.auditSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	limit, err := limitQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	req := auditdomain.ListRequest{
		Action:     strings.TrimSpace(c.Query("action")),
		TargetType: strings.TrimSpace(c.Query("target_type")),
		TargetID:   strings.TrimSpace(c.Query("target_id")),
		PageToken:  strings.TrimSpace(c.Query("page_token")),
		Limit:      limit,
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// recordAudit never fails the request; the mutation it describes has already
// committed.
func (s *Server) recordAudit(c *gin.Context, action string, accountID snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	actorType := auditdomain.ActorTypeSystem
	actorID := strings.TrimSpace(c.GetHeader(headerAdminActor))
	if actorID != "" {
		actorType = auditdomain.ActorTypeAdmin
	}

	err := s.auditSvc.Record(c.Request.Context(), auditdomain.Entry{
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     action,
		TargetType: auditdomain.TargetTypeAccount,
		TargetID:   accountID.String(),
		Metadata:   metadata,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		s.log.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}
