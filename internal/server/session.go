package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	meteringdomain "github.com/smallbiznis/creditledger/internal/metering/domain"
	"github.com/smallbiznis/creditledger/internal/subjectcontext"
)

const contextSessionIDKey = "session_id"

type startSessionRequest struct {
	SessionID      string `json:"session_id"`
	Topic          string `json:"topic"`
	PayerAccountID string `json:"payer_account_id"`
}

type sessionRequest struct {
	SessionID   string `json:"session_id"`
	MinuteIndex *int64 `json:"minute_index"`
}

type tickFailureResponse struct {
	Error   errorPayload               `json:"error"`
	Session *meteringdomain.TickResult `json:"session"`
}

// StartSession opens a metered session for the payer resolvePayer picks.
func (s *Server) StartSession(c *gin.Context) {
	caller, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		AbortWithError(c, meteringdomain.ErrInvalidSessionID)
		return
	}
	c.Set(contextSessionIDKey, sessionID)

	explicitPayer, err := parseOptionalSnowflakeID(req.PayerAccountID)
	if err != nil {
		AbortWithError(c, newValidationError("payer_account_id", "invalid_payer_account_id", "invalid payer account id"))
		return
	}

	payerID, memberID, err := s.resolvePayer(c, caller)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if explicitPayer != nil && *explicitPayer != payerID {
		AbortWithError(c, ErrForbidden)
		return
	}

	session, err := s.meteringSvc.Start(c.Request.Context(), meteringdomain.StartRequest{
		PayerAccountID: payerID,
		SessionID:      sessionID,
		MemberID:       memberID,
		Topic:          strings.TrimSpace(req.Topic),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// TickSession bills every completed minute not yet billed. When the payer
// runs dry the session ends and the partial result is returned with 402.
func (s *Server) TickSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		AbortWithError(c, meteringdomain.ErrInvalidSessionID)
		return
	}
	c.Set(contextSessionIDKey, sessionID)

	result, err := s.meteringSvc.Tick(c.Request.Context(), meteringdomain.TickRequest{
		SessionID:  sessionID,
		MinuteHint: req.MinuteIndex,
	})
	if result != nil && result.MinutesBilled > 0 {
		s.usageSvc.Invalidate(result.PayerAccountID)
	}
	if err != nil {
		if result != nil && errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
			_ = c.Error(err)
			status, payload := mapError(err)
			c.AbortWithStatusJSON(status, tickFailureResponse{Error: payload, Session: result})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// EndSession is idempotent and never bills the partial minute.
func (s *Server) EndSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		AbortWithError(c, meteringdomain.ErrInvalidSessionID)
		return
	}
	c.Set(contextSessionIDKey, sessionID)

	session, err := s.meteringSvc.End(c.Request.Context(), sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

func (s *Server) GetSession(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("session_id"))
	c.Set(contextSessionIDKey, sessionID)

	session, err := s.meteringSvc.Get(c.Request.Context(), sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// resolvePayer picks the account a session bills. Members bill their
// organization's pool against their allocation; an API key issued for an
// organization bills the organization directly.
func (s *Server) resolvePayer(c *gin.Context, caller subjectcontext.Caller) (snowflake.ID, string, error) {
	ctx := c.Request.Context()
	if caller.Member() {
		org, err := s.ledgerSvc.ResolveAccount(ctx, ledgerdomain.Subject{
			ID:   caller.OrganizationID,
			Kind: ledgerdomain.AccountKindOrganization,
		})
		if err != nil {
			return 0, "", err
		}
		return org.ID, caller.SubjectID, nil
	}

	account, err := s.ledgerSvc.ResolveAccount(ctx, caller.Subject())
	if err != nil {
		return 0, "", err
	}
	return account.ID, "", nil
}
