package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	allocationdomain "github.com/smallbiznis/creditledger/internal/allocation/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	meteringdomain "github.com/smallbiznis/creditledger/internal/metering/domain"
	topupdomain "github.com/smallbiznis/creditledger/internal/topup/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
	ErrInternal            = errors.New("internal_error")
	ErrNotFound            = errors.New("not_found")
	ErrInvalidRequest      = errors.New("invalid_request")
	ErrServiceUnavailable  = errors.New("service_unavailable")
	ErrRateLimited         = errors.New("rate_limited")
	ErrSubjectRequired     = errors.New("subject_required")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrPayloadTooLarge     = errors.New("payload_too_large")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits),
		errors.Is(err, ledgerdomain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}
	case errors.Is(err, ledgerdomain.ErrSignatureVerificationFailed):
		return http.StatusBadRequest, errorPayload{
			Type:    "signature_verification_failed",
			Message: "signature verification failed",
		}
	case errors.Is(err, ledgerdomain.ErrAllocationExceedsPool):
		return http.StatusConflict, errorPayload{
			Type:    "allocation_exceeds_pool",
			Message: "allocation exceeds available pool",
		}
	case errors.Is(err, ledgerdomain.ErrSessionEnded):
		return http.StatusConflict, errorPayload{
			Type:    "session_ended",
			Message: "session already ended",
		}
	case errors.Is(err, topupdomain.ErrExternalRefConflict):
		return http.StatusConflict, errorPayload{
			Type:    "external_ref_conflict",
			Message: "external reference already applied to another account",
		}
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, errorPayload{
			Type:    "payload_too_large",
			Message: "request body too large",
		}
	case errors.Is(err, meteringdomain.ErrPayerMismatch):
		return http.StatusConflict, errorPayload{
			Type:    "session_payer_mismatch",
			Message: "session belongs to another payer",
		}
	case errors.Is(err, ledgerdomain.ErrAccountInactive):
		return http.StatusConflict, errorPayload{
			Type:    "account_inactive",
			Message: "account is inactive",
		}
	case errors.Is(err, allocationdomain.ErrMemberInactive):
		return http.StatusConflict, errorPayload{
			Type:    "member_inactive",
			Message: "member is inactive",
		}
	case errors.Is(err, ledgerdomain.ErrStoreConflict),
		errors.Is(err, ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isValidationError(err):
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrSubjectRequired):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    notFoundType(err),
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the payload type and code recorded on the
// request log line.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	switch {
	case status >= http.StatusInternalServerError:
		return "server", code
	case status == http.StatusPaymentRequired, status == http.StatusConflict:
		return "domain", code
	default:
		return "client", code
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidOrganization),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, ledgerdomain.ErrInvalidCredits),
		errors.Is(err, ledgerdomain.ErrInvalidAllocation),
		errors.Is(err, ledgerdomain.ErrInvalidSubject),
		errors.Is(err, ledgerdomain.ErrInvalidAccountKind),
		errors.Is(err, ledgerdomain.ErrInvalidDelta),
		errors.Is(err, ledgerdomain.ErrInvalidIdempotencyKey),
		errors.Is(err, allocationdomain.ErrInvalidMember),
		errors.Is(err, meteringdomain.ErrInvalidSessionID),
		errors.Is(err, usagedomain.ErrInvalidBucket),
		errors.Is(err, usagedomain.ErrInvalidWindow),
		errors.Is(err, topupdomain.ErrInvalidProvider),
		errors.Is(err, topupdomain.ErrInvalidPayload),
		errors.Is(err, topupdomain.ErrInvalidEvent),
		errors.Is(err, topupdomain.ErrMissingAccount):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ledgerdomain.ErrAccountNotFound),
		errors.Is(err, ledgerdomain.ErrSessionNotFound),
		errors.Is(err, allocationdomain.ErrAllocationNotFound),
		errors.Is(err, topupdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func notFoundType(err error) string {
	switch {
	case errors.Is(err, ledgerdomain.ErrAccountNotFound):
		return ledgerdomain.ErrAccountNotFound.Error()
	case errors.Is(err, ledgerdomain.ErrSessionNotFound):
		return ledgerdomain.ErrSessionNotFound.Error()
	case errors.Is(err, allocationdomain.ErrAllocationNotFound):
		return allocationdomain.ErrAllocationNotFound.Error()
	case errors.Is(err, topupdomain.ErrProviderNotFound):
		return topupdomain.ErrProviderNotFound.Error()
	default:
		return "not_found"
	}
}

func validationErrorCode(err error) string {
	for _, known := range []error{
		ErrInvalidRequest,
		ErrInvalidOrganization,
		pagination.ErrInvalidPageToken,
		ledgerdomain.ErrInvalidCredits,
		ledgerdomain.ErrInvalidAllocation,
		ledgerdomain.ErrInvalidSubject,
		ledgerdomain.ErrInvalidAccountKind,
		ledgerdomain.ErrInvalidDelta,
		ledgerdomain.ErrInvalidIdempotencyKey,
		allocationdomain.ErrInvalidMember,
		meteringdomain.ErrInvalidSessionID,
		usagedomain.ErrInvalidBucket,
		usagedomain.ErrInvalidWindow,
		topupdomain.ErrInvalidProvider,
		topupdomain.ErrInvalidPayload,
		topupdomain.ErrInvalidEvent,
		topupdomain.ErrMissingAccount,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
