package server

import (
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creditledger/internal/observability/context"
	"github.com/smallbiznis/creditledger/internal/subjectcontext"
)

const contextSubjectIDKey = "subject_id"

// SubjectRequired resolves the caller from the identity headers set by the
// routing layer and rejects anonymous requests.
func SubjectRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := subjectcontext.FromHeaders(c.Request.Header)
		if !ok {
			AbortWithError(c, ErrSubjectRequired)
			return
		}

		ctx := subjectcontext.WithCaller(c.Request.Context(), caller)
		ctx = obscontext.WithSubject(ctx, string(caller.Type), caller.SubjectID)
		ctx = obscontext.WithOrgID(ctx, caller.OrganizationID)
		c.Request = c.Request.WithContext(ctx)

		c.Set(contextSubjectIDKey, caller.SubjectID)
		c.Next()
	}
}

func callerFrom(c *gin.Context) (subjectcontext.Caller, error) {
	caller, ok := subjectcontext.CallerFromContext(c.Request.Context())
	if !ok {
		return subjectcontext.Caller{}, ErrSubjectRequired
	}
	return caller, nil
}
