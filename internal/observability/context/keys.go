package context

import "context"

type contextKey string

const (
	requestIDKey   contextKey = "observability_request_id"
	subjectIDKey   contextKey = "observability_subject_id"
	subjectTypeKey contextKey = "observability_subject_type"
	orgIDKey       contextKey = "observability_org_id"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

func WithSubject(ctx context.Context, subjectType, subjectID string) context.Context {
	if ctx == nil {
		return ctx
	}
	if subjectType != "" {
		ctx = context.WithValue(ctx, subjectTypeKey, subjectType)
	}
	if subjectID != "" {
		ctx = context.WithValue(ctx, subjectIDKey, subjectID)
	}
	return ctx
}

func SubjectFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	subjectType, _ := ctx.Value(subjectTypeKey).(string)
	subjectID, _ := ctx.Value(subjectIDKey).(string)
	return subjectType, subjectID
}

func WithOrgID(ctx context.Context, orgID string) context.Context {
	if ctx == nil || orgID == "" {
		return ctx
	}
	return context.WithValue(ctx, orgIDKey, orgID)
}

func OrgIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(orgIDKey).(string)
	return value
}
