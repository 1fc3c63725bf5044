package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const dateOnlyLayout = "2006-01-02"

func parseOptionalInt64(value string) (*int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// limitQuery reads ?limit. Zero means unset; services apply their own
// default and cap.
func limitQuery(c *gin.Context) (int, error) {
	limit, err := parseOptionalInt64(c.Query("limit"))
	if err != nil || (limit != nil && *limit < 0) {
		return 0, newValidationError("limit", "invalid_limit", "invalid limit")
	}
	if limit == nil {
		return 0, nil
	}
	return int(*limit), nil
}

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed == 0 {
		return nil, errors.New("invalid_snowflake_id")
	}
	return &parsed, nil
}

// parseWindowBound accepts RFC3339 or a bare date. Windows are half-open, so
// a bare date used as an upper bound covers that whole day and resolves to
// the following midnight UTC.
func parseWindowBound(value string, upper bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	parsed, err := time.ParseInLocation(dateOnlyLayout, trimmed, time.UTC)
	if err != nil {
		return nil, errors.New("invalid_time")
	}
	if upper {
		parsed = parsed.AddDate(0, 0, 1)
	}
	return &parsed, nil
}
