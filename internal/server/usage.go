package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
)

const defaultUsageWindow = 7 * 24 * time.Hour

type usageResponse struct {
	From    time.Time                  `json:"from"`
	To      time.Time                  `json:"to"`
	Bucket  usagedomain.Bucket         `json:"bucket"`
	Buckets []usagedomain.WindowBucket `json:"buckets"`
	ByTopic []usagedomain.TopicUsage   `json:"by_topic"`
}

// GetUsage reports the caller's billed minutes bucketed over [from, to).
// The window defaults to the last seven days.
func (s *Server) GetUsage(c *gin.Context) {
	caller, err := callerFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	from, err := parseWindowBound(c.Query("from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseWindowBound(c.Query("to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}

	req := usagedomain.WindowRequest{
		Bucket: usagedomain.Bucket(strings.ToLower(strings.TrimSpace(c.Query("bucket")))),
	}
	if req.Bucket == "" {
		req.Bucket = usagedomain.BucketDay
	}
	req.To = s.clock.Now().UTC()
	if to != nil {
		req.To = *to
	}
	req.From = req.To.Add(-defaultUsageWindow)
	if from != nil {
		req.From = *from
	}

	ctx := c.Request.Context()
	account, err := s.ledgerSvc.ResolveAccount(ctx, caller.Subject())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	buckets, err := s.usageSvc.UsageByWindow(ctx, account.ID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	byTopic, err := s.usageSvc.UsageByTopic(ctx, account.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, usageResponse{
		From:    req.From,
		To:      req.To,
		Bucket:  req.Bucket,
		Buckets: buckets,
		ByTopic: byTopic,
	})
}
