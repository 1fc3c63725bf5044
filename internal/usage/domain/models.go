package domain

import (
	"time"

	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

// UnknownTopic labels minutes billed to sessions started without a topic.
const UnknownTopic = "Unknown Topic"

type TopicUsage = ledgerdomain.TopicUsage

type Bucket string

const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
)

func (b Bucket) Valid() bool {
	return b == BucketHour || b == BucketDay
}

func (b Bucket) Duration() time.Duration {
	if b == BucketDay {
		return 24 * time.Hour
	}
	return time.Hour
}

// MinuteRow is one billed session minute read from the transaction log.
type MinuteRow struct {
	SessionID string
	Topic     string
	Credits   int64
	CreatedAt time.Time
}

type WindowRequest struct {
	From   time.Time
	To     time.Time
	Bucket Bucket
}

type WindowBucket struct {
	Start    time.Time `json:"start"`
	Credits  int64     `json:"credits"`
	Minutes  int64     `json:"minutes"`
	Sessions int64     `json:"sessions"`
}
