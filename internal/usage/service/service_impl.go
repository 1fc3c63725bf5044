package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/cache"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxWindowBuckets = 2000

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Repo   domain.Repository
	Policy *config.MeteringConfigHolder `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	repo   domain.Repository
	policy *config.MeteringConfigHolder

	topics  *cache.TTLCache[string, []domain.TopicUsage]
	windows *cache.TTLCache[string, []domain.WindowBucket]
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("credit.usage"),
		repo:    p.Repo,
		policy:  p.Policy,
		topics:  cache.NewTTLCache[string, []domain.TopicUsage](p.Clock),
		windows: cache.NewTTLCache[string, []domain.WindowBucket](p.Clock),
	}
}

// UsageByTopic totals billed minutes per topic, largest spend first.
func (s *Service) UsageByTopic(ctx context.Context, accountID snowflake.ID) ([]domain.TopicUsage, error) {
	key := accountKey(accountID) + "topics"
	if cached, ok := s.topics.Get(key); ok {
		return cached, nil
	}

	rows, err := s.repo.ListMinutes(ctx, s.db, accountID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}

	byTopic := map[string]*domain.TopicUsage{}
	sessions := map[string]map[string]struct{}{}
	for _, row := range rows {
		topic := strings.TrimSpace(row.Topic)
		if topic == "" {
			topic = domain.UnknownTopic
		}
		usage, ok := byTopic[topic]
		if !ok {
			usage = &domain.TopicUsage{Topic: topic}
			byTopic[topic] = usage
			sessions[topic] = map[string]struct{}{}
		}
		usage.TotalCredits += row.Credits
		usage.TotalMinutes++
		if row.CreatedAt.After(usage.LastUsed) {
			usage.LastUsed = row.CreatedAt
		}
		if _, seen := sessions[topic][row.SessionID]; !seen {
			sessions[topic][row.SessionID] = struct{}{}
			usage.SessionCount++
		}
	}

	out := make([]domain.TopicUsage, 0, len(byTopic))
	for _, usage := range byTopic {
		out = append(out, *usage)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCredits != out[j].TotalCredits {
			return out[i].TotalCredits > out[j].TotalCredits
		}
		return out[i].Topic < out[j].Topic
	})

	if ttl := s.ttl(); ttl > 0 {
		s.topics.Set(key, out, ttl)
	}
	return out, nil
}

// UsageByWindow buckets billed minutes of [From, To) by hour or day in UTC.
// Empty buckets are included so the series has no gaps.
func (s *Service) UsageByWindow(ctx context.Context, accountID snowflake.ID, req domain.WindowRequest) ([]domain.WindowBucket, error) {
	bucket := domain.Bucket(strings.ToLower(strings.TrimSpace(string(req.Bucket))))
	if bucket == "" {
		bucket = domain.BucketDay
	}
	if !bucket.Valid() {
		return nil, domain.ErrInvalidBucket
	}
	if req.From.IsZero() || req.To.IsZero() || !req.From.Before(req.To) {
		return nil, domain.ErrInvalidWindow
	}

	step := bucket.Duration()
	from := req.From.UTC().Truncate(step)
	to := req.To.UTC()
	if int(to.Sub(from)/step) > maxWindowBuckets {
		return nil, domain.ErrInvalidWindow
	}

	key := fmt.Sprintf("%swindow:%s:%d:%d", accountKey(accountID), bucket, from.UnixNano(), to.UnixNano())
	if cached, ok := s.windows.Get(key); ok {
		return cached, nil
	}

	rows, err := s.repo.ListMinutes(ctx, s.db, accountID, from, to)
	if err != nil {
		return nil, err
	}

	out := []domain.WindowBucket{}
	index := map[time.Time]int{}
	for start := from; start.Before(to); start = start.Add(step) {
		index[start] = len(out)
		out = append(out, domain.WindowBucket{Start: start})
	}

	sessions := map[time.Time]map[string]struct{}{}
	for _, row := range rows {
		start := row.CreatedAt.UTC().Truncate(step)
		i, ok := index[start]
		if !ok {
			continue
		}
		out[i].Credits += row.Credits
		out[i].Minutes++
		if sessions[start] == nil {
			sessions[start] = map[string]struct{}{}
		}
		if _, seen := sessions[start][row.SessionID]; !seen {
			sessions[start][row.SessionID] = struct{}{}
			out[i].Sessions++
		}
	}

	if ttl := s.ttl(); ttl > 0 {
		s.windows.Set(key, out, ttl)
	}
	return out, nil
}

func (s *Service) Invalidate(accountID snowflake.ID) {
	prefix := accountKey(accountID)
	match := func(key string) bool { return strings.HasPrefix(key, prefix) }
	s.topics.DeleteFunc(match)
	s.windows.DeleteFunc(match)
}

func (s *Service) ttl() time.Duration {
	return s.policy.Get().UsageCacheTTL
}

func accountKey(accountID snowflake.ID) string {
	return accountID.String() + ":"
}
