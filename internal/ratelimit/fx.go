package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	meteringdomain "github.com/smallbiznis/creditledger/internal/metering/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(
		NewRedisClient,
		NewSessionLimiter,
		provideTickLock,
	),
	fx.Invoke(registerRedisLifecycle),
)

// provideTickLock hands metering a nil interface when limiting is off so the
// service skips locking entirely.
func provideTickLock(limiter *SessionLimiter) meteringdomain.TickLock {
	if !limiter.Enabled() {
		return nil
	}
	return limiter
}

func registerRedisLifecycle(lc fx.Lifecycle, client redis.UniversalClient) {
	if client == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
}
