package domain

import (
	"context"
)

// Service drives the INIT -> ACTIVE -> ENDED session state machine.
type Service interface {
	Start(ctx context.Context, req StartRequest) (*Session, error)
	Tick(ctx context.Context, req TickRequest) (*TickResult, error)
	End(ctx context.Context, sessionID string) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
}

// TickLock short-circuits concurrent ticks of one session across processes.
// Correctness does not depend on it; the session row lock serializes billing.
type TickLock interface {
	Acquire(ctx context.Context, sessionID string) (release func(), acquired bool, err error)
}
