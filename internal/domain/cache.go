package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache provides fast access to the latest mark prices.
type PriceCache interface {
	SetPrice(ctx context.Context, instrumentID string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, instrumentID string) (decimal.Decimal, time.Time, error)
	GetPrices(ctx context.Context, instrumentIDs []string) (map[string]decimal.Decimal, error)
}

// LockManager provides per-entity mutual exclusion. Implementations return
// ErrLockHeld when the lock is taken; services convert a bounded wait that
// never succeeds into ErrEngineBusy.
//
// Lock keys are "balance:{userID}", "market:{marketID}" and
// "perp:{positionID}". Cross-entity operations acquire balance before
// market/position, always, so lock ordering cannot deadlock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus publishes engine change events (trades, price updates,
// liquidations, resolutions) to external subscribers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter throttles request rates per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}
