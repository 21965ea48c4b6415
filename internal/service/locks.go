// Package service implements the exchange engine operations: the prediction
// market AMM, the perpetuals engine, the ledger, the price update
// coordinator, and the read-only query facade.
//
// Locking contract: operations that touch shared state acquire per-entity
// locks through domain.LockManager. Cross-entity operations always take the
// balance lock before the market or position lock, so lock ordering cannot
// deadlock. Waits are bounded; a lock that stays contended past the wait
// surfaces domain.ErrEngineBusy with no state changed.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/babylonmarkets/exchange/internal/domain"
)

const (
	defaultLockTTL  = 10 * time.Second
	defaultLockWait = 2 * time.Second
	lockRetryDelay  = 10 * time.Millisecond
)

func balanceLockKey(userID string) string  { return "balance:" + userID }
func marketLockKey(marketID string) string { return "market:" + marketID }
func perpLockKey(positionID string) string { return "perp:" + positionID }

// acquireLock polls the lock manager until the lock is obtained or wait
// elapses, converting sustained contention into ErrEngineBusy.
func acquireLock(ctx context.Context, lm domain.LockManager, key string, wait time.Duration) (func(), error) {
	if wait <= 0 {
		wait = defaultLockWait
	}
	deadline := time.Now().Add(wait)

	for {
		unlock, err := lm.Acquire(ctx, key, defaultLockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, domain.ErrEngineBusy
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}
