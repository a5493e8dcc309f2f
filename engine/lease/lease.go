// Package lease implements the Lease Manager (§4.2): a mutual-exclusion
// protocol over the ESS row so that only one Round Driver advances the
// tournament at a time.
package lease

import (
	"context"
	"time"

	"github.com/tokenscomedyclub/arena/engine/store"
)

// TTL is RUNNER_LEASE_MS from §4.2.
const TTL = 60 * time.Second

// RenewInterval is the cadence the driver renews on, both via the
// background heartbeat ticker during long LLM calls and inside the
// voting-window poll loop.
const RenewInterval = 20 * time.Second

// Manager wraps Store's lease primitives. It does not hold any state of
// its own beyond the Store it was built with -- the lease lives entirely
// on the ESS row, so any process can call AcquireIfVacant and take over.
type Manager struct {
	store store.Store
}

func New(s store.Store) *Manager {
	return &Manager{store: s}
}

// AcquireIfVacant installs a fresh opaque lease id if none is currently
// held, returning it. Called by admin resume, viewer ensureStarted, and
// app bootstrap.
func (m *Manager) AcquireIfVacant(ctx context.Context, now time.Time) (string, bool, error) {
	id := store.NewOpaqueID()
	ok, err := m.store.AcquireLeaseIfVacant(ctx, id, now, TTL)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return id, true, nil
}

// Renew extends the lease if leaseID still holds it.
func (m *Manager) Renew(ctx context.Context, leaseID string, now time.Time) (bool, error) {
	return m.store.RenewLease(ctx, leaseID, now, TTL)
}

// Validate re-checks generation/lease/expiry without writing.
func (m *Manager) Validate(ctx context.Context, leaseID string, expectedGeneration int64, now time.Time) (bool, error) {
	return m.store.ValidateLease(ctx, leaseID, expectedGeneration, now)
}

// Heartbeat starts a ticker that renews leaseID every RenewInterval until
// ctx is cancelled, tolerating OptimisticConcurrencyControlFailure on
// renew by re-validating before giving up -- §4.2's "driver renews the
// lease ... via an asynchronous background ticker every 20s while a long
// LLM call is in flight". The returned channel is closed if the lease is
// ever lost (renew fails and reconfirm via validate also fails), so the
// caller can react promptly instead of waiting for the call to return.
func (m *Manager) Heartbeat(ctx context.Context, leaseID string, expectedGeneration int64) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		ticker := time.NewTicker(RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				renewed, err := m.Renew(ctx, leaseID, now)
				if err == nil && renewed {
					continue
				}
				valid, verr := m.Validate(ctx, leaseID, expectedGeneration, now)
				if verr == nil && valid {
					continue
				}
				close(lost)
				return
			}
		}
	}()
	return lost
}
