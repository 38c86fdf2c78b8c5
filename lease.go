package batchoutbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LeaseManager grants and maintains fenced batch leases for one owner.
type LeaseManager struct {
	store      LeaseStore
	owner      string
	ttl        time.Duration
	renewEvery time.Duration
	clock      Clock
}

// NewLeaseManager returns a manager claiming leases as owner.
// renewEvery must be shorter than ttl; otherwise a third of ttl is used.
func NewLeaseManager(store LeaseStore, owner string, ttl, renewEvery time.Duration, clock Clock) *LeaseManager {
	if store == nil {
		panic("batchoutbox: nil LeaseStore")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	if renewEvery <= 0 || renewEvery >= ttl {
		renewEvery = ttl / leaseRenewDivisor
	}
	if clock == nil {
		clock = SystemClock{}
	}

	return &LeaseManager{
		store:      store,
		owner:      owner,
		ttl:        ttl,
		renewEvery: renewEvery,
		clock:      clock,
	}
}

// Owner returns the identity written to leaseOwner.
func (m *LeaseManager) Owner() string {
	return m.owner
}

// Acquire claims batchID. It returns ErrBatchClaimed while another owner holds a valid lease.
func (m *LeaseManager) Acquire(ctx context.Context, batchID string) (Lease, error) {
	lease, err := m.store.ClaimBatch(ctx, ClaimRequest{
		BatchID: batchID,
		Owner:   m.owner,
		Now:     m.clock.Now(),
		TTL:     m.ttl,
	})
	if err != nil {
		return Lease{}, err
	}

	return lease, nil
}

// Check fails with ErrLeaseLost once the lease has expired locally. No store round-trip is made.
func (m *LeaseManager) Check(lease Lease) error {
	if lease.Expired(m.clock.Now()) {
		return ErrLeaseLost
	}

	return nil
}

// Keepalive verifies the lease and renews it when the renew interval has elapsed since it was
// last extended. It returns ErrLeaseLost when the lease expired or the store rejected the renewal.
func (m *LeaseManager) Keepalive(ctx context.Context, lease Lease) (Lease, error) {
	now := m.clock.Now()
	if lease.Expired(now) {
		return lease, ErrLeaseLost
	}
	if lease.ExpiresAt.Sub(now) > m.ttl-m.renewEvery {
		return lease, nil
	}

	renewed, err := m.store.RenewLease(ctx, lease, now, m.ttl)
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			return lease, err
		}

		return lease, fmt.Errorf("batchoutbox lease renew failed: %w", err)
	}

	return renewed, nil
}

// Release gives the batch back without changing its status. Errors are returned for logging only.
func (m *LeaseManager) Release(ctx context.Context, lease Lease) error {
	if err := m.store.ReleaseLease(ctx, lease); err != nil {
		return fmt.Errorf("batchoutbox lease release failed: %w", err)
	}

	return nil
}
