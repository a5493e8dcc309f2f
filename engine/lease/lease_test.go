package lease

import (
	"context"
	"testing"
	"time"

	"github.com/tokenscomedyclub/arena/engine/store"
)

func TestAcquireIfVacantBlocksWhileHeld(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	s.GetOrCreateState(ctx)
	m := New(s)
	now := time.Now()

	id, ok, err := m.AcquireIfVacant(ctx, now)
	if err != nil {
		t.Fatalf("AcquireIfVacant: %v", err)
	}
	if !ok || id == "" {
		t.Fatalf("expected to acquire a vacant lease, got ok=%v id=%q", ok, id)
	}

	_, ok, err = m.AcquireIfVacant(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("AcquireIfVacant (second): %v", err)
	}
	if ok {
		t.Error("expected a live lease to block a second acquisition")
	}

	// Once it expires, a new acquirer should succeed.
	_, ok, err = m.AcquireIfVacant(ctx, now.Add(TTL+time.Second))
	if err != nil {
		t.Fatalf("AcquireIfVacant (after expiry): %v", err)
	}
	if !ok {
		t.Error("expected an expired lease to be acquirable")
	}
}

func TestRenewOnlyExtendsTheOwningLease(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	s.GetOrCreateState(ctx)
	m := New(s)
	now := time.Now()

	id, _, _ := m.AcquireIfVacant(ctx, now)

	renewed, err := m.Renew(ctx, id, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !renewed {
		t.Error("expected the owning lease id to renew successfully")
	}

	renewed, err = m.Renew(ctx, "some-other-lease", now.Add(time.Second))
	if err != nil {
		t.Fatalf("Renew (foreign): %v", err)
	}
	if renewed {
		t.Error("a non-owning lease id must not be able to renew")
	}
}

func TestValidateChecksGenerationAndExpiry(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	st, _ := s.GetOrCreateState(ctx)
	m := New(s)
	now := time.Now()
	id, _, _ := m.AcquireIfVacant(ctx, now)

	valid, err := m.Validate(ctx, id, st.Generation, now)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !valid {
		t.Error("expected a freshly acquired lease to validate")
	}

	valid, err = m.Validate(ctx, id, st.Generation+1, now)
	if err != nil {
		t.Fatalf("Validate (stale generation): %v", err)
	}
	if valid {
		t.Error("expected Validate to reject a stale expectedGeneration")
	}

	valid, err = m.Validate(ctx, id, st.Generation, now.Add(TTL+time.Second))
	if err != nil {
		t.Fatalf("Validate (expired): %v", err)
	}
	if valid {
		t.Error("expected Validate to reject an expired lease")
	}
}

func TestHeartbeatClosesChannelWhenLeaseIsStolen(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	st, _ := s.GetOrCreateState(ctx)
	m := New(s)
	now := time.Now()
	id, _, _ := m.AcquireIfVacant(ctx, now)

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := m.Heartbeat(hbCtx, id, st.Generation)

	// Simulate the lease expiring and being stolen by another runner before
	// the next renewal tick.
	s.AcquireLeaseIfVacant(ctx, "thief", now.Add(TTL+time.Second), TTL)

	select {
	case <-lost:
	case <-time.After(RenewInterval + 5*time.Second):
		t.Fatal("expected the heartbeat loop to detect lease loss and close lost")
	}
}
