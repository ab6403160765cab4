package domain_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/careerlink/backend/internal/domain"
	"github.com/careerlink/backend/internal/repository"
)

func newReconciler(t *testing.T, store *repository.MemoryStore) *domain.Reconciler {
	t.Helper()
	locks := domain.NewPairLocks(2 * time.Second)
	return domain.NewReconciler(store, store, locks, zaptest.NewLogger(t), 3)
}

// breakRecord applies a raw mutation to one record only, bypassing the
// two-write protocol, to fabricate the damage a partial failure leaves.
func breakRecord(t *testing.T, store *repository.MemoryStore, id uuid.UUID, mutate domain.Mutator) {
	t.Helper()
	_, err := store.UpdateRelationships(context.Background(), id, mutate)
	require.NoError(t, err)
}

func TestRepairPromotesPendingMirrorToConnected(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	ids := seedUsers(t, store, "alice", "bob")
	alice, bob := ids[0], ids[1]

	// Bob requested Alice, Alice accepted, but the write back to Bob died:
	// Alice shows connected, Bob still shows pending(bob→alice).
	breakRecord(t, store, bob, func(r domain.RelationshipSets) domain.RelationshipSets {
		r = r.Clone()
		r.OutgoingRequests.Add(alice)
		return r
	})
	breakRecord(t, store, alice, func(r domain.RelationshipSets) domain.RelationshipSets {
		r = r.Clone()
		r.Connections.Add(bob)
		return r
	})

	rec := newReconciler(t, store)
	changed, err := rec.RepairPair(ctx, alice, bob)
	require.NoError(t, err)
	assert.True(t, changed)

	aliceDoc := mustGet(t, store, alice)
	bobDoc := mustGet(t, store, bob)
	assert.Equal(t, domain.EdgeConnected, domain.DeriveEdgeState(aliceDoc, bobDoc))
	assertInvariants(t, store, alice, bob)
}

func TestRepairRecreatesMissingPendingMirror(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	ids := seedUsers(t, store, "alice", "bob")
	alice, bob := ids[0], ids[1]

	// Request applied to Alice only.
	breakRecord(t, store, alice, func(r domain.RelationshipSets) domain.RelationshipSets {
		r = r.Clone()
		r.OutgoingRequests.Add(bob)
		return r
	})

	rec := newReconciler(t, store)
	changed, err := rec.RepairPair(ctx, alice, bob)
	require.NoError(t, err)
	assert.True(t, changed)

	aliceDoc := mustGet(t, store, alice)
	bobDoc := mustGet(t, store, bob)
	// The request survives; it is never rolled back to none.
	assert.Equal(t, domain.EdgePending, domain.DeriveEdgeState(aliceDoc, bobDoc))
	assert.True(t, aliceDoc.Relationships.OutgoingRequests.Has(bob))
	assert.True(t, bobDoc.Relationships.IncomingRequests.Has(alice))
}

func TestRepairNeverDemotesConnected(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	ids := seedUsers(t, store, "alice", "bob")
	alice, bob := ids[0], ids[1]

	for _, pair := range [][2]uuid.UUID{{alice, bob}, {bob, alice}} {
		self, peer := pair[0], pair[1]
		breakRecord(t, store, self, func(r domain.RelationshipSets) domain.RelationshipSets {
			r = r.Clone()
			r.Connections.Add(peer)
			return r
		})
	}

	rec := newReconciler(t, store)
	changed, err := rec.RepairPair(ctx, alice, bob)
	require.NoError(t, err)
	assert.False(t, changed, "an intact connected pair must be left alone")

	aliceDoc := mustGet(t, store, alice)
	bobDoc := mustGet(t, store, bob)
	assert.Equal(t, domain.EdgeConnected, domain.DeriveEdgeState(aliceDoc, bobDoc))
}

func TestRepairResolvesCrossedPendingDeterministically(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	ids := seedUsers(t, store, "alice", "bob")
	alice, bob := ids[0], ids[1]

	// Both directions pending at once: damage the guard normally prevents.
	breakRecord(t, store, alice, func(r domain.RelationshipSets) domain.RelationshipSets {
		r = r.Clone()
		r.OutgoingRequests.Add(bob)
		r.IncomingRequests.Add(bob)
		return r
	})
	breakRecord(t, store, bob, func(r domain.RelationshipSets) domain.RelationshipSets {
		r = r.Clone()
		r.OutgoingRequests.Add(alice)
		r.IncomingRequests.Add(alice)
		return r
	})

	rec := newReconciler(t, store)
	_, err := rec.RepairPair(ctx, alice, bob)
	require.NoError(t, err)

	aliceDoc := mustGet(t, store, alice)
	bobDoc := mustGet(t, store, bob)
	assert.Equal(t, domain.EdgePending, domain.DeriveEdgeState(aliceDoc, bobDoc))
	assertInvariants(t, store, alice, bob)

	// Running repair again is a no-op.
	changed, err := rec.RepairPair(ctx, alice, bob)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRepairSkipsDanglingPeer(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	ids := seedUsers(t, store, "alice")
	alice := ids[0]
	ghost := uuid.New()

	breakRecord(t, store, alice, func(r domain.RelationshipSets) domain.RelationshipSets {
		r = r.Clone()
		r.OutgoingRequests.Add(ghost)
		return r
	})

	rec := newReconciler(t, store)
	changed, err := rec.RepairPair(ctx, alice, ghost)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestScanUserRepairsEveryBrokenEdge(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	ids := seedUsers(t, store, "alice", "bob", "carol")
	alice, bob, carol := ids[0], ids[1], ids[2]

	breakRecord(t, store, alice, func(r domain.RelationshipSets) domain.RelationshipSets {
		r = r.Clone()
		r.OutgoingRequests.Add(bob)
		r.Connections.Add(carol)
		return r
	})

	rec := newReconciler(t, store)
	repaired, err := rec.ScanUser(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)
	assertInvariants(t, store, alice, bob, carol)
}

func TestSweepConverges(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	ids := seedUsers(t, store, "alice", "bob", "carol", "dave")
	alice, bob, carol, dave := ids[0], ids[1], ids[2], ids[3]

	breakRecord(t, store, alice, func(r domain.RelationshipSets) domain.RelationshipSets {
		r = r.Clone()
		r.OutgoingRequests.Add(bob)
		return r
	})
	breakRecord(t, store, carol, func(r domain.RelationshipSets) domain.RelationshipSets {
		r = r.Clone()
		r.Connections.Add(dave)
		return r
	})
	breakRecord(t, store, dave, func(r domain.RelationshipSets) domain.RelationshipSets {
		r = r.Clone()
		r.OutgoingRequests.Add(carol)
		return r
	})

	rec := newReconciler(t, store)
	repaired, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, repaired, 2)
	assertInvariants(t, store, alice, bob, carol, dave)

	// A second sweep finds nothing.
	repaired, err = rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)
}
