package domain

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultSweepConcurrency = 4

// Reconciler detects and heals one-sided edges left behind when a write to
// one user record succeeded and the paired write to the other did not.
//
// Healing is deterministic and favors progress: the most progressed state
// wins. A connected entry on either side promotes the mirror to connected; a
// pending entry with a missing mirror re-creates the mirror rather than
// rolling the request back. Repair never destroys a connected edge; only an
// explicit accept/reject/removal may do that.
type Reconciler struct {
	store        UserRecordStore
	lister       RecordLister
	locks        *PairLocks
	logger       *zap.Logger
	storeRetries int
}

// NewReconciler builds a reconciler sharing the graph service's pair locks so
// repairs never race a live accept or reject. lister may be nil when the
// deployment only uses narrow post-failure repair, not the full sweep.
func NewReconciler(store UserRecordStore, lister RecordLister, locks *PairLocks, logger *zap.Logger, storeRetries int) *Reconciler {
	if storeRetries <= 0 {
		storeRetries = defaultStoreRetries
	}
	return &Reconciler{
		store:        store,
		lister:       lister,
		locks:        locks,
		logger:       logger,
		storeRetries: storeRetries,
	}
}

// RepairPair inspects the unordered pair (a, b) and rewrites whichever side
// deviates from the healed shape. It reports whether any write was applied.
func (r *Reconciler) RepairPair(ctx context.Context, a, b uuid.UUID) (bool, error) {
	if a == b {
		return false, ErrSelfTarget
	}

	if err := r.locks.Acquire(ctx, a, b); err != nil {
		return false, err
	}
	defer r.locks.Release(a, b)

	aDoc, err := r.store.GetByID(ctx, a)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	bDoc, err := r.store.GetByID(ctx, b)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Dangling peer id. The read view filters these out; repair
			// has no second record to mirror against.
			return false, nil
		}
		return false, err
	}

	shapeA, shapeB := healedShapes(aDoc, bDoc)

	changed := false
	if !pairShapeEqual(aDoc.Relationships, shapeA, b) {
		if err := retryUpdate(ctx, r.store, a, applyPairShape(b, shapeA), r.storeRetries); err != nil {
			return changed, err
		}
		changed = true
	}
	if !pairShapeEqual(bDoc.Relationships, shapeB, a) {
		if err := retryUpdate(ctx, r.store, b, applyPairShape(a, shapeB), r.storeRetries); err != nil {
			return changed, err
		}
		changed = true
	}

	if changed {
		r.logger.Info("repaired edge",
			zap.String("a", a.String()),
			zap.String("b", b.String()),
		)
	}
	return changed, nil
}

// ScanUser verifies every edge referenced by the user's three sets and
// repairs the ones whose mirrored entry is missing or contradictory. Failures
// on individual pairs are logged and skipped so one busy pair cannot stall
// the rest of the scan.
func (r *Reconciler) ScanUser(ctx context.Context, id uuid.UUID) (int, error) {
	doc, err := r.store.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, peer := range doc.Relationships.Peers() {
		if peer == id {
			continue
		}
		changed, err := r.RepairPair(ctx, id, peer)
		if err != nil {
			r.logger.Warn("pair repair failed during scan",
				zap.String("user_id", id.String()),
				zap.String("peer_id", peer.String()),
				zap.Error(err),
			)
			continue
		}
		if changed {
			repaired++
		}
	}
	return repaired, nil
}

// Sweep scans every user in the store. Read-heavy; safe to run alongside
// live traffic because each repair takes the pair lock first.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	if r.lister == nil {
		return 0, errors.New("reconciler has no record lister")
	}

	ids, err := r.lister.ListIDs(ctx)
	if err != nil {
		return 0, err
	}

	var repaired atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultSweepConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			n, err := r.ScanUser(gctx, id)
			if err != nil && !errors.Is(err, ErrUserNotFound) {
				r.logger.Warn("user scan failed during sweep",
					zap.String("user_id", id.String()),
					zap.Error(err),
				)
				return nil
			}
			repaired.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(repaired.Load()), err
	}
	return int(repaired.Load()), nil
}

// StartSweeper runs Sweep on the given interval until ctx is canceled.
func (r *Reconciler) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := r.Sweep(ctx)
				if err != nil {
					r.logger.Error("reconciler sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					r.logger.Info("reconciler sweep repaired edges", zap.Int("repaired", n))
				}
			}
		}
	}()
}

// pairShape is the healed relationship of one record toward one peer.
type pairShape struct {
	connected bool
	outgoing  bool
	incoming  bool
}

// healedShapes decides the target state of the pair. Connected on either side
// wins outright. A pending direction survives when either half of its mirror
// exists. Two opposite pendings can only be observed as damage (the reverse
// request guard forbids creating them); the direction initiated by the
// smaller id is kept so repair is deterministic.
func healedShapes(aDoc, bDoc *UserRecord) (pairShape, pairShape) {
	a, b := aDoc.ID, bDoc.ID

	connected := aDoc.Relationships.Connections.Has(b) || bDoc.Relationships.Connections.Has(a)
	if connected {
		return pairShape{connected: true}, pairShape{connected: true}
	}

	pendAB := aDoc.Relationships.OutgoingRequests.Has(b) || bDoc.Relationships.IncomingRequests.Has(a)
	pendBA := bDoc.Relationships.OutgoingRequests.Has(a) || aDoc.Relationships.IncomingRequests.Has(b)

	if pendAB && pendBA {
		if bytes.Compare(a[:], b[:]) < 0 {
			pendBA = false
		} else {
			pendAB = false
		}
	}

	switch {
	case pendAB:
		return pairShape{outgoing: true}, pairShape{incoming: true}
	case pendBA:
		return pairShape{incoming: true}, pairShape{outgoing: true}
	default:
		return pairShape{}, pairShape{}
	}
}

func pairShapeEqual(rel RelationshipSets, shape pairShape, peer uuid.UUID) bool {
	return rel.Connections.Has(peer) == shape.connected &&
		rel.OutgoingRequests.Has(peer) == shape.outgoing &&
		rel.IncomingRequests.Has(peer) == shape.incoming
}

// applyPairShape returns a mutator that forces the record's entries for the
// peer into the healed shape, leaving every other peer's entries untouched.
func applyPairShape(peer uuid.UUID, shape pairShape) Mutator {
	return func(rel RelationshipSets) RelationshipSets {
		rel = rel.Clone()
		setMembership(rel.Connections, peer, shape.connected)
		setMembership(rel.OutgoingRequests, peer, shape.outgoing)
		setMembership(rel.IncomingRequests, peer, shape.incoming)
		return rel
	}
}

func setMembership(s IDSet, id uuid.UUID, member bool) {
	if member {
		s.Add(id)
	} else {
		s.Remove(id)
	}
}
