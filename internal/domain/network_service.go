package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultStoreRetries = 3

// NetworkService owns the state-changing operations of the connection graph:
// send, accept and reject. Every operation updates two user records through
// the store's single-document update; there is no multi-document transaction,
// so the service serializes work per unordered pair, applies the two writes
// initiator-first, and reports a second-write failure as ErrPartiallyApplied
// instead of pretending the pair committed or rolled back.
type NetworkService struct {
	store        UserRecordStore
	activity     *ActivityService
	repairer     PairRepairer
	locks        *PairLocks
	logger       *zap.Logger
	storeRetries int
}

func NewNetworkService(store UserRecordStore, activity *ActivityService, locks *PairLocks, logger *zap.Logger, storeRetries int) *NetworkService {
	if storeRetries <= 0 {
		storeRetries = defaultStoreRetries
	}
	return &NetworkService{
		store:        store,
		activity:     activity,
		locks:        locks,
		logger:       logger,
		storeRetries: storeRetries,
	}
}

// SetRepairer wires the reconciler used to narrowly heal a pair after a
// partial write. Optional; without one, partial failures wait for the sweep.
func (s *NetworkService) SetRepairer(r PairRepairer) {
	s.repairer = r
}

// SendRequest creates the pending edge self→target. Both sides of the edge
// must be written: target lands in self's outgoing set and self in target's
// incoming set.
func (s *NetworkService) SendRequest(ctx context.Context, self, target uuid.UUID) (EdgeState, error) {
	if self == target {
		return EdgeNone, ErrSelfTarget
	}

	if err := s.locks.Acquire(ctx, self, target); err != nil {
		return EdgeNone, err
	}
	defer s.locks.Release(self, target)

	selfDoc, err := s.store.GetByID(ctx, self)
	if err != nil {
		return EdgeNone, err
	}
	if _, err := s.store.GetByID(ctx, target); err != nil {
		return EdgeNone, err
	}

	rel := selfDoc.Relationships
	switch {
	case rel.Connections.Has(target):
		return EdgeConnected, ErrAlreadyConnected
	case rel.OutgoingRequests.Has(target):
		return EdgePending, ErrRequestAlreadySent
	case rel.IncomingRequests.Has(target):
		// The target already asked first. Surfaced verbatim so the caller
		// can offer "accept" instead of silently crossing two requests.
		return EdgePending, ErrReverseRequestExists
	}

	if err := s.updateWithRetry(ctx, self, func(r RelationshipSets) RelationshipSets {
		r = r.Clone()
		r.OutgoingRequests.Add(target)
		return r
	}); err != nil {
		return EdgeNone, err
	}

	if err := s.mirrorWrite(ctx, target, func(r RelationshipSets) RelationshipSets {
		r = r.Clone()
		r.IncomingRequests.Add(self)
		return r
	}); err != nil {
		s.reportPartial(self, target, "send_request", err)
		return EdgePending, fmt.Errorf("%w: request recorded for sender only", ErrPartiallyApplied)
	}

	s.recordActivity(ctx, self, ActivityConnectionRequest, target)
	return EdgePending, nil
}

// AcceptRequest promotes the pending edge requester→self to connected. The
// initiator's record is written first so that a failure between the two
// writes leaves the pair looking still pending on the requester's side, which
// the reconciler then promotes, rather than silently connected.
//
// Accept is retry-safe: when the pair is already connected on self's side
// (for example a retry after a partial first attempt) the call succeeds and
// performs only the writes still missing. A replay of a fully committed
// accept writes nothing and records no second audit entry.
func (s *NetworkService) AcceptRequest(ctx context.Context, self, requester uuid.UUID) (EdgeState, error) {
	if self == requester {
		return EdgeNone, ErrSelfTarget
	}

	if err := s.locks.Acquire(ctx, self, requester); err != nil {
		return EdgeNone, err
	}
	defer s.locks.Release(self, requester)

	selfDoc, err := s.store.GetByID(ctx, self)
	if err != nil {
		return EdgeNone, err
	}
	requesterDoc, err := s.store.GetByID(ctx, requester)
	if err != nil {
		return EdgeNone, err
	}

	rel := selfDoc.Relationships
	if !rel.IncomingRequests.Has(requester) && !rel.Connections.Has(requester) {
		return EdgeNone, ErrNoSuchRequest
	}

	selfSettled := connectedShape(rel, requester)
	requesterSettled := connectedShape(requesterDoc.Relationships, self)
	if selfSettled && requesterSettled {
		return EdgeConnected, nil
	}

	if !selfSettled {
		if err := s.updateWithRetry(ctx, self, func(r RelationshipSets) RelationshipSets {
			r = r.Clone()
			r.IncomingRequests.Remove(requester)
			r.OutgoingRequests.Remove(requester)
			r.Connections.Add(requester)
			return r
		}); err != nil {
			return EdgePending, err
		}
	}

	if !requesterSettled {
		if err := s.mirrorWrite(ctx, requester, func(r RelationshipSets) RelationshipSets {
			r = r.Clone()
			r.OutgoingRequests.Remove(self)
			r.IncomingRequests.Remove(self)
			r.Connections.Add(self)
			return r
		}); err != nil {
			s.reportPartial(self, requester, "accept_request", err)
			return EdgeConnected, fmt.Errorf("%w: accepted on one side only", ErrPartiallyApplied)
		}
	}

	s.recordActivity(ctx, self, ActivityConnectionAccept, requester)
	return EdgeConnected, nil
}

// RejectRequest removes the pending edge requester→self without creating a
// connection. The call proceeds as long as either record still shows the
// pending edge, so retrying after a partial first attempt finishes the
// removal instead of erroring.
//
// The mutators also clear a connected entry for the peer: a partially applied
// accept can leave one side connected while the other still shows pending,
// and an explicit reject must remove that remnant rather than leave the pair
// reading inconsistent until the next sweep.
func (s *NetworkService) RejectRequest(ctx context.Context, self, requester uuid.UUID) (EdgeState, error) {
	if self == requester {
		return EdgeNone, ErrSelfTarget
	}

	if err := s.locks.Acquire(ctx, self, requester); err != nil {
		return EdgeNone, err
	}
	defer s.locks.Release(self, requester)

	selfDoc, err := s.store.GetByID(ctx, self)
	if err != nil {
		return EdgeNone, err
	}
	requesterDoc, err := s.store.GetByID(ctx, requester)
	if err != nil {
		return EdgeNone, err
	}

	pendingOnSelf := selfDoc.Relationships.IncomingRequests.Has(requester)
	pendingOnRequester := requesterDoc.Relationships.OutgoingRequests.Has(self)
	if !pendingOnSelf && !pendingOnRequester {
		return EdgeNone, ErrNoSuchRequest
	}

	if err := s.updateWithRetry(ctx, self, func(r RelationshipSets) RelationshipSets {
		r = r.Clone()
		r.IncomingRequests.Remove(requester)
		r.Connections.Remove(requester)
		return r
	}); err != nil {
		return EdgePending, err
	}

	if err := s.mirrorWrite(ctx, requester, func(r RelationshipSets) RelationshipSets {
		r = r.Clone()
		r.OutgoingRequests.Remove(self)
		r.Connections.Remove(self)
		return r
	}); err != nil {
		s.reportPartial(self, requester, "reject_request", err)
		return EdgeNone, fmt.Errorf("%w: rejected on one side only", ErrPartiallyApplied)
	}

	return EdgeNone, nil
}

// connectedShape reports whether rel already holds exactly the connected-state
// entries for peer.
func connectedShape(rel RelationshipSets, peer uuid.UUID) bool {
	return rel.Connections.Has(peer) &&
		!rel.OutgoingRequests.Has(peer) &&
		!rel.IncomingRequests.Has(peer)
}

func (s *NetworkService) updateWithRetry(ctx context.Context, id uuid.UUID, mutate Mutator) error {
	return retryUpdate(ctx, s.store, id, mutate, s.storeRetries)
}

// retryUpdate applies the mutator, re-reading and re-applying on an
// optimistic-concurrency conflict up to the given bound. The mutator is a
// pure function of the current sets, so replaying it is safe. Exhausting the
// bound surfaces as ErrUnavailable.
func retryUpdate(ctx context.Context, store UserRecordStore, id uuid.UUID, mutate Mutator, retries int) error {
	var err error
	for attempt := 0; attempt < retries; attempt++ {
		_, err = store.UpdateRelationships(ctx, id, mutate)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// mirrorWrite is the second write of the pair. The first write has already
// committed, so a caller cancellation must not strand the edge: the write
// runs detached from the caller's cancellation signal.
func (s *NetworkService) mirrorWrite(ctx context.Context, id uuid.UUID, mutate Mutator) error {
	return s.updateWithRetry(context.WithoutCancel(ctx), id, mutate)
}

func (s *NetworkService) reportPartial(a, b uuid.UUID, op string, err error) {
	s.logger.Warn("second write of pair failed",
		zap.String("op", op),
		zap.String("initiator", a.String()),
		zap.String("peer", b.String()),
		zap.Error(err),
	)

	if s.repairer == nil {
		return
	}

	// Narrow repair in the background; the sweep catches it anyway if this
	// attempt loses the race or fails too.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.repairer.RepairPair(ctx, a, b); err != nil {
			s.logger.Warn("background pair repair failed",
				zap.String("initiator", a.String()),
				zap.String("peer", b.String()),
				zap.Error(err),
			)
		}
	}()
}

func (s *NetworkService) recordActivity(ctx context.Context, actor uuid.UUID, kind ActivityKind, peer uuid.UUID) {
	if s.activity == nil {
		return
	}
	s.activity.Record(context.WithoutCancel(ctx), actor, kind, peer)
}
