package domain

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSelfTarget           = errors.New("cannot target yourself")
	ErrUserNotFound         = errors.New("user not found")
	ErrAlreadyConnected     = errors.New("users are already connected")
	ErrRequestAlreadySent   = errors.New("connection request already sent")
	ErrReverseRequestExists = errors.New("target has already sent you a request")
	ErrNoSuchRequest        = errors.New("no pending request from this user")
	ErrPartiallyApplied     = errors.New("connection update applied to one side only")
	ErrBusy                 = errors.New("pair is busy, retry later")
	ErrConflict             = errors.New("record was modified concurrently")
	ErrUnavailable          = errors.New("user store unavailable")
)

// EdgeState is the derived state of the unordered pair (A, B). It is never
// stored; it is computed from the relationship sets on the two user records.
type EdgeState string

const (
	EdgeNone         EdgeState = "none"
	EdgePending      EdgeState = "pending"
	EdgeConnected    EdgeState = "connected"
	EdgeInconsistent EdgeState = "inconsistent"
)

// IDSet is a set of user ids. The backing store may persist these as ordered
// arrays; in memory they are real sets so duplicate suppression and O(1)
// membership are mechanical.
type IDSet map[uuid.UUID]struct{}

func NewIDSet(ids ...uuid.UUID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Has(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id. Adding an id already present is a no-op.
func (s IDSet) Add(id uuid.UUID) {
	s[id] = struct{}{}
}

// Remove deletes id. Removing an id not present is a no-op.
func (s IDSet) Remove(id uuid.UUID) {
	delete(s, id)
}

func (s IDSet) Len() int { return len(s) }

func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// IDs returns the members in a stable order.
func (s IDSet) IDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// RelationshipSets are the three denormalized relationship fields stored on a
// user record. Connections are symmetric; a pending request appears in the
// sender's OutgoingRequests and the receiver's IncomingRequests.
type RelationshipSets struct {
	Connections      IDSet
	OutgoingRequests IDSet
	IncomingRequests IDSet
}

func NewRelationshipSets() RelationshipSets {
	return RelationshipSets{
		Connections:      NewIDSet(),
		OutgoingRequests: NewIDSet(),
		IncomingRequests: NewIDSet(),
	}
}

func (r RelationshipSets) Clone() RelationshipSets {
	return RelationshipSets{
		Connections:      r.Connections.Clone(),
		OutgoingRequests: r.OutgoingRequests.Clone(),
		IncomingRequests: r.IncomingRequests.Clone(),
	}
}

// Peers returns every user id referenced in any of the three sets.
func (r RelationshipSets) Peers() []uuid.UUID {
	all := NewIDSet()
	for id := range r.Connections {
		all.Add(id)
	}
	for id := range r.OutgoingRequests {
		all.Add(id)
	}
	for id := range r.IncomingRequests {
		all.Add(id)
	}
	return all.IDs()
}

// UserRecord is a user document as owned by the external user store. Only the
// relationship sets are mutated by this package; the profile fields are read
// for presentation.
type UserRecord struct {
	ID            uuid.UUID        `json:"id"`
	Name          string           `json:"name"`
	Headline      string           `json:"headline,omitempty"`
	AvatarURL     string           `json:"avatar_url,omitempty"`
	Role          string           `json:"role,omitempty"`
	Relationships RelationshipSets `json:"-"`
	Version       int64            `json:"-"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Mutator receives the current relationship sets of a record and returns the
// new sets. It must be a pure function of its input so the store can re-apply
// it after an optimistic-concurrency retry.
type Mutator func(RelationshipSets) RelationshipSets

// UserRecordStore is the external user document store. UpdateRelationships
// applies the mutator as a single document update; a concurrent writer is
// surfaced as ErrConflict, an unknown id as ErrUserNotFound.
type UserRecordStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*UserRecord, error)
	UpdateRelationships(ctx context.Context, id uuid.UUID, mutate Mutator) (*UserRecord, error)
}

// RecordLister enumerates every user id known to the store. The reconciler
// sweep needs it; live request handling does not.
type RecordLister interface {
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
}

// PairRepairer narrowly repairs the edge between two users. Satisfied by
// *Reconciler; the graph service invokes it after a partial write.
type PairRepairer interface {
	RepairPair(ctx context.Context, a, b uuid.UUID) (bool, error)
}

// DeriveEdgeState classifies the pair (a, b) from the two loaded records.
func DeriveEdgeState(a, b *UserRecord) EdgeState {
	connAB := a.Relationships.Connections.Has(b.ID)
	connBA := b.Relationships.Connections.Has(a.ID)
	outAB := a.Relationships.OutgoingRequests.Has(b.ID)
	inBA := b.Relationships.IncomingRequests.Has(a.ID)
	outBA := b.Relationships.OutgoingRequests.Has(a.ID)
	inAB := a.Relationships.IncomingRequests.Has(b.ID)

	anyPending := outAB || inBA || outBA || inAB

	switch {
	case connAB && connBA:
		if anyPending {
			return EdgeInconsistent
		}
		return EdgeConnected
	case connAB || connBA:
		return EdgeInconsistent
	case outAB && inBA && !outBA && !inAB:
		return EdgePending
	case outBA && inAB && !outAB && !inBA:
		return EdgePending
	case anyPending:
		return EdgeInconsistent
	default:
		return EdgeNone
	}
}
