package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ActivityKind string

const (
	ActivityConnectionRequest ActivityKind = "connection_request"
	ActivityConnectionAccept  ActivityKind = "connection_accept"
)

// Activity is one audit record of a successful graph mutation. The core only
// ever writes these; the feed endpoint and websocket push read them for
// presentation.
type Activity struct {
	ID        uuid.UUID    `json:"id"`
	ActorID   uuid.UUID    `json:"actor_id"`
	Kind      ActivityKind `json:"kind"`
	PeerID    uuid.UUID    `json:"peer_id"`
	CreatedAt time.Time    `json:"created_at"`
}

type ActivityRepository interface {
	RecordActivity(ctx context.Context, activity Activity) error
	ListActivities(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Activity, error)
}

// ActivityNotifier pushes an event to a user's live clients. Satisfied by the
// websocket manager in the api package.
type ActivityNotifier interface {
	NotifyUser(userID uuid.UUID, payload interface{})
}

type ActivityService struct {
	repo     ActivityRepository
	notifier ActivityNotifier
	logger   *zap.Logger
}

func NewActivityService(repo ActivityRepository, notifier ActivityNotifier, logger *zap.Logger) *ActivityService {
	return &ActivityService{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
	}
}

// Record stores one activity record and pushes it to the peer's connected
// clients. Audit failures are logged, never propagated: a successful graph
// mutation must not fail because its audit write did.
func (s *ActivityService) Record(ctx context.Context, actorID uuid.UUID, kind ActivityKind, peerID uuid.UUID) {
	activity := Activity{
		ID:        uuid.New(),
		ActorID:   actorID,
		Kind:      kind,
		PeerID:    peerID,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.repo.RecordActivity(ctx, activity); err != nil {
		s.logger.Error("failed to record activity",
			zap.String("actor_id", actorID.String()),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return
	}

	if s.notifier != nil {
		s.notifier.NotifyUser(peerID, activity)
	}
}

func (s *ActivityService) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Activity, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListActivities(ctx, userID, limit, offset)
}
