package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careerlink/backend/internal/domain"
)

// PostgresStore implements domain.UserRecordStore, domain.RecordLister and
// domain.ActivityRepository against PostgreSQL. The three relationship sets
// live as uuid arrays on the users row; a version column provides the
// compare-and-swap used for single-document updates.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetByID retrieves a user record by id.
func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.UserRecord, error) {
	query := `
		SELECT id, name, COALESCE(headline, ''), COALESCE(avatar_url, ''), COALESCE(role, ''),
		       connections, outgoing_requests, incoming_requests, version, created_at, updated_at
		FROM users WHERE id = $1 AND is_active = TRUE
	`
	row := s.db.QueryRow(ctx, query, id)
	return scanUserRecord(row)
}

// UpdateRelationships applies the mutator as a single row update guarded by
// the version column. A concurrent writer bumps the version between our read
// and write, the guarded UPDATE matches no row, and the caller sees
// domain.ErrConflict.
func (s *PostgresStore) UpdateRelationships(ctx context.Context, id uuid.UUID, mutate domain.Mutator) (*domain.UserRecord, error) {
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	next := mutate(current.Relationships)

	query := `
		UPDATE users
		SET connections = $2, outgoing_requests = $3, incoming_requests = $4,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $5
		RETURNING id, name, COALESCE(headline, ''), COALESCE(avatar_url, ''), COALESCE(role, ''),
		          connections, outgoing_requests, incoming_requests, version, created_at, updated_at
	`
	row := s.db.QueryRow(ctx, query,
		id,
		next.Connections.IDs(),
		next.OutgoingRequests.IDs(),
		next.IncomingRequests.IDs(),
		current.Version,
	)

	updated, err := scanUserRecord(row)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			// The row exists (we just read it); losing the version check is
			// the concurrent-writer case.
			return nil, fmt.Errorf("%w: user %s version %d", domain.ErrConflict, id, current.Version)
		}
		return nil, err
	}
	return updated, nil
}

// ListIDs enumerates every active user id, for the reconciler sweep.
func (s *PostgresStore) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM users WHERE is_active = TRUE ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordActivity inserts one audit record.
func (s *PostgresStore) RecordActivity(ctx context.Context, activity domain.Activity) error {
	query := `
		INSERT INTO activities (id, actor_id, kind, peer_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.Exec(ctx, query,
		activity.ID,
		activity.ActorID,
		activity.Kind,
		activity.PeerID,
		activity.CreatedAt,
	)
	return err
}

// ListActivities returns the records involving the user, newest first.
func (s *PostgresStore) ListActivities(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Activity, error) {
	query := `
		SELECT id, actor_id, kind, peer_id, created_at
		FROM activities
		WHERE actor_id = $1 OR peer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.ActorID, &a.Kind, &a.PeerID, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func scanUserRecord(row pgx.Row) (*domain.UserRecord, error) {
	var (
		record   domain.UserRecord
		conns    []uuid.UUID
		outgoing []uuid.UUID
		incoming []uuid.UUID
	)
	err := row.Scan(
		&record.ID,
		&record.Name,
		&record.Headline,
		&record.AvatarURL,
		&record.Role,
		&conns,
		&outgoing,
		&incoming,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}

	// Arrays in the store carry implied uniqueness; sets make it real.
	record.Relationships = domain.RelationshipSets{
		Connections:      domain.NewIDSet(conns...),
		OutgoingRequests: domain.NewIDSet(outgoing...),
		IncomingRequests: domain.NewIDSet(incoming...),
	}
	return &record, nil
}
