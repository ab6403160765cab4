package domain

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const peerFetchConcurrency = 8

// PeerSummary is the display projection of a peer for the network lists.
type PeerSummary struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Headline  string    `json:"headline,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Role      string    `json:"role,omitempty"`
}

// NetworkLists are a caller's three relationship lists assembled for
// presentation.
type NetworkLists struct {
	Connections      []PeerSummary `json:"connections"`
	OutgoingRequests []PeerSummary `json:"outgoing_requests"`
	IncomingRequests []PeerSummary `json:"incoming_requests"`
}

// NetworkView is the read-only projection over the connection graph. It never
// mutates edge state.
type NetworkView struct {
	store  UserRecordStore
	logger *zap.Logger
}

func NewNetworkView(store UserRecordStore, logger *zap.Logger) *NetworkView {
	return &NetworkView{
		store:  store,
		logger: logger,
	}
}

// List resolves the caller's three sets into peer summaries. The caller's
// own id is always excluded, peer ids that no longer resolve to a user are
// silently filtered out, and a non-empty roleFilter keeps only peers whose
// role matches it case-insensitively.
func (v *NetworkView) List(ctx context.Context, self uuid.UUID, roleFilter string) (*NetworkLists, error) {
	doc, err := v.store.GetByID(ctx, self)
	if err != nil {
		return nil, err
	}

	peers, err := v.fetchPeers(ctx, doc.Relationships.Peers())
	if err != nil {
		return nil, err
	}

	return &NetworkLists{
		Connections:      v.project(doc.Relationships.Connections, peers, self, roleFilter),
		OutgoingRequests: v.project(doc.Relationships.OutgoingRequests, peers, self, roleFilter),
		IncomingRequests: v.project(doc.Relationships.IncomingRequests, peers, self, roleFilter),
	}, nil
}

// fetchPeers loads the referenced peer records with bounded parallelism.
// Missing peers are dropped, not errors: a dangling id just means the peer
// record was deleted after the edge was written.
func (v *NetworkView) fetchPeers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*UserRecord, error) {
	peers := make(map[uuid.UUID]*UserRecord, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(peerFetchConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			peer, err := v.store.GetByID(gctx, id)
			if err != nil {
				if errors.Is(err, ErrUserNotFound) {
					v.logger.Debug("dropping dangling peer id", zap.String("peer_id", id.String()))
					return nil
				}
				return err
			}
			mu.Lock()
			peers[id] = peer
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return peers, nil
}

func (v *NetworkView) project(set IDSet, peers map[uuid.UUID]*UserRecord, self uuid.UUID, roleFilter string) []PeerSummary {
	out := make([]PeerSummary, 0, set.Len())
	for _, id := range set.IDs() {
		if id == self {
			continue
		}
		peer, ok := peers[id]
		if !ok {
			continue
		}
		if roleFilter != "" && !strings.EqualFold(peer.Role, roleFilter) {
			continue
		}
		out = append(out, PeerSummary{
			ID:        peer.ID,
			Name:      peer.Name,
			Headline:  peer.Headline,
			AvatarURL: peer.AvatarURL,
			Role:      peer.Role,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
