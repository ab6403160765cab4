package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/careerlink/backend/internal/auth"
	"github.com/careerlink/backend/internal/domain"
	"github.com/careerlink/backend/internal/repository"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	store      *repository.MemoryStore
	jwtManager *auth.JWTManager
	server     *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store := repository.NewMemoryStore()
	jwtManager := auth.NewJWTManager("test-secret", time.Hour)

	wsManager := NewWebSocketManager(logger)
	go wsManager.Run()

	locks := domain.NewPairLocks(2 * time.Second)
	activityService := domain.NewActivityService(store, wsManager, logger)
	networkService := domain.NewNetworkService(store, activityService, locks, logger, 3)
	reconciler := domain.NewReconciler(store, store, locks, logger, 3)
	networkService.SetRepairer(reconciler)
	networkView := domain.NewNetworkView(store, logger)

	router := NewRouter(
		NewNetworkHandler(networkService, networkView, reconciler, logger),
		NewActivityHandler(activityService, wsManager, logger),
		NewHealthHandler(nil),
		jwtManager,
		nil,
		nil,
		logger,
	)

	srv := httptest.NewServer(router.Setup())
	t.Cleanup(srv.Close)

	return &testServer{store: store, jwtManager: jwtManager, server: srv}
}

func (ts *testServer) seedUser(t *testing.T, name, role string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	ts.store.PutUser(domain.UserRecord{
		ID:            id,
		Name:          name,
		Role:          role,
		Relationships: domain.NewRelationshipSets(),
	})
	return id
}

func (ts *testServer) do(t *testing.T, method, path string, as uuid.UUID, body interface{}) (*http.Response, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	require.NoError(t, err)

	if as != uuid.Nil {
		token, err := ts.jwtManager.GenerateAccessToken(as)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func decodeLists(t *testing.T, env envelope) domain.NetworkLists {
	t.Helper()
	var lists domain.NetworkLists
	require.NoError(t, json.Unmarshal(env.Data, &lists))
	return lists
}

func TestRequestAcceptListFlow(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.seedUser(t, "alice", "engineer")
	bob := ts.seedUser(t, "bob", "recruiter")

	resp, env := ts.do(t, http.MethodPost, "/api/v1/network/request", alice,
		map[string]string{"target_user_id": bob.String()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"pending"`)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/network/accept", bob,
		map[string]string{"requester_id": alice.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = ts.do(t, http.MethodGet, "/api/v1/network", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lists := decodeLists(t, env)
	require.Len(t, lists.Connections, 1)
	assert.Equal(t, bob, lists.Connections[0].ID)
	assert.Empty(t, lists.OutgoingRequests)
	assert.Empty(t, lists.IncomingRequests)

	// Symmetric on bob's side.
	_, env = ts.do(t, http.MethodGet, "/api/v1/network", bob, nil)
	lists = decodeLists(t, env)
	require.Len(t, lists.Connections, 1)
	assert.Equal(t, alice, lists.Connections[0].ID)
	assert.Empty(t, lists.OutgoingRequests)
	assert.Empty(t, lists.IncomingRequests)
}

func TestRequestRejectLeavesNoTrace(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.seedUser(t, "alice", "engineer")
	bob := ts.seedUser(t, "bob", "recruiter")

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/network/request", alice,
		map[string]string{"target_user_id": bob.String()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/network/reject", bob,
		map[string]string{"requester_id": alice.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, id := range []uuid.UUID{alice, bob} {
		_, env := ts.do(t, http.MethodGet, "/api/v1/network", id, nil)
		lists := decodeLists(t, env)
		assert.Empty(t, lists.Connections)
		assert.Empty(t, lists.OutgoingRequests)
		assert.Empty(t, lists.IncomingRequests)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.seedUser(t, "alice", "engineer")
	bob := ts.seedUser(t, "bob", "recruiter")

	// Self target
	resp, env := ts.do(t, http.MethodPost, "/api/v1/network/request", alice,
		map[string]string{"target_user_id": alice.String()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "BAD_REQUEST", env.Error.Code)

	// Unknown target
	resp, env = ts.do(t, http.MethodPost, "/api/v1/network/request", alice,
		map[string]string{"target_user_id": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	// Reverse request guard
	_, _ = ts.do(t, http.MethodPost, "/api/v1/network/request", bob,
		map[string]string{"target_user_id": alice.String()})
	resp, env = ts.do(t, http.MethodPost, "/api/v1/network/request", alice,
		map[string]string{"target_user_id": bob.String()})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "REVERSE_REQUEST_EXISTS", env.Error.Code)

	// Accepting a request that does not exist
	carol := ts.seedUser(t, "carol", "designer")
	resp, env = ts.do(t, http.MethodPost, "/api/v1/network/accept", carol,
		map[string]string{"requester_id": alice.String()})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NO_SUCH_REQUEST", env.Error.Code)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	resp, env := ts.do(t, http.MethodGet, "/api/v1/network", uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
}

func TestReconcileEndpointHealsCallerEdges(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.seedUser(t, "alice", "engineer")
	bob := ts.seedUser(t, "bob", "recruiter")

	// One-sided pending entry on alice only.
	_, err := ts.store.UpdateRelationships(context.Background(), alice, func(r domain.RelationshipSets) domain.RelationshipSets {
		r = r.Clone()
		r.OutgoingRequests.Add(bob)
		return r
	})
	require.NoError(t, err)

	resp, env := ts.do(t, http.MethodPost, "/api/v1/network/reconcile", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(env.Data), `"repaired":1`)

	_, env = ts.do(t, http.MethodGet, "/api/v1/network", bob, nil)
	lists := decodeLists(t, env)
	require.Len(t, lists.IncomingRequests, 1)
	assert.Equal(t, alice, lists.IncomingRequests[0].ID)
}

func TestActivityFeed(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.seedUser(t, "alice", "engineer")
	bob := ts.seedUser(t, "bob", "recruiter")

	_, _ = ts.do(t, http.MethodPost, "/api/v1/network/request", alice,
		map[string]string{"target_user_id": bob.String()})
	_, _ = ts.do(t, http.MethodPost, "/api/v1/network/accept", bob,
		map[string]string{"requester_id": alice.String()})

	resp, env := ts.do(t, http.MethodGet, "/api/v1/activity", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var activities []domain.Activity
	require.NoError(t, json.Unmarshal(env.Data, &activities))
	require.Len(t, activities, 2)
	assert.Equal(t, domain.ActivityConnectionAccept, activities[0].Kind)
	assert.Equal(t, domain.ActivityConnectionRequest, activities[1].Kind)
}
