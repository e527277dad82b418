package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/auth"
	"github.com/fathima-sithara/social-messaging/internal/config"
	"github.com/fathima-sithara/social-messaging/internal/domain"
	"github.com/fathima-sithara/social-messaging/internal/repository"
	"github.com/fathima-sithara/social-messaging/internal/service"
	"github.com/fathima-sithara/social-messaging/internal/storage"
	"github.com/fathima-sithara/social-messaging/internal/ws"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// tokenValidator accepts "tok-<user>" and "mod-<user>".
type tokenValidator struct{}

func (tokenValidator) Validate(token string) (auth.Claims, error) {
	switch {
	case strings.HasPrefix(token, "tok-"):
		return auth.Claims{UserID: strings.TrimPrefix(token, "tok-")}, nil
	case strings.HasPrefix(token, "mod-"):
		return auth.Claims{UserID: strings.TrimPrefix(token, "mod-"), Role: "moderator", IsModerator: true}, nil
	}
	return auth.Claims{}, errors.New("bad token")
}

type stubPresigner struct{}

func (stubPresigner) PresignUpload(_ context.Context, userID, filename, _ string) (storage.PresignedURL, error) {
	return storage.PresignedURL{URL: "https://bucket.local/" + filename, Method: http.MethodPut, Key: storage.AttachmentKey(userID, filename)}, nil
}

type testServer struct {
	app   *fiber.App
	graph *service.SocialGraph
	convs *service.ConversationService
	msgs  *service.MessageService
	hub   *ws.Hub
}

func testConfig() *config.Config {
	return &config.Config{
		App:          config.AppConfig{Name: "social-messaging-test"},
		Conversation: config.ConversationConfig{GroupMinMembers: 3, CASRetries: 5},
		Message:      config.MessageConfig{MaxBodyLength: 100, DefaultPageSize: 50, MaxPageSize: 200},
		Social:       config.SocialConfig{SagaRetries: 1, SagaBackoffMs: 1},
		WS:           config.WSConfig{SendBuffer: 16, RateLimitPerSec: 100},
		SagaBackoff:  time.Millisecond,
	}
}

func newTestServer(t *testing.T, media MediaPresigner, users ...string) *testServer {
	t.Helper()
	cfg := testConfig()
	log := zap.NewNop()
	store := repository.NewMemoryStore().Store()
	hub := ws.NewHub(log, time.Minute)
	fanout := ws.LocalFanout{Hub: hub}

	graph := service.NewSocialGraph(store.Users, nil, cfg, log)
	convs := service.NewConversationService(store, graph, fanout, nil, cfg, log)
	msgs := service.NewMessageService(store, convs, graph, fanout, nil, cfg, log)
	for _, u := range users {
		_, err := graph.RegisterUser(context.Background(), u)
		require.NoError(t, err)
	}

	app := NewServer(Deps{
		Config:        cfg,
		Graph:         graph,
		Conversations: convs,
		Messages:      msgs,
		Hub:           hub,
		Fanout:        fanout,
		Validator:     tokenValidator{},
		Media:         media,
		Instance:      "test",
		Log:           log,
	})
	return &testServer{app: app, graph: graph, convs: convs, msgs: msgs, hub: hub}
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
	Code   string          `json:"code"`
	Kind   string          `json:"kind"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestHealthAndAuth(t *testing.T) {
	s := newTestServer(t, nil)

	status, env := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", env.Status)

	status, _ = s.do(t, http.MethodGet, "/v1/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodGet, "/v1/conversations", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestDirectConversationEndpoints(t *testing.T) {
	s := newTestServer(t, nil, "alice", "bob")

	status, env := s.do(t, http.MethodPost, "/v1/conversations/direct", "tok-alice", fiber.Map{"user_id": "bob"})
	require.Equal(t, http.StatusCreated, status)
	first := decode[domain.Conversation](t, env)
	assert.Equal(t, domain.ConversationDirect, first.Type)

	status, env = s.do(t, http.MethodPost, "/v1/conversations/direct", "tok-bob", fiber.Map{"user_id": "alice"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, first.ID, decode[domain.Conversation](t, env).ID)

	status, env = s.do(t, http.MethodPost, "/v1/conversations/direct", "tok-alice", fiber.Map{"user_id": "alice"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "self_reference", env.Code)

	status, env = s.do(t, http.MethodPost, "/v1/conversations/direct", "tok-alice", fiber.Map{"user_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "user_not_found", env.Code)

	status, env = s.do(t, http.MethodGet, "/v1/conversations/"+first.ID, "tok-carol", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_member", env.Code)
}

func TestGroupEndpointsMapErrors(t *testing.T) {
	s := newTestServer(t, nil, "alice", "bob", "carol", "dave")

	status, env := s.do(t, http.MethodPost, "/v1/conversations/groups", "tok-alice", fiber.Map{"name": "Trip", "members": []string{"bob"}})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "group_too_small", env.Code)

	status, env = s.do(t, http.MethodPost, "/v1/conversations/groups", "tok-alice", fiber.Map{"name": "Trip", "members": []string{"bob", "carol"}})
	require.Equal(t, http.StatusCreated, status)
	g := decode[domain.Conversation](t, env)
	assert.Equal(t, "alice", g.Admin)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, g.Members)

	status, env = s.do(t, http.MethodDelete, "/v1/conversations/"+g.ID+"/members/carol", "tok-alice", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "group_too_small", env.Code)

	status, env = s.do(t, http.MethodPost, "/v1/conversations/"+g.ID+"/members", "tok-bob", fiber.Map{"user_id": "dave"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_admin", env.Code)

	status, env = s.do(t, http.MethodPost, "/v1/conversations/"+g.ID+"/members", "tok-alice", fiber.Map{"user_id": "dave"})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[domain.Conversation](t, env).Members, 4)

	status, env = s.do(t, http.MethodPatch, "/v1/conversations/"+g.ID, "tok-alice", fiber.Map{"name": "Road trip"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Road trip", decode[domain.Conversation](t, env).Name)

	status, env = s.do(t, http.MethodPost, "/v1/conversations/"+g.ID+"/leave", "tok-dave", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"dissolved":false`)

	status, _ = s.do(t, http.MethodDelete, "/v1/conversations/"+g.ID, "tok-alice", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, env = s.do(t, http.MethodGet, "/v1/conversations/"+g.ID, "tok-alice", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "conversation_not_found", env.Code)
}

func TestMessageEndpoints(t *testing.T) {
	s := newTestServer(t, nil, "alice", "bob")

	status, env := s.do(t, http.MethodPost, "/v1/direct/bob/messages", "tok-alice", fiber.Map{"body": "hi bob", "client_msg_id": "c1"})
	require.Equal(t, http.StatusCreated, status)
	var sent struct {
		Message      domain.Message      `json:"message"`
		Conversation domain.Conversation `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sent))
	convID := sent.Conversation.ID

	status, env = s.do(t, http.MethodPost, "/v1/conversations/"+convID+"/messages", "tok-alice", fiber.Map{"body": "hi bob", "client_msg_id": "c1"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, sent.Message.ID, decode[domain.Message](t, env).ID, "replayed client id returns the stored message")

	status, env = s.do(t, http.MethodPost, "/v1/conversations/"+convID+"/messages", "tok-bob", fiber.Map{"body": "   "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "empty_message", env.Code)

	status, env = s.do(t, http.MethodPatch, "/v1/messages/"+sent.Message.ID, "tok-bob", fiber.Map{"body": "hacked"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_sender", env.Code)

	status, env = s.do(t, http.MethodPatch, "/v1/messages/"+sent.Message.ID, "tok-alice", fiber.Map{"body": "hi bob!"})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decode[domain.Message](t, env).IsEdited)

	status, env = s.do(t, http.MethodGet, "/v1/conversations/"+convID+"/messages?limit=10", "tok-bob", nil)
	require.Equal(t, http.StatusOK, status)
	page := decode[domain.Page](t, env)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hi bob!", page.Messages[0].Body)

	status, _ = s.do(t, http.MethodGet, "/v1/conversations/"+convID+"/messages?cursor=%25%25", "tok-bob", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = s.do(t, http.MethodDelete, "/v1/messages/"+sent.Message.ID, "mod-carol", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decode[domain.Message](t, env).IsDeleted)
}

func TestSocialGraphEndpoints(t *testing.T) {
	s := newTestServer(t, nil, "alice", "bob")

	status, env := s.do(t, http.MethodPost, "/v1/friends/requests/bob", "tok-alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"requested"`)

	status, env = s.do(t, http.MethodPost, "/v1/friends/requests/bob", "tok-alice", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "request_exists", env.Code)

	status, _ = s.do(t, http.MethodPost, "/v1/friends/requests/alice/accept", "tok-bob", nil)
	require.Equal(t, http.StatusNoContent, status)

	status, env = s.do(t, http.MethodGet, "/v1/relations", "tok-alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"bob"}, decode[domain.User](t, env).Friends)

	status, _ = s.do(t, http.MethodPost, "/v1/blocks/bob", "tok-alice", nil)
	require.Equal(t, http.StatusNoContent, status)

	status, env = s.do(t, http.MethodGet, "/v1/relations", "tok-bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[domain.User](t, env).Friends)

	status, env = s.do(t, http.MethodPost, "/v1/direct/alice/messages", "tok-bob", fiber.Map{"body": "hey"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "blocked", env.Code)

	status, _ = s.do(t, http.MethodDelete, "/v1/blocks/bob", "tok-alice", nil)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestStoredIDsSurviveLaterRequests(t *testing.T) {
	s := newTestServer(t, nil, "alice", "bob", "carol", "dave")

	status, _ := s.do(t, http.MethodPost, "/v1/friends/requests/bob", "tok-alice", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = s.do(t, http.MethodPost, "/v1/blocks/dave", "tok-carol", nil)
	require.Equal(t, http.StatusNoContent, status)

	// unrelated traffic reuses the request buffers
	for _, path := range []string{"/v1/presence/carol", "/v1/relations", "/v1/conversations", "/health"} {
		s.do(t, http.MethodGet, path, "tok-dave", nil)
	}
	status, _ = s.do(t, http.MethodPost, "/v1/friends/requests/carol", "tok-bob", nil)
	require.Equal(t, http.StatusOK, status)

	status, env := s.do(t, http.MethodGet, "/v1/relations", "tok-alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"bob"}, decode[domain.User](t, env).SentRequests)

	status, env = s.do(t, http.MethodGet, "/v1/relations", "tok-carol", nil)
	require.Equal(t, http.StatusOK, status)
	carol := decode[domain.User](t, env)
	assert.Equal(t, []string{"dave"}, carol.BlockedUsers)
	assert.Equal(t, []string{"bob"}, carol.ReceivedRequests)

	u, err := s.graph.GetRelations(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, u.ReceivedRequests)
	assert.Equal(t, []string{"carol"}, u.SentRequests)
}

func TestRegisterUserProvisioning(t *testing.T) {
	s := newTestServer(t, nil)

	status, env := s.do(t, http.MethodPost, "/v1/internal/users", "tok-alice", fiber.Map{})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "alice", decode[domain.User](t, env).ID)

	status, env = s.do(t, http.MethodPost, "/v1/internal/users", "tok-alice", fiber.Map{"user_id": "bob"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_admin", env.Code)

	status, env = s.do(t, http.MethodPost, "/v1/internal/users", "mod-ops", fiber.Map{"user_id": "bob"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "bob", decode[domain.User](t, env).ID)
}

func TestMediaAndPresence(t *testing.T) {
	disabled := newTestServer(t, nil, "alice")
	status, _ := disabled.do(t, http.MethodPost, "/v1/media/upload-url", "tok-alice", fiber.Map{"filename": "a.png"})
	assert.Equal(t, http.StatusNotImplemented, status)

	s := newTestServer(t, stubPresigner{}, "alice")
	status, _ = s.do(t, http.MethodPost, "/v1/media/upload-url", "tok-alice", fiber.Map{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, env := s.do(t, http.MethodPost, "/v1/media/upload-url", "tok-alice", fiber.Map{"filename": "cat pic.png", "content_type": "image/png"})
	require.Equal(t, http.StatusOK, status)
	p := decode[storage.PresignedURL](t, env)
	assert.Equal(t, http.MethodPut, p.Method)
	assert.True(t, strings.HasPrefix(p.Key, "attachments/alice/"))

	status, env = s.do(t, http.MethodGet, "/v1/presence/alice", "tok-bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"offline"`)

	s.hub.Register(ws.NewSession("alice", nil, ws.SessionOptions{}))
	status, env = s.do(t, http.MethodGet, "/v1/presence/alice", "tok-bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"online"`)
}

func TestWebsocketRouteRejectsPlainRequests(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/ws?token=tok-alice", nil)
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
