package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrkvm/sould/pkg/api/auth"
	"github.com/mrkvm/sould/pkg/config"
	"github.com/mrkvm/sould/pkg/messages"
	"github.com/mrkvm/sould/pkg/shares"
	"github.com/mrkvm/sould/pkg/state"
	"github.com/mrkvm/sould/pkg/store"
	"github.com/mrkvm/sould/pkg/transfers"
)

const (
	testAPIKey    = "test-api-key"
	testJWTSecret = "0123456789abcdef0123456789abcdef"
)

type nullClient struct{}

func (nullClient) Upload(_ context.Context, _, _ string, _ uint64, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (nullClient) Download(context.Context, string, string, uint64, io.Writer) error {
	return nil
}

func (nullClient) ConnectToUser(context.Context, string, bool) error { return nil }
func (nullClient) SendUploadSpeed(int)                               {}

type mapSource map[string][]byte

func (s mapSource) Stat(filename string) (uint64, error) {
	data, ok := s[filename]
	if !ok {
		return 0, transfers.ErrNotShared
	}
	return uint64(len(data)), nil
}

func (s mapSource) Open(_ context.Context, filename string) (io.ReadCloser, error) {
	data, ok := s[filename]
	if !ok {
		return nil, transfers.ErrNotShared
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type testEnv struct {
	ts   *httptest.Server
	orch *transfers.Orchestrator
	msgs *messages.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "control.db")},
	}, &transfers.Transfer{}, &messages.Conversation{},
		&messages.PrivateMessage{}, &messages.RoomMessage{})
	require.NoError(t, err)

	idx, err := shares.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	source := mapSource{`Music\album\01.mp3`: []byte("music bytes")}
	orch := transfers.New(transfers.Config{
		UploadSlots:   2,
		DownloadSlots: 2,
		IncompleteDir: t.TempDir(),
		DownloadsDir:  t.TempDir(),
	}, transfers.NewStore(db), nullClient{}, source)
	t.Cleanup(orch.Close)

	msgs := messages.NewStore(db)

	cfg := config.APIConfig{
		Enabled:   true,
		Key:       testAPIKey,
		JWTSecret: testJWTSecret,
		TokenTTL:  time.Hour,
	}
	tokens := mustTokenService(t, cfg)

	handler := NewRouter(cfg, tokens, Deps{
		DB:           db,
		Index:        idx,
		Orchestrator: orch,
		States:       state.NewStore(state.State{Version: "test"}),
		Options:      config.NewStore(config.DefaultConfig()),
		Messages:     msgs,
	})
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, orch: orch, msgs: msgs}
}

func mustTokenService(t *testing.T, cfg config.APIConfig) *auth.Service {
	t.Helper()
	tokens, err := auth.NewService(auth.Config{Secret: cfg.JWTSecret, TokenTTL: cfg.TokenTTL})
	require.NoError(t, err)
	return tokens
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	resp, err := http.Post(e.ts.URL+"/api/v0/session", "application/json",
		strings.NewReader(fmt.Sprintf(`{"key":%q}`, testAPIKey)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Data.AccessToken)
	return body.Data.AccessToken
}

func (e *testEnv) request(t *testing.T, method, path, token string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wrapper))
	require.NoError(t, json.Unmarshal(wrapper.Data, out))
}

func TestSessionExchange(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.ts.URL+"/api/v0/session", "application/json",
		strings.NewReader(`{"key":"wrong"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := env.login(t)

	resp = env.request(t, http.MethodGet, "/api/v0/state", token, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthenticationRequired(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{
		"/api/v0/state",
		"/api/v0/transfers/uploads",
		"/api/v0/shares",
		"/api/v0/conversations",
	} {
		resp, err := http.Get(env.ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}

	// Garbage token is also a 401.
	resp := env.request(t, http.MethodGet, "/api/v0/state", "not-a-token", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.ts.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransferEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	created, err := env.orch.HandleUploadRequest("peer", `Music\album\01.mp3`)
	require.NoError(t, err)

	var list []transfers.Transfer
	resp := env.request(t, http.MethodGet, "/api/v0/transfers/uploads", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &list)
	require.NotEmpty(t, list)
	assert.Equal(t, created.ID, list[0].ID)

	// Single record and position.
	var got transfers.Transfer
	resp = env.request(t, http.MethodGet, "/api/v0/transfers/uploads/peer/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &got)
	assert.Equal(t, created.Filename, got.Filename)

	resp = env.request(t, http.MethodGet,
		"/api/v0/transfers/uploads/peer/"+created.ID+"/position", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Unknown id is a 404; bad direction is a 400.
	resp = env.request(t, http.MethodGet, "/api/v0/transfers/uploads/peer/nope", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/api/v0/transfers/sideways", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Cancellation returns 204, repeatably.
	for i := 0; i < 2; i++ {
		resp = env.request(t, http.MethodDelete,
			"/api/v0/transfers/uploads/peer/"+created.ID, token, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	resp = env.request(t, http.MethodDelete, "/api/v0/transfers/uploads/all/completed", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	// Uploads cannot be requested.
	resp := env.request(t, http.MethodPost, "/api/v0/transfers/uploads/peer", token,
		strings.NewReader(`{"files":[{"filename":"a","size":1}]}`))
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Empty file list is rejected.
	resp = env.request(t, http.MethodPost, "/api/v0/transfers/downloads/peer", token,
		strings.NewReader(`{"files":[]}`))
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSharesEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	var summary struct {
		Filled bool `json:"filled"`
	}
	resp := env.request(t, http.MethodGet, "/api/v0/shares", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &summary)
	assert.False(t, summary.Filled)

	resp = env.request(t, http.MethodGet, "/api/v0/shares/search", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/api/v0/shares/browse/unknown-host", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// No rescan hook wired in this environment.
	resp = env.request(t, http.MethodPost, "/api/v0/shares/rescan", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOptionsRedactsSecrets(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	var view map[string]any
	resp := env.request(t, http.MethodGet, "/api/v0/options", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &view)

	assert.Equal(t, "<redacted>", view["soulseek.password"])
	assert.Equal(t, "<redacted>", view["api.jwt_secret"])
	assert.Contains(t, view, "soulseek.address")
}

func TestConversationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	require.NoError(t, env.msgs.RecordPrivate("alice", "hey there", false, time.Now()))

	var convs []messages.Conversation
	resp := env.request(t, http.MethodGet, "/api/v0/conversations", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &convs)
	require.Len(t, convs, 1)
	assert.Equal(t, "alice", convs[0].Username)
	assert.Equal(t, 1, convs[0].Unread)

	resp = env.request(t, http.MethodPut, "/api/v0/conversations/alice/read", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.request(t, http.MethodPut, "/api/v0/conversations/nobody/read", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
