package httpadapter_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/PabloGalante/callcore/internal/adapters/http"
	"github.com/PabloGalante/callcore/internal/adapters/search"
	"github.com/PabloGalante/callcore/internal/adapters/storage/memory"
	"github.com/PabloGalante/callcore/internal/app/conversation"
	"github.com/PabloGalante/callcore/internal/app/policy"
	"github.com/PabloGalante/callcore/internal/app/router"
	"github.com/PabloGalante/callcore/internal/app/session"
	"github.com/PabloGalante/callcore/internal/app/suggestions"
	"github.com/PabloGalante/callcore/internal/config"
	"github.com/PabloGalante/callcore/internal/domain"
	"github.com/PabloGalante/callcore/internal/observability"
)

type testServer struct {
	handler     http.Handler
	suggestions *memory.SuggestionStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.DefaultTenantConfig("acme")
	cfg.Triage.Enabled = false
	cfg.FallbackTransferTarget = "+15550009999"
	tenants := config.NewTenantRegistry(cfg)

	durable := memory.NewDurableStore()
	metrics := observability.NewMetrics("callcore_test")
	sessions := session.NewStore(memory.NewCache(), durable, metrics, session.DefaultOptions())
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })

	registry := policy.NewRegistry(durable, metrics)
	engine := policy.NewEngine(registry, metrics)
	r := router.New(tenants,
		router.WithMemory(memory.NewMemoryStore()),
		router.WithSearcher(search.NewIndex(search.NewHashEmbedder(0), tenants)),
		router.WithMetrics(metrics))
	t.Cleanup(r.Wait)

	sg := memory.NewSuggestionStore()
	return &testServer{
		handler: httpadapter.NewServer(httpadapter.Deps{
			Conversation: conversation.NewService(tenants, sessions, r, engine, metrics),
			Compiler:     policy.NewCompiler(policy.NewLocalLocker(), registry, metrics),
			Engine:       engine,
			Suggestions:  suggestions.NewService(sg),
			Metrics:      metrics,
		}),
		suggestions: sg,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	w := srv.do(t, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()

	srv.handler.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestTurnThenFinalize(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPost, "/v1/tenants/acme/calls/call-1/turns",
		`{"caller_id":"+15551234567","utterance":"This is Mrs. Johnson, 123 Market St — AC is down"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[conversation.ProcessTurnOutput](t, w)
	assert.Equal(t, domain.ActionContinue, out.Action)
	assert.Equal(t, "Just to confirm, your name is Mrs. Johnson?", out.SpeechText)
	assert.Equal(t, 1, out.Handle.Turn)

	handle, err := json.Marshal(out.Handle)
	require.NoError(t, err)
	w = srv.do(t, http.MethodPost, "/v1/tenants/acme/calls/call-1/turns",
		`{"caller_id":"+15551234567","utterance":"yes","session_handle":`+string(handle)+`}`)
	require.Equal(t, http.StatusOK, w.Code)
	out = decode[conversation.ProcessTurnOutput](t, w)
	assert.Equal(t, 2, out.Handle.Turn)

	w = srv.do(t, http.MethodGet, "/v1/tenants/acme/calls/call-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	sess := decode[domain.CallSession](t, w)
	assert.True(t, sess.Slots.IsConfirmed("name"))

	w = srv.do(t, http.MethodPost, "/v1/tenants/acme/calls/call-1/finalize", `{"outcome":"MESSAGE_TAKEN"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sess = decode[domain.CallSession](t, w)
	assert.Equal(t, domain.LaneClosed, sess.Lane)
	assert.Equal(t, domain.OutcomeMessageTaken, sess.Outcome)
}

func TestTurnRejectsBadInput(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPost, "/v1/tenants/acme/calls/call-1/turns", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodPost, "/v1/tenants/acme/calls/call-1/turns",
		`{"utterance":"hi","session_handle":{"call_id":"other","turn":1}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodPost, "/v1/tenants/acme/calls/call-1/finalize", `{"outcome":"GREAT"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodDelete, "/v1/tenants/acme/calls/call-1/turns", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestGetUnknownCall(t *testing.T) {
	srv := newTestServer(t)
	w := srv.do(t, http.MethodGet, "/v1/tenants/acme/calls/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

const ruleSet = `
allowed_actions: [CONTINUE, TRANSFER, TAKE_MESSAGE, HANGUP]
transfer_targets:
  manager: "+15550001111"
rules:
  - id: manager
    kind: transfer
    priority: 10
    patterns: ["manager"]
    target: manager
    response: "Connecting you with the manager."
`

func TestPolicyCompileAndServe(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/v1/tenants/acme/policy", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[map[string]any](t, w)["from_default"].(bool))

	w = srv.do(t, http.MethodPut, "/v1/tenants/acme/policy", ruleSet)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	compiled := decode[map[string]any](t, w)
	assert.EqualValues(t, 1, compiled["version"])
	assert.NotEmpty(t, compiled["checksum"])

	w = srv.do(t, http.MethodGet, "/v1/tenants/acme/policy", "")
	got := decode[map[string]any](t, w)
	assert.False(t, got["from_default"].(bool))
	assert.EqualValues(t, 1, got["version"])
	assert.Equal(t, []any{"manager"}, got["rules"])

	w = srv.do(t, http.MethodPost, "/v1/tenants/acme/calls/call-9/turns", `{"utterance":"get me the manager"}`)
	out := decode[conversation.ProcessTurnOutput](t, w)
	assert.Equal(t, domain.ActionTransfer, out.Action)
	assert.Equal(t, "+15550001111", out.TransferTarget)
}

func TestPolicyRejectsInvalidAndStale(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPut, "/v1/tenants/acme/policy", "rules: [{id: x, kind: mystery}]")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodPut, "/v1/tenants/acme/policy", "tenant_id: other\n"+ruleSet)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPut, "/v1/tenants/acme/policy", "version: 3\n"+ruleSet).Code)
	w = srv.do(t, http.MethodPut, "/v1/tenants/acme/policy", "version: 2\n"+ruleSet)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListSuggestions(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.suggestions.AppendSuggestion(context.Background(), &domain.Suggestion{
		ID: "s-1", TenantID: "acme", Kind: domain.SuggestionKeyword, Status: domain.SuggestionPending,
		ScenarioID: "ac-down", Phrases: []string{"ac quit"},
	}))

	w := srv.do(t, http.MethodGet, "/v1/tenants/acme/suggestions?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string][]domain.Suggestion](t, w)
	require.Len(t, body["suggestions"], 1)
	assert.Equal(t, domain.SuggestionID("s-1"), body["suggestions"][0].ID)

	w = srv.do(t, http.MethodGet, "/v1/tenants/acme/suggestions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodPost, "/v1/tenants/acme/calls/c/turns", `{"utterance":"hello"}`)

	w := srv.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, bytes.Contains(w.Body.Bytes(), []byte("callcore_test_")))
}
