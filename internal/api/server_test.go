package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"ChainTrader/internal/auth"
	"ChainTrader/internal/credential"
	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/events"
	"ChainTrader/internal/orchestrator"
	"ChainTrader/internal/session"
	"ChainTrader/internal/web3"
)

const importedKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type stubChat struct {
	inputs []orchestrator.ChatInput
	err    error
}

func (c *stubChat) Chat(_ context.Context, in orchestrator.ChatInput) (orchestrator.ChatOutput, error) {
	c.inputs = append(c.inputs, in)
	if c.err != nil {
		return orchestrator.ChatOutput{}, c.err
	}
	return orchestrator.ChatOutput{SessionID: in.SessionID, Reply: "echo: " + in.Message}, nil
}

type stubRouter struct {
	calls []session.FunctionCall
}

func (r *stubRouter) Dispatch(_ context.Context, req session.FunctionCall) session.FunctionResult {
	r.calls = append(r.calls, req)
	return session.Succeeded(map[string]any{"name": req.Name})
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) snapshot() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type fixture struct {
	server   *Server
	chat     *stubChat
	router   *stubRouter
	sessions *session.Manager
	store    *credential.Store
	bus      *recordingPublisher
}

func newFixture(t *testing.T, tokens ...string) *fixture {
	t.Helper()
	backend, err := credential.NewFileBackend(filepath.Join(t.TempDir(), "agents.json"))
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	store := credential.NewStore(backend)
	sessions := session.NewManager(store, nil)
	store.OnDelete(sessions.ForgetAgent)

	f := &fixture{
		chat:     &stubChat{},
		router:   &stubRouter{},
		sessions: sessions,
		store:    store,
		bus:      &recordingPublisher{},
	}
	f.server = NewServer(":0", Deps{
		Chat:     f.chat,
		Router:   f.router,
		Sessions: sessions,
		Agents:   store,
		Tokens:   auth.NewTokens(tokens),
		Events:   events.NewEmitter(f.bus),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestRootAndPing(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "POST /chat") {
		t.Fatalf("unexpected root response: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/ping", nil)
	var ping map[string]any
	decode(t, rec, &ping)
	if ping["status"] != "ok" || ping["version"] != Version {
		t.Fatalf("unexpected ping: %v", ping)
	}
}

func TestChatEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/chat", map[string]any{"message": "hi", "agent_id": "alice", "environment": "mainnet"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var out orchestrator.ChatOutput
	decode(t, rec, &out)
	if out.Reply != "echo: hi" || out.SessionID != defaultSessionID {
		t.Fatalf("unexpected output: %+v", out)
	}
	if in := f.chat.inputs[0]; in.AgentID != "alice" || in.Network != "mainnet" {
		t.Fatalf("selection not forwarded: %+v", in)
	}

	rec = f.do(t, http.MethodPost, "/chat", map[string]any{"message": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", rec.Code)
	}

	f.chat.err = xerrors.New(xerrors.CodeUnknownAgent, "unknown agent bob")
	rec = f.do(t, http.MethodPost, "/chat", map[string]any{"message": "hi", "agent_id": "bob"})
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "UNKNOWN_AGENT") {
		t.Fatalf("unexpected error response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestChatWithoutModel(t *testing.T) {
	f := newFixture(t)
	f.server = NewServer(":0", Deps{Router: f.router, Sessions: f.sessions})
	rec := f.do(t, http.MethodPost, "/chat", map[string]any{"message": "hi"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestDispatchHistoryAndClear(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/dispatch", map[string]any{"session_id": "s1", "name": "list_markets"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp dispatchResponse
	decode(t, rec, &resp)
	if resp.SessionID != "s1" || !resp.Result.OK || f.router.calls[0].SessionID != "s1" {
		t.Fatalf("unexpected dispatch: %+v", resp)
	}

	rec = f.do(t, http.MethodPost, "/dispatch", map[string]any{"session_id": "s1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without name, got %d", rec.Code)
	}

	if _, err := f.sessions.AppendTurn("s1", session.Turn{Kind: session.TurnUser, Content: "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	rec = f.do(t, http.MethodGet, "/history?session_id=s1", nil)
	var history struct {
		History []session.Turn `json:"history"`
	}
	decode(t, rec, &history)
	if len(history.History) != 1 || history.History[0].Content != "hello" {
		t.Fatalf("unexpected history: %+v", history)
	}

	rec = f.do(t, http.MethodGet, "/history?session_id=missing", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"history":[]`) {
		t.Fatalf("unknown session should return empty history: %s", rec.Body.String())
	}

	for i := 0; i < 2; i++ {
		rec = f.do(t, http.MethodPost, "/clear?session_id=s1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("clear should be idempotent, got %d", rec.Code)
		}
	}
	if turns, _ := f.sessions.History("s1"); len(turns) != 0 {
		t.Fatalf("expected empty history after clear, got %d", len(turns))
	}
	if rec = f.do(t, http.MethodPost, "/clear?session_id=never", nil); rec.Code != http.StatusOK {
		t.Fatalf("clearing an unknown session should succeed, got %d", rec.Code)
	}
}

func TestAgentLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/agents", map[string]any{"id": "alice", "network": "testnet", "private_key": importedKey})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), importedKey) {
		t.Fatalf("signing material leaked: %s", rec.Body.String())
	}
	var view credential.AgentView
	decode(t, rec, &view)
	if view.SigningMaterial != credential.RedactedMaterial || view.Address == "" {
		t.Fatalf("unexpected view: %+v", view)
	}

	if published := f.bus.snapshot(); len(published) != 1 || published[0].Type != events.TypeAgentCreated || published[0].AgentID != "alice" {
		t.Fatalf("expected agent.created event, got %+v", published)
	}

	if rec = f.do(t, http.MethodPost, "/agents", map[string]any{"id": "alice"}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate id, got %d", rec.Code)
	}
	if rec = f.do(t, http.MethodPost, "/agents", map[string]any{"id": "bob", "private_key": "zz"}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for malformed key, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/agents", nil)
	var list struct {
		Agents []credential.AgentView `json:"agents"`
	}
	decode(t, rec, &list)
	if len(list.Agents) != 1 || list.Agents[0].ID != "alice" {
		t.Fatalf("unexpected list: %+v", list)
	}

	rec = f.do(t, http.MethodPut, "/sessions/s1/agent", map[string]any{"agent_id": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPut, "/sessions/s1/network", map[string]any{"network": "mainnet"})
	var sess session.Session
	decode(t, rec, &sess)
	if sess.ActiveAgentID != "alice" || sess.ActiveNetwork != "mainnet" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if rec = f.do(t, http.MethodPut, "/sessions/s1/network", map[string]any{"network": "moon"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown network, got %d", rec.Code)
	}
	if rec = f.do(t, http.MethodPut, "/sessions/s1/agent", map[string]any{"agent_id": "ghost"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown agent, got %d", rec.Code)
	}

	if rec = f.do(t, http.MethodDelete, "/agents/alice", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec = f.do(t, http.MethodGet, "/agents/alice", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
	got, _ := f.sessions.Get("s1")
	if got.ActiveAgentID != "" {
		t.Fatalf("deleted agent still active in session: %+v", got)
	}
}

func TestAgentNetworkChange(t *testing.T) {
	f := newFixture(t)
	var changed []web3.Network
	f.store.OnNetworkChange(func(_ string, _, to web3.Network) { changed = append(changed, to) })

	if rec := f.do(t, http.MethodPost, "/agents", map[string]any{"id": "alice", "network": "testnet"}); rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	rec := f.do(t, http.MethodPut, "/agents/alice/network", map[string]any{"network": "mainnet"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var view credential.AgentView
	decode(t, rec, &view)
	if view.Network != web3.Mainnet || view.SigningMaterial != credential.RedactedMaterial {
		t.Fatalf("unexpected view: %+v", view)
	}
	if len(changed) != 1 || changed[0] != web3.Mainnet {
		t.Fatalf("network hook not fired: %v", changed)
	}

	if rec = f.do(t, http.MethodPut, "/agents/alice/network", map[string]any{"network": "moon"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown network, got %d", rec.Code)
	}
	if rec = f.do(t, http.MethodPut, "/agents/ghost/network", map[string]any{"network": "testnet"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown agent, got %d", rec.Code)
	}
}

func TestSessionDebugAndDelete(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/sessions/s9/debug", map[string]any{"debug": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var sess session.Session
	decode(t, rec, &sess)
	if sess.ID != "s9" || !sess.Debug {
		t.Fatalf("debug flag not applied: %+v", sess)
	}

	if rec = f.do(t, http.MethodDelete, "/sessions/s9", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec = f.do(t, http.MethodDelete, "/sessions/s9", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for deleted session, got %d", rec.Code)
	}
}

func TestBearerTokens(t *testing.T) {
	f := newFixture(t, "ops:s3cret")

	if rec := f.do(t, http.MethodGet, "/agents", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/agents", nil, "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/ping", nil); rec.Code != http.StatusOK {
		t.Fatalf("ping must stay public, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics must stay public, got %d", rec.Code)
	}
}
