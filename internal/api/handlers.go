package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/events"
	"ChainTrader/internal/orchestrator"
	"ChainTrader/internal/session"

	"github.com/go-chi/chi/v5"
)

const defaultSessionID = "default"

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "ChainTrader agent API",
		"version": Version,
		"endpoints": map[string]string{
			"GET /":                      "API information",
			"GET /ping":                  "health check",
			"POST /chat":                 "chat with the agent",
			"POST /dispatch":             "call a function directly",
			"GET /history":               "session history",
			"POST /clear":                "clear session history",
			"GET|POST /agents":           "list or create agents",
			"GET|DELETE /agents/{id}":    "inspect or delete an agent",
			"PUT /agents/{id}/network":   "change the agent default network",
			"PUT /sessions/{id}/agent":   "select the active agent",
			"PUT /sessions/{id}/network": "override the session network",
			"PUT /sessions/{id}/debug":   "toggle debug mode",
			"GET /sessions":              "list sessions",
			"DELETE /sessions/{id}":      "drop a session",
			"GET /metrics":               "prometheus metrics",
		},
		"status": "running",
	})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

type chatRequest struct {
	Message     string `json:"message"`
	SessionID   string `json:"session_id"`
	AgentID     string `json:"agent_id"`
	Environment string `json:"environment"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "language model is not configured"))
		return
	}
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = defaultSessionID
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      session.ResultError{Kind: string(xerrors.CodeInvalidArgument), Message: "message is required"},
			"response":   "Please provide a message to continue our conversation.",
			"session_id": req.SessionID,
		})
		return
	}

	out, err := s.deps.Chat.Chat(r.Context(), orchestrator.ChatInput{
		SessionID: req.SessionID,
		Message:   req.Message,
		AgentID:   req.AgentID,
		Network:   req.Environment,
	})
	if err != nil {
		s.log.Warn("对话失败", slog.String("session_id", req.SessionID), slog.String("error", err.Error()))
		writeJSON(w, statusOf(xerrors.CodeOf(err)), map[string]any{
			"error":      resultError(err),
			"response":   "I encountered an error while processing your request. Please try again.",
			"session_id": req.SessionID,
		})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type dispatchRequest struct {
	SessionID string         `json:"session_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type dispatchResponse struct {
	SessionID string                 `json:"session_id"`
	Result    session.FunctionResult `json:"result"`
}

// handleDispatch 绕过模型直接执行函数；业务错误体现在 result 中，HTTP 状态保持 200。
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "name is required"))
		return
	}
	sess, _ := s.deps.Sessions.GetOrCreate(strings.TrimSpace(req.SessionID))
	result := s.deps.Router.Dispatch(r.Context(), session.FunctionCall{
		Name:      req.Name,
		Arguments: req.Arguments,
		SessionID: sess.ID,
	})
	writeJSON(w, http.StatusOK, dispatchResponse{SessionID: sess.ID, Result: result})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := sessionParam(r)
	history, err := s.deps.Sessions.History(id)
	if err != nil && !xerrors.HasCode(err, xerrors.CodeNotFound) {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []session.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "history": history})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	id := sessionParam(r)
	if id == defaultSessionID {
		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := decodeBody(r, &body); err == nil && strings.TrimSpace(body.SessionID) != "" {
			id = strings.TrimSpace(body.SessionID)
		}
	}
	if err := s.deps.Sessions.Clear(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "session_id": id})
}

func sessionParam(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("session_id")); id != "" {
		return id
	}
	return defaultSessionID
}

type createAgentRequest struct {
	ID         string `json:"id"`
	Network    string `json:"network"`
	PrivateKey string `json:"private_key"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Network) == "" {
		req.Network = "testnet"
	}
	view, err := s.deps.Agents.Create(r.Context(), strings.TrimSpace(req.ID), req.Network, req.PrivateKey)
	if err != nil {
		writeError(w, err)
		return
	}
	evt := events.New(events.TypeAgentCreated)
	evt.AgentID = view.ID
	evt.Network = string(view.Network)
	evt.OK = true
	s.deps.Events.Emit(r.Context(), evt)
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	views, err := s.deps.Agents.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Agents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Agents.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentNetwork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Network string `json:"network"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	view, err := s.deps.Agents.SetNetwork(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(body.Network))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.deps.Sessions.List()})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionDebug(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Debug bool `json:"debug"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess, _ := s.deps.Sessions.GetOrCreate(chi.URLParam(r, "id"))
	if err := s.deps.Sessions.SetDebug(sess.ID, body.Debug); err != nil {
		writeError(w, err)
		return
	}
	updated, _ := s.deps.Sessions.GetOrCreate(sess.ID)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSessionAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess, _ := s.deps.Sessions.GetOrCreate(chi.URLParam(r, "id"))
	updated, err := s.deps.Sessions.SetActiveAgent(r.Context(), sess.ID, strings.TrimSpace(body.AgentID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSessionNetwork(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Network string `json:"network"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess, _ := s.deps.Sessions.GetOrCreate(chi.URLParam(r, "id"))
	previous := sess.ActiveNetwork
	updated, err := s.deps.Sessions.SwitchNetwork(r.Context(), sess.ID, strings.TrimSpace(body.Network))
	if err != nil {
		writeError(w, err)
		return
	}
	if previous != updated.ActiveNetwork {
		evt := events.New(events.TypeNetworkSwitched)
		evt.SessionID = updated.ID
		evt.AgentID = updated.ActiveAgentID
		evt.Network = string(updated.ActiveNetwork)
		evt.OK = true
		s.deps.Events.Emit(r.Context(), evt)
	}
	writeJSON(w, http.StatusOK, updated)
}
