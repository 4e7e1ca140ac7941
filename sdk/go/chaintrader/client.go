// Package chaintrader is a Go client for the ChainTrader agent HTTP API.
package chaintrader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Chat requests may run several model rounds, so it is longer than a plain
// REST timeout.
const DefaultHTTPTimeout = 90 * time.Second

// Client wraps the HTTP interactions with the ChainTrader API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// ChatRequest is the payload of POST /chat.
type ChatRequest struct {
	Message     string `json:"message"`
	SessionID   string `json:"session_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// ResultError is the normalized error of a function call.
type ResultError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// FunctionResult is the outcome of one routed function call.
type FunctionResult struct {
	OK      bool           `json:"ok"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   *ResultError   `json:"error,omitempty"`
}

// FunctionCall records a function the agent executed during a chat.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    FunctionResult `json:"result"`
}

// ChatResponse is the reply of POST /chat.
type ChatResponse struct {
	SessionID string         `json:"session_id"`
	Response  string         `json:"response"`
	AgentID   string         `json:"agent_id,omitempty"`
	Network   string         `json:"network,omitempty"`
	Calls     []FunctionCall `json:"function_calls,omitempty"`
	Rounds    int            `json:"rounds"`
}

// DispatchResponse is the reply of POST /dispatch.
type DispatchResponse struct {
	SessionID string         `json:"session_id"`
	Result    FunctionResult `json:"result"`
}

// Turn is one entry of a session history.
type Turn struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Content string          `json:"content,omitempty"`
	Result  *FunctionResult `json:"result,omitempty"`
	At      time.Time       `json:"at"`
}

// Agent is the redacted view of a trading identity.
type Agent struct {
	ID              string    `json:"id"`
	Address         string    `json:"address"`
	SigningMaterial string    `json:"signing_material"`
	Network         string    `json:"network"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateAgentRequest is the payload of POST /agents. An empty PrivateKey
// asks the server to generate one.
type CreateAgentRequest struct {
	ID         string `json:"id"`
	Network    string `json:"network,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// Session is the state of a conversation.
type Session struct {
	ID            string `json:"id"`
	ActiveAgentID string `json:"active_agent_id,omitempty"`
	ActiveNetwork string `json:"active_network,omitempty"`
	Debug         bool   `json:"debug"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind != "" {
		return fmt.Sprintf("chaintrader api error (%d): %s - %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("chaintrader api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainTrader API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the configured bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Ping checks that the server is up.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil, nil)
}

// Chat sends a natural-language message.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var out ChatResponse
	if err := c.do(ctx, http.MethodPost, "/chat", nil, req, &out); err != nil {
		return ChatResponse{}, err
	}
	return out, nil
}

// Dispatch calls a registered function directly, bypassing the model.
func (c *Client) Dispatch(ctx context.Context, sessionID, name string, args map[string]any) (DispatchResponse, error) {
	body := map[string]any{"session_id": sessionID, "name": name, "arguments": args}
	var out DispatchResponse
	if err := c.do(ctx, http.MethodPost, "/dispatch", nil, body, &out); err != nil {
		return DispatchResponse{}, err
	}
	return out, nil
}

// History returns the turns of a session.
func (c *Client) History(ctx context.Context, sessionID string) ([]Turn, error) {
	var out struct {
		History []Turn `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, "/history", url.Values{"session_id": {sessionID}}, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// Clear empties the history of a session.
func (c *Client) Clear(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/clear", url.Values{"session_id": {sessionID}}, nil, nil)
}

// CreateAgent registers a new agent.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (Agent, error) {
	var out Agent
	if err := c.do(ctx, http.MethodPost, "/agents", nil, req, &out); err != nil {
		return Agent{}, err
	}
	return out, nil
}

// ListAgents lists all agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// GetAgent fetches one agent.
func (c *Client) GetAgent(ctx context.Context, id string) (Agent, error) {
	var out Agent
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return Agent{}, err
	}
	return out, nil
}

// DeleteAgent removes an agent.
func (c *Client) DeleteAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(id), nil, nil, nil)
}

// SetAgentNetwork changes the default network of an agent.
func (c *Client) SetAgentNetwork(ctx context.Context, id, network string) (Agent, error) {
	var out Agent
	endpoint := "/agents/" + url.PathEscape(id) + "/network"
	if err := c.do(ctx, http.MethodPut, endpoint, nil, map[string]string{"network": network}, &out); err != nil {
		return Agent{}, err
	}
	return out, nil
}

// SetSessionAgent selects the active agent of a session.
func (c *Client) SetSessionAgent(ctx context.Context, sessionID, agentID string) (Session, error) {
	var out Session
	endpoint := "/sessions/" + url.PathEscape(sessionID) + "/agent"
	if err := c.do(ctx, http.MethodPut, endpoint, nil, map[string]string{"agent_id": agentID}, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// SetSessionNetwork overrides the network of a session. An empty network
// returns the session to the agent's default.
func (c *Client) SetSessionNetwork(ctx context.Context, sessionID, network string) (Session, error) {
	var out Session
	endpoint := "/sessions/" + url.PathEscape(sessionID) + "/network"
	if err := c.do(ctx, http.MethodPut, endpoint, nil, map[string]string{"network": network}, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// SetSessionDebug toggles debug mode on a session.
func (c *Client) SetSessionDebug(ctx context.Context, sessionID string, debug bool) (Session, error) {
	var out Session
	endpoint := "/sessions/" + url.PathEscape(sessionID) + "/debug"
	if err := c.do(ctx, http.MethodPut, endpoint, nil, map[string]bool{"debug": debug}, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// DeleteSession drops a session and its history.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			var wrapped struct {
				Error *APIError `json:"error"`
			}
			wrapped.Error = apiErr
			_ = json.Unmarshal(data, &wrapped)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
