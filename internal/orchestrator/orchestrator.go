package orchestrator

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/llm"
	"ChainTrader/internal/registry"
	"ChainTrader/internal/session"
	"ChainTrader/internal/web3"
	"ChainTrader/pkg/logger"
)

const (
	// DefaultMaxToolRounds 是单次对话允许的函数调用轮数。
	DefaultMaxToolRounds = 4
	// defaultHistoryDepth 是回放给模型的历史轮数。
	defaultHistoryDepth = 20

	fallbackReply = "I can help you trade, check balances, transfer funds or stake. What would you like to do?"
)

// Dispatcher 执行一次函数调用。
type Dispatcher interface {
	Dispatch(ctx context.Context, req session.FunctionCall) session.FunctionResult
}

// Catalogue 提供工具描述与链配置。
type Catalogue interface {
	Definitions() []registry.Definition
	Chains() web3.ChainDefinitions
}

// Sessions 是编排器对会话管理器的依赖。
type Sessions interface {
	GetOrCreate(id string) (session.Session, bool)
	SetActiveAgent(ctx context.Context, sessionID, agentID string) (session.Session, error)
	SwitchNetwork(ctx context.Context, sessionID, network string) (session.Session, error)
	AppendTurn(sessionID string, turn session.Turn) (session.Turn, error)
}

// ChatInput 是一次对话请求。AgentID 与 Network 可选，非空时先应用到会话上。
type ChatInput struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	AgentID   string `json:"agent_id,omitempty"`
	Network   string `json:"environment,omitempty"`
}

// CallRecord 记录本轮对话中执行的函数。
type CallRecord struct {
	Name      string                 `json:"name"`
	Arguments map[string]any         `json:"arguments,omitempty"`
	Result    session.FunctionResult `json:"result"`
}

// ChatOutput 是对话结果。
type ChatOutput struct {
	SessionID string       `json:"session_id"`
	Reply     string       `json:"response"`
	AgentID   string       `json:"agent_id,omitempty"`
	Network   web3.Network `json:"network,omitempty"`
	Calls     []CallRecord `json:"function_calls,omitempty"`
	Rounds    int          `json:"rounds"`
	Usage     llm.Usage    `json:"usage"`
}

// Orchestrator 驱动模型与函数路由之间的往返。
type Orchestrator struct {
	model        llm.ChatModel
	dispatcher   Dispatcher
	catalogue    Catalogue
	sessions     Sessions
	maxRounds    int
	historyDepth int
	llmTimeout   time.Duration
	temperature  float64
	log          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithMaxToolRounds 设置函数调用轮数上限。
func WithMaxToolRounds(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxRounds = n
		}
	}
}

// WithHistoryDepth 设置回放给模型的历史轮数，0 表示不回放。
func WithHistoryDepth(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.historyDepth = n
		}
	}
}

// WithLLMTimeout 为每次模型调用设置超时时间。
func WithLLMTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.llmTimeout = d
		}
	}
}

// WithTemperature 设置采样温度。
func WithTemperature(t float64) Option {
	return func(o *Orchestrator) {
		o.temperature = t
	}
}

// New 创建编排器。
func New(model llm.ChatModel, dispatcher Dispatcher, catalogue Catalogue, sessions Sessions, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:        model,
		dispatcher:   dispatcher,
		catalogue:    catalogue,
		sessions:     sessions,
		maxRounds:    DefaultMaxToolRounds,
		historyDepth: defaultHistoryDepth,
		log:          logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Chat 处理一条用户消息，必要时执行模型请求的函数，并返回最终回复。
func (o *Orchestrator) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	if o.model == nil {
		return ChatOutput{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return ChatOutput{}, xerrors.New(xerrors.CodeInvalidArgument, "message is required")
	}

	sess, _ := o.sessions.GetOrCreate(strings.TrimSpace(in.SessionID))
	sess, err := o.applySelection(ctx, sess, in)
	if err != nil {
		return ChatOutput{}, err
	}

	messages := []llm.Message{{
		Role:    llm.RoleSystem,
		Content: systemPrompt(o.catalogue.Chains(), sess.ActiveAgentID, sess.ActiveNetwork),
	}}
	messages = append(messages, o.replay(sess.History)...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: message})
	if _, err := o.sessions.AppendTurn(sess.ID, session.Turn{Kind: session.TurnUser, Content: message}); err != nil {
		return ChatOutput{}, err
	}

	out := ChatOutput{SessionID: sess.ID, AgentID: sess.ActiveAgentID, Network: sess.ActiveNetwork}
	tools := o.tools()
	for round := 0; ; round++ {
		req := llm.ChatRequest{Messages: messages, Temperature: o.temperature}
		exhausted := round >= o.maxRounds
		if !exhausted {
			req.Tools = tools
		}
		resp, err := o.complete(ctx, req)
		if err != nil {
			return ChatOutput{}, err
		}
		out.Usage.PromptTokens += resp.Usage.PromptTokens
		out.Usage.CompletionTokens += resp.Usage.CompletionTokens

		if len(resp.ToolCalls) == 0 || exhausted {
			out.Reply = resp.Content
			break
		}
		out.Rounds++

		calls := make([]llm.ToolCall, len(resp.ToolCalls))
		copy(calls, resp.ToolCalls)
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("call_%d_%d", round, i)
			}
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: calls})
		for _, call := range calls {
			result := o.dispatcher.Dispatch(ctx, session.FunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
				SessionID: sess.ID,
			})
			out.Calls = append(out.Calls, CallRecord{Name: call.Name, Arguments: call.Arguments, Result: result})
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    encodeResult(result),
			})
		}
	}

	out.Reply = strings.TrimSpace(out.Reply)
	if out.Reply == "" {
		out.Reply = fallbackReply
	}
	if _, err := o.sessions.AppendTurn(sess.ID, session.Turn{Kind: session.TurnAssistant, Content: out.Reply}); err != nil {
		return ChatOutput{}, err
	}
	o.log.Info("对话完成",
		slog.String("session_id", sess.ID),
		slog.String("agent_id", out.AgentID),
		slog.Int("rounds", out.Rounds),
		slog.Int("calls", len(out.Calls)))
	return out, nil
}

// applySelection 将请求中携带的代理与网络应用到会话。无法识别的网络回退到测试网。
func (o *Orchestrator) applySelection(ctx context.Context, sess session.Session, in ChatInput) (session.Session, error) {
	var err error
	if agentID := strings.TrimSpace(in.AgentID); agentID != "" && agentID != sess.ActiveAgentID {
		if sess, err = o.sessions.SetActiveAgent(ctx, sess.ID, agentID); err != nil {
			return session.Session{}, err
		}
	}
	raw := strings.TrimSpace(in.Network)
	if raw == "" {
		return sess, nil
	}
	network, ok := web3.ParseNetwork(raw)
	if !ok {
		o.log.Warn("未知网络，回退到测试网", slog.String("network", raw))
		network = web3.Testnet
	}
	if network == sess.ActiveNetwork {
		return sess, nil
	}
	return o.sessions.SwitchNetwork(ctx, sess.ID, string(network))
}

func (o *Orchestrator) complete(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	callCtx := ctx
	if o.llmTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.llmTimeout)
		defer cancel()
	}
	resp, err := o.model.Complete(callCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return llm.ChatResponse{}, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return llm.ChatResponse{}, xerrors.Wrap(xerrors.CodeModelFailure, err, "大模型推理失败")
	}
	return resp, nil
}

func (o *Orchestrator) tools() []llm.Tool {
	defs := o.catalogue.Definitions()
	tools := make([]llm.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, llm.Tool{Name: def.Name, Description: def.Description, Parameters: def.Parameters})
	}
	return tools
}

// replay 取最近的用户与助手消息作为上下文，函数记录不回放。
func (o *Orchestrator) replay(history []session.Turn) []llm.Message {
	if o.historyDepth == 0 {
		return nil
	}
	out := make([]llm.Message, 0, o.historyDepth)
	for i := len(history) - 1; i >= 0 && len(out) < o.historyDepth; i-- {
		turn := history[i]
		switch turn.Kind {
		case session.TurnUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: turn.Content})
		case session.TurnAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: turn.Content})
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func encodeResult(result session.FunctionResult) string {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":{"kind":"UNKNOWN","message":%q}}`, err.Error())
	}
	return string(encoded)
}
