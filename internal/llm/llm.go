package llm

import (
	"context"
	"encoding/json"
)

// Role 标识消息来源。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是对话中的一条消息。
type Message struct {
	Role    Role
	Content string
	// ToolCallID 仅用于 RoleTool，指向所回应的调用。
	ToolCallID string
	// ToolCalls 仅用于 RoleAssistant。
	ToolCalls []ToolCall
}

// ToolCall 是模型请求的一次函数调用。
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
	// RawArguments 保留模型输出的原始 JSON，便于回放。
	RawArguments string
}

// Tool 描述提供给模型的函数。
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest 是一次补全请求。
type ChatRequest struct {
	Messages    []Message
	Tools       []Tool
	Temperature float64
}

// Usage 统计 token 用量。
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// ChatResponse 是模型的回复，可能包含文本或函数调用。
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// ChatModel 定义了调用大模型的统一接口。
type ChatModel interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
	Model() string
}

// DecodeArguments 解析模型给出的参数 JSON，空串视为空对象。
func DecodeArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}
