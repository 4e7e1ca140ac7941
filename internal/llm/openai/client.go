package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ChainTrader/internal/llm"
	"ChainTrader/internal/observability/metrics"
	"ChainTrader/pkg/logger"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const (
	defaultModelName = "gpt-4o"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Client 通过官方 SDK 调用支持函数调用的聊天补全接口。
type Client struct {
	client openai.Client
	model  string
	log    *slog.Logger
}

var _ llm.ChatModel = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}

	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
		log:    logger.Named("llm.openai"),
	}, nil
}

// Model 返回模型名称。
func (c *Client) Model() string { return c.model }

// Complete 发送一次聊天补全请求。
func (c *Client) Complete(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: buildMessages(req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := buildTools(req.Tools)
		if err != nil {
			return llm.ChatResponse{}, err
		}
		params.Tools = tools
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		metrics.ObserveLLM(c.model, 0, 0, err)
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return llm.ChatResponse{}, fmt.Errorf("OpenAI 返回错误状态 %d: %s", apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
		}
		return llm.ChatResponse{}, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	metrics.ObserveLLM(c.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil)
	if len(resp.Choices) == 0 {
		return llm.ChatResponse{}, errors.New("OpenAI 响应中没有有效的 choices")
	}

	choice := resp.Choices[0]
	out := llm.ChatResponse{
		Content:      strings.TrimSpace(choice.Message.Content),
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		args, err := llm.DecodeArguments(call.Function.Arguments)
		if err != nil {
			// 参数无法解析时仍交给路由，由模式校验给出 SCHEMA_VIOLATION。
			c.log.Warn("函数参数不是合法 JSON", slog.String("function", call.Function.Name), slog.String("error", err.Error()))
			args = map[string]any{"_raw": call.Function.Arguments}
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:           call.ID,
			Name:         call.Function.Name,
			Arguments:    args,
			RawArguments: call.Function.Arguments,
		})
	}
	return out, nil
}

func buildMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			out = append(out, assistantMessage(msg))
		case llm.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func assistantMessage(msg llm.Message) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		assistant.Content.OfString = openai.String(msg.Content)
	}
	for _, call := range msg.ToolCalls {
		raw := call.RawArguments
		if raw == "" {
			raw = "{}"
			if len(call.Arguments) > 0 {
				if encoded, err := json.Marshal(call.Arguments); err == nil {
					raw = string(encoded)
				}
			}
		}
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: call.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: raw,
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func buildTools(tools []llm.Tool) ([]openai.ChatCompletionToolParam, error) {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, tool := range tools {
		params := shared.FunctionParameters{}
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &params); err != nil {
				return nil, fmt.Errorf("函数 %s 的参数模式无效: %w", tool.Name, err)
			}
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  params,
			},
		})
	}
	return out, nil
}
