// Package session 维护对话会话：当前代理、网络覆盖与有序历史。
package session

import (
	"time"

	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/web3"
)

// TurnKind 区分历史记录中的条目来源。
type TurnKind string

const (
	TurnUser      TurnKind = "user"
	TurnAssistant TurnKind = "assistant"
	TurnFunction  TurnKind = "function"
)

// FunctionCall 是一次函数调用请求。
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	SessionID string         `json:"session_id"`
}

// ResultError 是规范化后的错误。
type ResultError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// FunctionResult 是函数调用的规范化结果，Payload 与 Error 只会出现一个。
type FunctionResult struct {
	OK      bool           `json:"ok"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   *ResultError   `json:"error,omitempty"`
}

// Failed 由错误构造失败结果。
func Failed(err error) FunctionResult {
	return FunctionResult{Error: &ResultError{
		Kind:    string(xerrors.CodeOf(err)),
		Message: xerrors.MessageOf(err),
	}}
}

// Succeeded 构造成功结果。
func Succeeded(payload map[string]any) FunctionResult {
	if payload == nil {
		payload = map[string]any{}
	}
	return FunctionResult{OK: true, Payload: payload}
}

// Turn 是历史中的一条记录。
type Turn struct {
	ID      string          `json:"id"`
	Kind    TurnKind        `json:"kind"`
	Content string          `json:"content,omitempty"`
	Call    *FunctionCall   `json:"call,omitempty"`
	Result  *FunctionResult `json:"result,omitempty"`
	At      time.Time       `json:"at"`
}

// Session 是会话快照。
type Session struct {
	ID            string       `json:"id"`
	ActiveAgentID string       `json:"active_agent_id,omitempty"`
	ActiveNetwork web3.Network `json:"active_network,omitempty"`
	History       []Turn       `json:"history"`
	Debug         bool         `json:"debug"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Summary 是不含历史的会话概要。
type Summary struct {
	ID            string       `json:"id"`
	ActiveAgentID string       `json:"active_agent_id,omitempty"`
	ActiveNetwork web3.Network `json:"active_network,omitempty"`
	Turns         int          `json:"turns"`
	Debug         bool         `json:"debug"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ErrSessionNotFound 表示会话不存在。
var ErrSessionNotFound = xerrors.New(xerrors.CodeNotFound, "session not found")
