// Package auth 提供基于静态 Bearer Token 的 API 认证。
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingToken 表示请求未携带令牌。
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken 表示令牌不在允许列表中。
	ErrInvalidToken = errors.New("auth: invalid bearer token")
)

// Subject 是通过认证的调用方。
type Subject struct {
	Name string
}

type tokenEntry struct {
	name string
	sum  [sha256.Size]byte
}

// Tokens 保存允许访问 API 的令牌摘要。
type Tokens struct {
	entries []tokenEntry
}

// NewTokens 解析令牌列表。条目可以写成 "name:token"，否则按序号命名。
func NewTokens(raw []string) *Tokens {
	t := &Tokens{}
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name := fmt.Sprintf("token-%d", len(t.entries)+1)
		if label, secret, ok := strings.Cut(item, ":"); ok && label != "" && secret != "" {
			name, item = label, secret
		}
		t.entries = append(t.entries, tokenEntry{name: name, sum: sha256.Sum256([]byte(item))})
	}
	return t
}

// Enabled 报告是否配置了令牌。未配置时认证关闭。
func (t *Tokens) Enabled() bool {
	return t != nil && len(t.entries) > 0
}

// Authenticate 校验 Authorization 头。
func (t *Tokens) Authenticate(header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	for _, entry := range t.entries {
		if subtle.ConstantTimeCompare(sum[:], entry.sum[:]) == 1 {
			return &Subject{Name: entry.name}, nil
		}
	}
	return nil, ErrInvalidToken
}
