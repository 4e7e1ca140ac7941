package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ChainTrader/internal/credential"
	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/web3"
	"ChainTrader/pkg/logger"

	"github.com/google/uuid"
)

// Agents 用于校验代理是否存在。
type Agents interface {
	Get(ctx context.Context, id string) (credential.AgentView, error)
}

// Clients 是切换网络时需要的客户端工厂能力。
type Clients interface {
	InvalidateNetwork(agentID string, network web3.Network)
}

type entry struct {
	mu    sync.Mutex
	state Session
}

// Manager 在内存中保存会话。每个会话有独立的锁，保证历史追加顺序。
type Manager struct {
	agents  Agents
	clients Clients
	now     func() time.Time
	log     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
}

// Option 定制 Manager。
type Option func(*Manager)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 创建会话管理器。clients 可以为空。
func NewManager(agents Agents, clients Clients, opts ...Option) *Manager {
	m := &Manager{
		agents:   agents,
		clients:  clients,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.Named("session"),
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// GetOrCreate 返回会话，不存在时创建。id 为空时生成新的会话 ID。
func (m *Manager) GetOrCreate(id string) (Session, bool) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		now := m.now()
		e = &entry{state: Session{ID: id, CreatedAt: now, UpdatedAt: now}}
		m.sessions[id] = e
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug("会话已创建", slog.String("session_id", id))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.state), !ok
}

// Get 返回会话快照。
func (m *Manager) Get(id string) (Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.state), nil
}

// SetActiveAgent 设置会话的当前代理；agentID 为空时清除。
func (m *Manager) SetActiveAgent(ctx context.Context, sessionID, agentID string) (Session, error) {
	if agentID != "" {
		if _, err := m.agents.Get(ctx, agentID); err != nil {
			if xerrors.HasCode(err, xerrors.CodeNotFound) {
				return Session{}, xerrors.New(xerrors.CodeUnknownAgent, "unknown agent "+agentID)
			}
			return Session{}, err
		}
	}
	e, err := m.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.ActiveAgentID = agentID
	e.state.UpdatedAt = m.now()
	return snapshot(e.state), nil
}

// SwitchNetwork 设置会话的网络覆盖，network 为空表示回到代理默认网络。
// 只有 (代理, 旧有效网络) 的客户端会失效，其它会话不受影响。
func (m *Manager) SwitchNetwork(ctx context.Context, sessionID, network string) (Session, error) {
	var next web3.Network
	if network != "" {
		parsed, ok := web3.ParseNetwork(network)
		if !ok {
			return Session{}, xerrors.New(xerrors.CodeInvalidArgument, "unsupported network "+network)
		}
		next = parsed
	}

	e, err := m.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	agentID := e.state.ActiveAgentID
	previous := e.state.ActiveNetwork
	e.mu.Unlock()

	var oldEffective, newEffective, stored web3.Network
	if agentID != "" {
		view, err := m.agents.Get(ctx, agentID)
		if err != nil {
			if xerrors.HasCode(err, xerrors.CodeNotFound) {
				return Session{}, xerrors.New(xerrors.CodeUnknownAgent, "unknown agent "+agentID)
			}
			return Session{}, err
		}
		stored = view.Network
		oldEffective, newEffective = stored, stored
		if previous != "" {
			oldEffective = previous
		}
		if next != "" {
			newEffective = next
		}
	}

	e.mu.Lock()
	e.state.ActiveNetwork = next
	e.state.UpdatedAt = m.now()
	out := snapshot(e.state)
	e.mu.Unlock()

	if agentID != "" && oldEffective != newEffective && m.clients != nil &&
		!m.networkInUse(sessionID, agentID, oldEffective, stored) {
		m.clients.InvalidateNetwork(agentID, oldEffective)
	}
	m.log.Info("会话网络已切换",
		slog.String("session_id", sessionID),
		slog.String("agent_id", agentID),
		slog.String("from", string(oldEffective)),
		slog.String("to", string(newEffective)))
	return out, nil
}

// networkInUse 判断除 sessionID 之外是否还有会话以该代理使用 network。
// stored 是代理保存的默认网络，用于解析未设置覆盖的会话。
func (m *Manager) networkInUse(sessionID, agentID string, network, stored web3.Network) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, e := range m.sessions {
		if id == sessionID {
			continue
		}
		e.mu.Lock()
		active, override := e.state.ActiveAgentID, e.state.ActiveNetwork
		e.mu.Unlock()
		if active != agentID {
			continue
		}
		effective := override
		if effective == "" {
			effective = stored
		}
		if effective == network {
			return true
		}
	}
	return false
}

// AppendTurn 追加历史记录，补全 ID 与时间。
func (m *Manager) AppendTurn(sessionID string, turn Turn) (Turn, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return Turn{}, err
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := m.now()
	if turn.At.IsZero() {
		turn.At = now
	}
	e.state.History = append(e.state.History, turn)
	e.state.UpdatedAt = now
	return turn, nil
}

// Clear 清空历史，保留当前代理与网络。会话不存在时什么也不做。
func (m *Manager) Clear(sessionID string) error {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.History = nil
	e.state.UpdatedAt = m.now()
	return nil
}

// SetDebug 切换调试模式。
func (m *Manager) SetDebug(sessionID string, debug bool) error {
	e, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state.Debug = debug
	e.state.UpdatedAt = m.now()
	e.mu.Unlock()
	return nil
}

// History 返回历史副本。
func (m *Manager) History(sessionID string) ([]Turn, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Turn(nil), e.state.History...), nil
}

// List 按 ID 排序返回会话概要。
func (m *Manager) List() []Summary {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, Summary{
			ID:            e.state.ID,
			ActiveAgentID: e.state.ActiveAgentID,
			ActiveNetwork: e.state.ActiveNetwork,
			Turns:         len(e.state.History),
			Debug:         e.state.Debug,
			UpdatedAt:     e.state.UpdatedAt,
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delete 删除会话。
func (m *Manager) Delete(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

// ForgetAgent 清除引用已删除代理的会话状态，作为凭据删除回调注册。
func (m *Manager) ForgetAgent(agentID string) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	cleared := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.state.ActiveAgentID == agentID {
			e.state.ActiveAgentID = ""
			e.state.UpdatedAt = m.now()
			cleared++
		}
		e.mu.Unlock()
	}
	if cleared > 0 {
		m.log.Info("已删除代理从会话中移除", slog.String("agent_id", agentID), slog.Int("sessions", cleared))
	}
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

func snapshot(s Session) Session {
	s.History = append([]Turn(nil), s.History...)
	return s
}
