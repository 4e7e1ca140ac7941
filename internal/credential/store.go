package credential

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/web3"
	"ChainTrader/pkg/logger"

	"github.com/ethereum/go-ethereum/crypto"
)

// Backend 是代理记录的持久化接口。每个写操作必须在返回前完成持久化。
type Backend interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	UpdateNetwork(ctx context.Context, id string, network web3.Network, at time.Time) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// DeleteHook 在代理被删除并持久化之后调用。
type DeleteHook func(agentID string)

// NetworkHook 在代理默认网络变更并持久化之后调用。
type NetworkHook func(agentID string, from, to web3.Network)

// Store 管理代理目录：创建、查询、切换网络与删除。
type Store struct {
	backend Backend
	sealer  Sealer
	now     func() time.Time

	hookMu       sync.RWMutex
	hooks        []DeleteHook
	networkHooks []NetworkHook
}

// Option 定制 Store。
type Option func(*Store)

// WithSealer 指定新建记录的签名材料编码方式。
func WithSealer(s Sealer) Option {
	return func(st *Store) {
		if s != nil {
			st.sealer = s
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(st *Store) {
		if now != nil {
			st.now = now
		}
	}
}

// NewStore 构造代理目录。
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, sealer: PlainSealer{}, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// OnDelete 注册删除回调，例如使客户端缓存失效。
func (s *Store) OnDelete(hook DeleteHook) {
	if hook == nil {
		return
	}
	s.hookMu.Lock()
	s.hooks = append(s.hooks, hook)
	s.hookMu.Unlock()
}

// OnNetworkChange 注册网络变更回调。
func (s *Store) OnNetworkChange(hook NetworkHook) {
	if hook == nil {
		return
	}
	s.hookMu.Lock()
	s.networkHooks = append(s.networkHooks, hook)
	s.hookMu.Unlock()
}

// Create 创建代理。importedKey 为空时使用安全随机数生成新私钥。
func (s *Store) Create(ctx context.Context, id string, network string, importedKey string) (AgentView, error) {
	if err := ValidateID(id); err != nil {
		return AgentView{}, err
	}
	net, ok := web3.ParseNetwork(network)
	if !ok {
		return AgentView{}, xerrors.New(xerrors.CodeInvalidArgument, "network must be mainnet or testnet")
	}

	var (
		key *ecdsa.PrivateKey
		err error
	)
	if strings.TrimSpace(importedKey) != "" {
		key, err = ParsePrivateKey(importedKey)
		if err != nil {
			return AgentView{}, err
		}
	} else {
		key, err = crypto.GenerateKey()
		if err != nil {
			return AgentView{}, xerrors.Wrap(xerrors.CodeUnknown, err, "generate key")
		}
	}

	material, err := s.sealer.Seal(key)
	if err != nil {
		return AgentView{}, xerrors.Wrap(xerrors.CodeUnknown, err, "seal key")
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	rec := Record{
		ID:              id,
		Address:         AddressOf(key),
		SigningMaterial: material,
		Sealed:          s.sealer.Sealed(),
		Network:         net,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.backend.Insert(ctx, rec); err != nil {
		return AgentView{}, err
	}

	logger.Audit().Info("代理已创建",
		slog.String("agent_id", rec.ID),
		slog.String("address", rec.Address),
		slog.String("network", string(rec.Network)),
		slog.Bool("imported", strings.TrimSpace(importedKey) != ""))
	return rec.View(), nil
}

// Get 返回脱敏视图。
func (s *Store) Get(ctx context.Context, id string) (AgentView, error) {
	rec, err := s.backend.Get(ctx, id)
	if err != nil {
		return AgentView{}, err
	}
	return rec.View(), nil
}

// Exists 判断代理是否存在。
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.backend.Get(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Signer 解析签名私钥，仅供客户端工厂使用。格式异常时返回 INVALID_KEY，不存在任何兜底身份。
func (s *Store) Signer(ctx context.Context, id string) (*ecdsa.PrivateKey, AgentView, error) {
	rec, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, AgentView{}, err
	}

	var key *ecdsa.PrivateKey
	switch {
	case rec.Sealed && !s.sealer.Sealed():
		return nil, AgentView{}, xerrors.New(xerrors.CodeInvalidKey, "agent key is sealed and no passphrase is configured")
	case rec.Sealed:
		key, err = s.sealer.Open(rec.SigningMaterial)
	default:
		key, err = PlainSealer{}.Open(rec.SigningMaterial)
	}
	if err != nil {
		logger.L().Warn("代理私钥无法解析", slog.String("agent_id", id))
		return nil, AgentView{}, ErrInvalidKey
	}
	if !strings.EqualFold(AddressOf(key), rec.Address) {
		logger.L().Warn("代理私钥与地址不匹配", slog.String("agent_id", id))
		return nil, AgentView{}, ErrInvalidKey
	}
	return key, rec.View(), nil
}

// SetNetwork 修改代理默认网络，这是代理唯一允许的变更。
func (s *Store) SetNetwork(ctx context.Context, id string, network string) (AgentView, error) {
	net, ok := web3.ParseNetwork(network)
	if !ok {
		return AgentView{}, xerrors.New(xerrors.CodeInvalidArgument, "network must be mainnet or testnet")
	}
	before, err := s.Get(ctx, id)
	if err != nil {
		return AgentView{}, err
	}
	if before.Network == net {
		return before, nil
	}
	if err := s.backend.UpdateNetwork(ctx, id, net, s.now().UTC().Truncate(time.Millisecond)); err != nil {
		return AgentView{}, err
	}

	s.hookMu.RLock()
	hooks := append([]NetworkHook(nil), s.networkHooks...)
	s.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(id, before.Network, net)
	}

	logger.Audit().Info("代理网络已变更",
		slog.String("agent_id", id),
		slog.String("from", string(before.Network)),
		slog.String("to", string(net)))
	return s.Get(ctx, id)
}

// Delete 删除代理并触发删除回调。
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, id); err != nil {
		return err
	}

	s.hookMu.RLock()
	hooks := append([]DeleteHook(nil), s.hooks...)
	s.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(id)
	}

	logger.Audit().Info("代理已删除", slog.String("agent_id", id))
	return nil
}

// List 返回按 id 排序的脱敏视图。
func (s *Store) List(ctx context.Context) ([]AgentView, error) {
	records, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	views := make([]AgentView, len(records))
	for i, rec := range records {
		views[i] = rec.View()
	}
	return views, nil
}

// Close 关闭后端。
func (s *Store) Close() error {
	return s.backend.Close()
}
