// Package clientfactory 负责按 (代理, 网络) 构建并缓存已认证的链客户端。
package clientfactory

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ChainTrader/internal/credential"
	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/observability/metrics"
	"ChainTrader/internal/web3"
	"ChainTrader/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"
)

// Agents 提供代理元数据与签名私钥。
type Agents interface {
	Get(ctx context.Context, id string) (credential.AgentView, error)
	Signer(ctx context.Context, id string) (*ecdsa.PrivateKey, credential.AgentView, error)
}

// Dialer 建立到某个网络的连接。
type Dialer interface {
	Dial(ctx context.Context, network web3.Network) (web3.Chain, error)
}

type cacheKey struct {
	agentID string
	network web3.Network
}

func (k cacheKey) String() string { return k.agentID + "|" + string(k.network) }

// defaultOrphanGrace 是未入缓存的句柄在关闭前留给调用方使用的时间。
const defaultOrphanGrace = time.Minute

// Stats 汇总缓存状态。
type Stats struct {
	Handles int   `json:"handles"`
	Builds  int64 `json:"builds"`
	Hits    int64 `json:"hits"`
	Evicted int64 `json:"evicted"`
}

// Factory 缓存客户端句柄，同一键的并发构建只执行一次。
type Factory struct {
	agents Agents
	dialer Dialer
	log    *slog.Logger

	mu          sync.Mutex
	cache       map[cacheKey]*Handle
	generations map[string]uint64
	keyGens     map[cacheKey]uint64
	orphans     map[*Handle]*time.Timer
	orphanGrace time.Duration
	closed      bool

	flight singleflight.Group

	builds  atomic.Int64
	hits    atomic.Int64
	evicted atomic.Int64
}

// New 创建客户端工厂。
func New(agents Agents, dialer Dialer) *Factory {
	return &Factory{
		agents:      agents,
		dialer:      dialer,
		log:         logger.Named("clientfactory"),
		cache:       make(map[cacheKey]*Handle),
		generations: make(map[string]uint64),
		keyGens:     make(map[cacheKey]uint64),
		orphans:     make(map[*Handle]*time.Timer),
		orphanGrace: defaultOrphanGrace,
	}
}

// EffectiveNetwork 返回覆盖网络；为空时使用代理保存的默认网络。
func (f *Factory) EffectiveNetwork(ctx context.Context, agentID string, override web3.Network) (web3.Network, error) {
	if override != "" {
		return override, nil
	}
	view, err := f.agents.Get(ctx, agentID)
	if err != nil {
		return "", asUnknownAgent(agentID, err)
	}
	return view.Network, nil
}

// Acquire 返回 (agentID, 有效网络) 对应的句柄。缓存命中时不做存活检查，
// 已标记失败的句柄会被丢弃并重建。
func (f *Factory) Acquire(ctx context.Context, agentID string, override web3.Network) (*Handle, error) {
	network, err := f.EffectiveNetwork(ctx, agentID, override)
	if err != nil {
		return nil, err
	}
	key := cacheKey{agentID: agentID, network: network}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeConnectionFailed, "client factory is closed")
	}
	if h, ok := f.cache[key]; ok {
		if !h.Failed() {
			f.mu.Unlock()
			f.hits.Add(1)
			return h, nil
		}
		delete(f.cache, key)
		f.evicted.Add(1)
		go h.Chain.Close()
	}
	gen, keyGen := f.generations[agentID], f.keyGens[key]
	f.mu.Unlock()

	v, err, _ := f.flight.Do(key.String(), func() (any, error) {
		f.mu.Lock()
		if h, ok := f.cache[key]; ok && !h.Failed() {
			f.mu.Unlock()
			return h, nil
		}
		f.mu.Unlock()

		h, err := f.build(ctx, key)
		metrics.ObserveClientBuild(string(key.network), err)
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed {
			go h.Chain.Close()
			return nil, xerrors.New(xerrors.CodeConnectionFailed, "client factory is closed")
		}
		if f.generations[agentID] != gen || f.keyGens[key] != keyGen {
			// 构建期间键被失效，句柄只交给本次调用方，不进入缓存。
			f.orphanLocked(h)
			return h, nil
		}
		f.cache[key] = h
		metrics.SetCachedClients(len(f.cache))
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (f *Factory) build(ctx context.Context, key cacheKey) (*Handle, error) {
	f.builds.Add(1)
	signer, view, err := f.agents.Signer(ctx, key.agentID)
	if err != nil {
		return nil, asUnknownAgent(key.agentID, err)
	}

	chain, err := f.dialer.Dial(ctx, key.network)
	if err != nil {
		f.log.Warn("连接网络失败",
			slog.String("agent_id", key.agentID),
			slog.String("network", string(key.network)),
			slog.String("error", err.Error()))
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "dial "+string(key.network))
	}

	h := &Handle{
		AgentID: key.agentID,
		Network: key.network,
		Address: common.HexToAddress(view.Address),
		Chain:   chain,
		key:     signer,
	}
	f.log.Debug("客户端句柄已构建",
		slog.String("agent_id", key.agentID),
		slog.String("network", string(key.network)),
		slog.String("address", h.Address.Hex()))
	return h, nil
}

func asUnknownAgent(agentID string, err error) error {
	if xerrors.HasCode(err, xerrors.CodeNotFound) {
		return xerrors.New(xerrors.CodeUnknownAgent, "unknown agent "+agentID)
	}
	return err
}

// orphanLocked 标记句柄失效，并在宽限期后关闭。调用方需持有 f.mu。
func (f *Factory) orphanLocked(h *Handle) {
	h.failed.Store(true)
	f.orphans[h] = time.AfterFunc(f.orphanGrace, func() {
		f.mu.Lock()
		_, ok := f.orphans[h]
		delete(f.orphans, h)
		f.mu.Unlock()
		if ok {
			f.evicted.Add(1)
			h.Chain.Close()
		}
	})
}

// MarkFailed 标记句柄出现传输故障并将其逐出缓存。
func (f *Factory) MarkFailed(h *Handle) {
	if h == nil {
		return
	}
	h.failed.Store(true)
	key := cacheKey{agentID: h.AgentID, network: h.Network}

	f.mu.Lock()
	current, ok := f.cache[key]
	if ok && current == h {
		delete(f.cache, key)
		f.evicted.Add(1)
		metrics.SetCachedClients(len(f.cache))
	}
	f.mu.Unlock()

	if ok && current == h {
		h.Chain.Close()
	}
}

// Invalidate 丢弃代理在所有网络上的句柄，例如代理被删除时。
func (f *Factory) Invalidate(agentID string) {
	f.mu.Lock()
	f.generations[agentID]++
	var dropped []*Handle
	for key, h := range f.cache {
		if key.agentID == agentID {
			dropped = append(dropped, h)
			delete(f.cache, key)
		}
	}
	metrics.SetCachedClients(len(f.cache))
	f.mu.Unlock()

	f.closeAll(dropped)
}

// InvalidateNetwork 只丢弃 (agentID, network) 的句柄。
func (f *Factory) InvalidateNetwork(agentID string, network web3.Network) {
	key := cacheKey{agentID: agentID, network: network}
	f.mu.Lock()
	f.keyGens[key]++
	h, ok := f.cache[key]
	if ok {
		delete(f.cache, key)
	}
	metrics.SetCachedClients(len(f.cache))
	f.mu.Unlock()

	if ok {
		f.closeAll([]*Handle{h})
	}
}

func (f *Factory) closeAll(handles []*Handle) {
	for _, h := range handles {
		f.evicted.Add(1)
		h.Chain.Close()
	}
	if len(handles) > 0 {
		f.log.Debug("客户端句柄已失效", slog.Int("count", len(handles)))
	}
}

// Cached 返回缓存中的句柄，不触发构建。
func (f *Factory) Cached(agentID string, network web3.Network) (*Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.cache[cacheKey{agentID: agentID, network: network}]
	return h, ok
}

// Stats 返回缓存统计。
func (f *Factory) Stats() Stats {
	f.mu.Lock()
	n := len(f.cache)
	f.mu.Unlock()
	return Stats{Handles: n, Builds: f.builds.Load(), Hits: f.hits.Load(), Evicted: f.evicted.Load()}
}

// Close 关闭全部句柄，之后 Acquire 返回错误。
func (f *Factory) Close() {
	f.mu.Lock()
	f.closed = true
	handles := make([]*Handle, 0, len(f.cache)+len(f.orphans))
	for key, h := range f.cache {
		handles = append(handles, h)
		delete(f.cache, key)
	}
	for h, timer := range f.orphans {
		timer.Stop()
		handles = append(handles, h)
		delete(f.orphans, h)
	}
	f.mu.Unlock()

	for _, h := range handles {
		h.Chain.Close()
	}
}
