package provider

import (
	"context"
	"sync"
	"time"

	"ChainTrader/internal/web3"
)

const (
	defaultRecheckInterval = 5 * time.Minute
	defaultMaxCacheAge     = 30 * time.Minute
)

// Reachability 是一次端点探测的结果。
type Reachability struct {
	Network     web3.Network `json:"network"`
	Reachable   bool         `json:"reachable"`
	LatencyMS   float64      `json:"latency_ms"`
	BlockNumber uint64       `json:"block_number,omitempty"`
	Error       string       `json:"error,omitempty"`
	CheckedAt   time.Time    `json:"checked_at"`
}

// Connectivity 缓存各网络的可达性：5 分钟内复用结果，超过 30 分钟的结果直接丢弃。
type Connectivity struct {
	registry *Registry
	recheck  time.Duration
	maxAge   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	results map[web3.Network]Reachability
}

// NewConnectivity 创建可达性检查器。
func NewConnectivity(registry *Registry) *Connectivity {
	return &Connectivity{
		registry: registry,
		recheck:  defaultRecheckInterval,
		maxAge:   defaultMaxCacheAge,
		now:      time.Now,
		results:  make(map[web3.Network]Reachability),
	}
}

// Check 返回 network 的可达性，必要时重新探测。force 为 true 时忽略缓存。
func (c *Connectivity) Check(ctx context.Context, network web3.Network, force bool) Reachability {
	if !force {
		if cached, ok := c.cached(network); ok {
			return cached
		}
	}

	started := c.now()
	result := Reachability{Network: network, CheckedAt: started}
	chain, err := c.registry.Dial(ctx, network)
	if err == nil {
		var status web3.ChainStatus
		status, err = chain.Status(ctx)
		chain.Close()
		result.BlockNumber = status.BlockNumber
	}
	result.LatencyMS = float64(c.now().Sub(started).Microseconds()) / 1000
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Reachable = true
	}

	c.mu.Lock()
	c.results[network] = result
	c.mu.Unlock()
	return result
}

// CheckAll 探测所有已配置网络。
func (c *Connectivity) CheckAll(ctx context.Context, force bool) []Reachability {
	networks := c.registry.Networks()
	out := make([]Reachability, 0, len(networks))
	for _, n := range networks {
		out = append(out, c.Check(ctx, n, force))
	}
	return out
}

func (c *Connectivity) cached(network web3.Network) (Reachability, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.results[network]
	if !ok {
		return Reachability{}, false
	}
	age := c.now().Sub(result.CheckedAt)
	if age > c.maxAge {
		delete(c.results, network)
		return Reachability{}, false
	}
	if age > c.recheck {
		return Reachability{}, false
	}
	return result, true
}
