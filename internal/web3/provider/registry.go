package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/web3"
	"ChainTrader/internal/web3/ethereum"
	"ChainTrader/pkg/logger"

	"github.com/sony/gobreaker/v2"
)

// DialFunc 建立到指定网络的连接。
type DialFunc func(ctx context.Context, network web3.Network, def web3.NetworkDefinition) (web3.Chain, error)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultBreakerFailures = uint32(3)
	defaultBreakerCooldown = 30 * time.Second
)

// Registry 持有各网络的定义，并通过每个网络独立的熔断器建立连接。
type Registry struct {
	defs        web3.ChainDefinitions
	dial        DialFunc
	dialTimeout time.Duration
	failures    uint32
	cooldown    time.Duration
	gasBuffer   int
	breakers    map[web3.Network]*gobreaker.CircuitBreaker[web3.Chain]
}

// Option 定制 Registry。
type Option func(*Registry)

// WithDialFunc 替换默认的 EVM 拨号逻辑，测试中常用。
func WithDialFunc(fn DialFunc) Option {
	return func(r *Registry) {
		if fn != nil {
			r.dial = fn
		}
	}
}

// WithDialTimeout 设置单次拨号的超时。
func WithDialTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.dialTimeout = d
		}
	}
}

// WithBreaker 设置连续失败多少次后熔断以及熔断冷却时间。
func WithBreaker(failures uint32, cooldown time.Duration) Option {
	return func(r *Registry) {
		if failures > 0 {
			r.failures = failures
		}
		if cooldown > 0 {
			r.cooldown = cooldown
		}
	}
}

// WithGasBuffer 设置估算 gas 后追加的百分比。
func WithGasBuffer(percent int) Option {
	return func(r *Registry) {
		if percent >= 0 {
			r.gasBuffer = percent
		}
	}
}

// NewRegistry 根据链定义构造注册表，不会立即建立任何连接。
func NewRegistry(defs web3.ChainDefinitions, opts ...Option) (*Registry, error) {
	if len(defs.Networks) == 0 {
		return nil, errors.New("未配置任何网络的 RPC 端点")
	}
	r := &Registry{
		defs:        defs,
		dialTimeout: defaultDialTimeout,
		failures:    defaultBreakerFailures,
		cooldown:    defaultBreakerCooldown,
		gasBuffer:   20,
		breakers:    make(map[web3.Network]*gobreaker.CircuitBreaker[web3.Chain], len(defs.Networks)),
	}
	r.dial = r.dialEVM
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	for network := range defs.Networks {
		r.breakers[network] = r.newBreaker(network)
	}
	return r, nil
}

func (r *Registry) newBreaker(network web3.Network) *gobreaker.CircuitBreaker[web3.Chain] {
	failures := r.failures
	return gobreaker.NewCircuitBreaker[web3.Chain](gobreaker.Settings{
		Name:        "dial:" + string(network),
		MaxRequests: 1,
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.L().Warn("网络熔断器状态变化",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

func (r *Registry) dialEVM(ctx context.Context, network web3.Network, def web3.NetworkDefinition) (web3.Chain, error) {
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:             string(network),
		RPCURL:           def.RPCURL,
		ChainID:          def.ChainIDBig(),
		GasBufferPercent: r.gasBuffer,
		Notes:            def.Description,
	})
}

// Dial 通过熔断器建立到 network 的新连接。失败统一包装为 CONNECTION_FAILED。
func (r *Registry) Dial(ctx context.Context, network web3.Network) (web3.Chain, error) {
	def, ok := r.defs.Network(network)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("network %q is not configured", network))
	}
	breaker := r.breakers[network]

	chain, err := breaker.Execute(func() (web3.Chain, error) {
		dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
		defer cancel()
		return r.dial(dialCtx, network, def)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, fmt.Sprintf("network %s is temporarily unavailable", network))
		}
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, fmt.Sprintf("connect to %s failed", network))
	}
	return chain, nil
}

// Definition returns the network definition.
func (r *Registry) Definition(network web3.Network) (web3.NetworkDefinition, bool) {
	return r.defs.Network(network)
}

// Networks returns the configured network names.
func (r *Registry) Networks() []web3.Network {
	names := make([]web3.Network, 0, len(r.defs.Networks))
	for name := range r.defs.Networks {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// BreakerState 返回指定网络熔断器的当前状态。
func (r *Registry) BreakerState(network web3.Network) string {
	breaker, ok := r.breakers[network]
	if !ok {
		return "unknown"
	}
	return breaker.State().String()
}
