// Package executor 串行化每个代理的交易提交，并负责重试、回退与错误分类。
package executor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"ChainTrader/internal/clientfactory"
	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/observability/alerting"
	"ChainTrader/internal/observability/metrics"
	"ChainTrader/internal/web3"
	"ChainTrader/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

// 默认重试参数。
const (
	DefaultMaxAttempts  = 3
	DefaultBaseBackoff  = 200 * time.Millisecond
	DefaultMaxBackoff   = 5 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// Clients 是执行器依赖的客户端工厂能力。
type Clients interface {
	Acquire(ctx context.Context, agentID string, network web3.Network) (*clientfactory.Handle, error)
	MarkFailed(h *clientfactory.Handle)
}

// Operation 描述一次写操作。Build 在持有代理锁时调用，可安全读取序号相关状态。
type Operation struct {
	Function string
	Build    func(ctx context.Context, from common.Address) (web3.TxRequest, map[string]any, error)
}

// Receipt 是返回给调用方的规范化回执。
type Receipt struct {
	TxHash      string         `json:"tx_hash"`
	Nonce       uint64         `json:"nonce"`
	Status      string         `json:"status"`
	BlockNumber uint64         `json:"block_number,omitempty"`
	GasUsed     uint64         `json:"gas_used,omitempty"`
	GasWanted   uint64         `json:"gas_wanted"`
	GasFee      string         `json:"gas_fee,omitempty"`
	Attempts    int            `json:"attempts"`
	Network     string         `json:"network"`
	Summary     map[string]any `json:"summary,omitempty"`
}

// Payload 将回执转换为展示用结构。
func (r Receipt) Payload() map[string]any {
	out := map[string]any{
		"tx_hash":    r.TxHash,
		"nonce":      r.Nonce,
		"status":     r.Status,
		"gas_wanted": r.GasWanted,
		"attempts":   r.Attempts,
		"network":    r.Network,
	}
	if r.BlockNumber > 0 {
		out["block_number"] = r.BlockNumber
	}
	if r.GasUsed > 0 {
		out["gas_used"] = r.GasUsed
	}
	if r.GasFee != "" {
		out["gas_fee"] = r.GasFee
	}
	for k, v := range r.Summary {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}

// Config 控制重试与确认行为。
type Config struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	Jitter         bool
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// BroadcastRPS 为每个网络的广播速率上限，0 表示不限速。
	BroadcastRPS float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Executor 提交写操作。同一代理的提交严格按到达顺序串行执行。
type Executor struct {
	clients Clients
	cfg     Config
	locks   *agentLocks
	alerts  alerting.Dispatcher
	sleep   func(ctx context.Context, d time.Duration) error
	log     *slog.Logger

	limiterMu sync.Mutex
	limiters  map[web3.Network]*rate.Limiter
}

// Option 定制执行器。
type Option func(*Executor)

// WithConfig 设置重试参数。
func WithConfig(cfg Config) Option {
	return func(e *Executor) { e.cfg = cfg }
}

// WithAlerts 配置告警派发器，结果不确定时触发。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Executor) { e.alerts = d }
}

// WithSleeper 替换回退等待函数。
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// New 创建执行器。
func New(clients Clients, opts ...Option) *Executor {
	e := &Executor{
		clients:  clients,
		locks:    newAgentLocks(),
		sleep:    sleepContext,
		log:      logger.Named("executor"),
		limiters: make(map[web3.Network]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.cfg = e.cfg.withDefaults()
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff 返回第 n 次重试前的等待时间（n 从 1 开始）。
func (e *Executor) Backoff(n int) time.Duration {
	d := e.cfg.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= e.cfg.MaxBackoff {
			d = e.cfg.MaxBackoff
			break
		}
	}
	if d > e.cfg.MaxBackoff {
		d = e.cfg.MaxBackoff
	}
	if e.cfg.Jitter && d > 0 {
		d = rand.N(d + 1)
	}
	return d
}

func (e *Executor) limiter(network web3.Network) *rate.Limiter {
	if e.cfg.BroadcastRPS <= 0 {
		return nil
	}
	e.limiterMu.Lock()
	defer e.limiterMu.Unlock()
	l, ok := e.limiters[network]
	if !ok {
		burst := int(e.cfg.BroadcastRPS)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(e.cfg.BroadcastRPS), burst)
		e.limiters[network] = l
	}
	return l
}

// Submit 在代理锁内构造、签名并广播交易。
// 传输失败会重建连接并重发同一笔已签名交易；链上拒绝立即终止；
// 重试耗尽时返回 OUTCOME_UNCERTAIN。
func (e *Executor) Submit(ctx context.Context, agentID string, network web3.Network, op Operation) (Receipt, error) {
	waitStart := time.Now()
	release, err := e.locks.Lock(ctx, agentID)
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeTimeout, err, "waiting for agent submission slot")
	}
	defer release()
	metrics.ObserveLockWait(string(network), time.Since(waitStart))

	h, err := e.clients.Acquire(ctx, agentID, network)
	if err != nil {
		return Receipt{}, err
	}

	req, summary, err := op.Build(ctx, h.Address)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return Receipt{}, err
		}
		return Receipt{}, xerrors.New(xerrors.CodeSchemaViolation, err.Error())
	}

	nonce, err := h.NextNonce(ctx)
	if err != nil {
		e.clients.MarkFailed(h)
		return Receipt{}, preBroadcastError(err, "read account sequence")
	}
	tx, err := h.Chain.SignTransaction(ctx, h.Key(), nonce, req)
	if err != nil {
		if web3.IsTransport(err) {
			e.clients.MarkFailed(h)
		}
		return Receipt{}, preBroadcastError(err, "prepare transaction")
	}

	attempts, err := e.broadcast(ctx, agentID, network, &h, tx)
	if err != nil {
		return Receipt{}, e.failure(ctx, err, agentID, h, op.Function, tx, attempts)
	}

	h.Commit(tx.Nonce())
	release()

	logger.Audit().Info("交易已广播",
		slog.String("agent_id", agentID),
		slog.String("network", string(h.Network)),
		slog.String("function", op.Function),
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.Uint64("nonce", tx.Nonce()),
		slog.Int("attempts", attempts))

	receipt := Receipt{
		TxHash:    tx.Hash().Hex(),
		Nonce:     tx.Nonce(),
		Status:    web3.ReceiptPending,
		GasWanted: tx.Gas(),
		Attempts:  attempts,
		Network:   string(h.Network),
		Summary:   summary,
	}
	e.awaitReceipt(ctx, h, tx.Hash(), &receipt)
	return receipt, nil
}

// broadcast 执行有界重试，返回实际调用 Broadcast 的次数。重连失败不计入。
func (e *Executor) broadcast(ctx context.Context, agentID string, network web3.Network, handle **clientfactory.Handle, tx *types.Transaction) (int, error) {
	h := *handle
	var lastErr error
	sent := 0
	for try := 1; try <= e.cfg.MaxAttempts; try++ {
		if try > 1 {
			if err := e.sleep(ctx, e.Backoff(try-1)); err != nil {
				return sent, uncertain(err)
			}
			next, err := e.clients.Acquire(ctx, agentID, network)
			if err != nil {
				lastErr = err
				metrics.ObserveBroadcast(string(network), "reconnect_failed")
				continue
			}
			h = next
			*handle = h
		}

		if l := e.limiter(h.Network); l != nil {
			if err := l.Wait(ctx); err != nil {
				if sent == 0 {
					return 0, preBroadcastError(err, "wait for broadcast slot")
				}
				return sent, uncertain(err)
			}
		}

		sent++
		err := h.Chain.Broadcast(ctx, tx)
		if err == nil {
			metrics.ObserveBroadcast(string(h.Network), "accepted")
			return sent, nil
		}

		if reason, ok := web3.RejectionReason(err); ok {
			switch {
			case reason == web3.ReasonAlreadyKnown:
				// 之前的广播已被节点接收。
				metrics.ObserveBroadcast(string(h.Network), "already_known")
				return sent, nil
			case reason == web3.ReasonInvalidSequence && sent > 1:
				// 之前的广播可能已上链并消耗了该序号。
				return sent, e.resolveSequence(ctx, h, tx, err)
			}
			metrics.ObserveBroadcast(string(h.Network), "rejected")
			return sent, err
		}

		if !web3.IsTransport(err) {
			metrics.ObserveBroadcast(string(h.Network), "unknown")
			return sent, uncertain(err)
		}

		metrics.ObserveBroadcast(string(h.Network), "transport")
		lastErr = err
		e.log.Warn("广播失败，准备重连重试",
			slog.String("agent_id", agentID),
			slog.String("network", string(h.Network)),
			slog.String("tx_hash", tx.Hash().Hex()),
			slog.Int("attempt", sent),
			slog.String("error", err.Error()))
		e.clients.MarkFailed(h)
	}
	return sent, uncertain(lastErr)
}

// resolveSequence 在重发遇到序号过低时查询本交易回执：已上链视为成功，否则结果不确定。
func (e *Executor) resolveSequence(ctx context.Context, h *clientfactory.Handle, tx *types.Transaction, rejection error) error {
	r, err := h.Chain.Receipt(ctx, tx.Hash())
	if err == nil && r != nil {
		metrics.ObserveBroadcast(string(h.Network), "already_included")
		return nil
	}
	metrics.ObserveBroadcast(string(h.Network), "sequence_consumed")
	if err != nil {
		return uncertain(fmt.Errorf("%w (receipt lookup: %v)", rejection, err))
	}
	return uncertain(rejection)
}

type uncertainError struct{ err error }

func (u *uncertainError) Error() string { return fmt.Sprintf("outcome uncertain: %v", u.err) }
func (u *uncertainError) Unwrap() error { return u.err }

func uncertain(err error) error { return &uncertainError{err: err} }

func (e *Executor) failure(ctx context.Context, err error, agentID string, h *clientfactory.Handle, function string, tx *types.Transaction, attempts int) error {
	var u *uncertainError
	if stdErrors.As(err, &u) {
		return e.uncertainFailure(ctx, u, agentID, h, function, tx, attempts)
	}
	if reason, ok := web3.RejectionReason(err); ok {
		if reason == web3.ReasonInvalidSequence {
			h.ResetSequence()
		}
		e.log.Info("交易被链拒绝",
			slog.String("agent_id", agentID),
			slog.String("network", string(h.Network)),
			slog.String("reason", reason))
		return xerrors.Wrap(xerrors.CodeChainRejected, err, reason,
			xerrors.WithMetadata("reason", reason),
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return e.uncertainFailure(ctx, &uncertainError{err: err}, agentID, h, function, tx, attempts)
}

func (e *Executor) uncertainFailure(ctx context.Context, err *uncertainError, agentID string, h *clientfactory.Handle, function string, tx *types.Transaction, attempts int) error {
	h.ResetSequence()
	coded := xerrors.Wrap(xerrors.CodeOutcomeUncertain, err, "transaction may or may not have been included",
		xerrors.WithMetadata("tx_hash", tx.Hash().Hex()),
		xerrors.WithMetadata("nonce", strconv.FormatUint(tx.Nonce(), 10)),
		xerrors.WithMetadata("attempts", strconv.Itoa(attempts)))

	e.log.Error("交易结果不确定",
		slog.String("agent_id", agentID),
		slog.String("network", string(h.Network)),
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.Int("attempts", attempts))

	if e.alerts != nil {
		event := alerting.FromError(coded)
		event.AgentID = agentID
		event.Network = string(h.Network)
		event.Function = function
		event.Attempts = attempts
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if alertErr := e.alerts.Notify(alertCtx, event); alertErr != nil {
			e.log.Warn("告警发送失败", slog.String("error", alertErr.Error()))
		}
	}
	return coded
}

func preBroadcastError(err error, op string) error {
	if reason, ok := web3.RejectionReason(err); ok {
		return xerrors.Wrap(xerrors.CodeChainRejected, err, reason, xerrors.WithMetadata("reason", reason))
	}
	if web3.IsTransport(err) {
		return xerrors.Wrap(xerrors.CodeConnectionFailed, err, op)
	}
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, op)
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeUnknown, err, op)
}

// awaitReceipt 在 ConfirmTimeout 内轮询回执；超时后保持 pending。
func (e *Executor) awaitReceipt(ctx context.Context, h *clientfactory.Handle, hash common.Hash, out *Receipt) {
	if e.cfg.ConfirmTimeout <= 0 {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()
	for {
		r, err := h.Chain.Receipt(waitCtx, hash)
		if err == nil && r != nil {
			out.Status = r.Status
			out.BlockNumber = r.BlockNumber
			out.GasUsed = r.GasUsed
			if r.GasFee != nil {
				out.GasFee = r.GasFee.String()
			}
			return
		}
		if err := e.sleep(waitCtx, e.cfg.PollInterval); err != nil {
			return
		}
	}
}
