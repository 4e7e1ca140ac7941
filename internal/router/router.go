// Package router 将函数调用分派到只读查询或交易执行器，并规范化结果。
package router

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"ChainTrader/internal/clientfactory"
	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/events"
	"ChainTrader/internal/executor"
	"ChainTrader/internal/observability/metrics"
	"ChainTrader/internal/registry"
	"ChainTrader/internal/session"
	"ChainTrader/internal/web3"
	"ChainTrader/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultReadTimeout 是单次只读查询的超时。
const DefaultReadTimeout = 10 * time.Second

// Clients 是路由依赖的客户端工厂能力。
type Clients interface {
	EffectiveNetwork(ctx context.Context, agentID string, override web3.Network) (web3.Network, error)
	Acquire(ctx context.Context, agentID string, override web3.Network) (*clientfactory.Handle, error)
	MarkFailed(h *clientfactory.Handle)
}

// Submitter 是交易执行器。
type Submitter interface {
	Submit(ctx context.Context, agentID string, network web3.Network, op executor.Operation) (executor.Receipt, error)
}

// Sessions 是路由需要的会话能力。
type Sessions interface {
	Get(id string) (session.Session, error)
	AppendTurn(sessionID string, turn session.Turn) (session.Turn, error)
}

// Router 分派函数调用。
type Router struct {
	registry       *registry.Registry
	sessions       Sessions
	clients        Clients
	executor       Submitter
	emitter        *events.Emitter
	readTimeout    time.Duration
	defaultNetwork web3.Network
	log            *slog.Logger
}

// Option 定制 Router。
type Option func(*Router)

// WithReadTimeout 设置只读查询超时。
func WithReadTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.readTimeout = d
		}
	}
}

// WithEmitter 设置事件发布器。
func WithEmitter(em *events.Emitter) Option {
	return func(r *Router) { r.emitter = em }
}

// WithDefaultNetwork 设置无需代理的函数在会话未指定网络时使用的网络。
func WithDefaultNetwork(n web3.Network) Option {
	return func(r *Router) {
		if n != "" {
			r.defaultNetwork = n
		}
	}
}

// New 创建路由。
func New(reg *registry.Registry, sessions Sessions, clients Clients, submitter Submitter, opts ...Option) *Router {
	r := &Router{
		registry:       reg,
		sessions:       sessions,
		clients:        clients,
		executor:       submitter,
		readTimeout:    DefaultReadTimeout,
		defaultNetwork: web3.Testnet,
		log:            logger.Named("router"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Registry 返回函数目录。
func (r *Router) Registry() *registry.Registry { return r.registry }

// Dispatch 执行一次函数调用。任何失败都体现在结果中，不会返回 Go 错误。
func (r *Router) Dispatch(ctx context.Context, req session.FunctionCall) session.FunctionResult {
	start := time.Now()
	sess, err := r.sessions.Get(req.SessionID)
	if err != nil {
		return session.Failed(err)
	}

	trace := dispatchTrace{agentID: sess.ActiveAgentID}
	payload, err := r.dispatch(ctx, sess, req, &trace)

	var result session.FunctionResult
	outcome := "ok"
	if err != nil {
		result = session.Failed(err)
		outcome = string(xerrors.CodeOf(err))
	} else {
		result = session.Succeeded(payload)
	}
	elapsed := time.Since(start)
	metrics.ObserveDispatch(req.Name, string(trace.tag), outcome, elapsed)

	call := req
	recorded := result
	if _, err := r.sessions.AppendTurn(req.SessionID, session.Turn{
		Kind:   session.TurnFunction,
		Call:   &call,
		Result: &recorded,
	}); err != nil {
		r.log.Warn("记录函数调用失败", slog.String("session_id", req.SessionID), slog.String("error", err.Error()))
	}

	evt := events.New(events.TypeDispatchCompleted)
	evt.SessionID = req.SessionID
	evt.AgentID = trace.agentID
	evt.Network = string(trace.network)
	evt.Function = req.Name
	evt.Tag = string(trace.tag)
	evt.OK = result.OK
	evt.TxHash = trace.txHash
	evt.LatencyMS = elapsed.Milliseconds()
	if result.Error != nil {
		evt.ErrorKind = result.Error.Kind
	}
	r.emitter.Emit(ctx, evt)

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	r.log.Log(ctx, level, "函数调用完成",
		slog.String("session_id", req.SessionID),
		slog.String("function", req.Name),
		slog.String("agent_id", trace.agentID),
		slog.String("network", string(trace.network)),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", elapsed))
	return result
}

type dispatchTrace struct {
	agentID string
	network web3.Network
	tag     registry.Tag
	txHash  string
}

func (r *Router) dispatch(ctx context.Context, sess session.Session, req session.FunctionCall, trace *dispatchTrace) (map[string]any, error) {
	fn, err := r.registry.Resolve(req.Name)
	if err != nil {
		return nil, err
	}
	trace.tag = fn.Tag

	args, err := r.registry.Validate(req.Name, req.Arguments)
	if err != nil {
		return nil, err
	}

	agentID := sess.ActiveAgentID
	if fn.NeedsAgent && agentID == "" {
		return nil, xerrors.New(xerrors.CodeNoActiveAgent, "no active agent selected for this session")
	}

	network, err := r.effectiveNetwork(ctx, sess)
	if err != nil {
		return nil, err
	}
	trace.network = network

	def, err := r.registry.CheckNetwork(fn, network, args)
	if err != nil {
		return nil, err
	}

	if fn.Tag == registry.TagWrite {
		receipt, err := r.executor.Submit(ctx, agentID, network, executor.Operation{
			Function: fn.Name,
			Build: func(ctx context.Context, from common.Address) (web3.TxRequest, map[string]any, error) {
				return fn.Build(ctx, registry.BuildEnv{Network: network, Def: def, From: from}, args)
			},
		})
		if err != nil {
			if coded, ok := xerrors.From(err); ok {
				trace.txHash = coded.Metadata()["tx_hash"]
			}
			return nil, err
		}
		trace.txHash = receipt.TxHash
		return receipt.Payload(), nil
	}

	return r.read(ctx, fn, agentID, network, def, args)
}

func (r *Router) effectiveNetwork(ctx context.Context, sess session.Session) (web3.Network, error) {
	if sess.ActiveNetwork != "" {
		return sess.ActiveNetwork, nil
	}
	if sess.ActiveAgentID == "" {
		return r.defaultNetwork, nil
	}
	return r.clients.EffectiveNetwork(ctx, sess.ActiveAgentID, "")
}

// read 执行只读查询，不经过执行器，也不获取代理锁。传输失败不重试。
func (r *Router) read(ctx context.Context, fn *registry.Function, agentID string, network web3.Network, def web3.NetworkDefinition, args registry.Args) (map[string]any, error) {
	readCtx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	env := registry.ReadEnv{Network: network, Def: def}
	var handle *clientfactory.Handle
	if fn.NeedsAgent {
		h, err := r.clients.Acquire(readCtx, agentID, network)
		if err != nil {
			return nil, err
		}
		handle = h
		env.Chain = h.Chain
		env.Address = h.Address
	}

	payload, err := fn.Read(readCtx, env, args)
	if err == nil {
		return payload, nil
	}
	if handle != nil && web3.IsTransport(err) {
		r.clients.MarkFailed(handle)
	}
	return nil, classifyRead(readCtx, err)
}

func classifyRead(ctx context.Context, err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	switch {
	case ctx.Err() != nil && stdErrors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, "query timed out")
	case web3.IsTransport(err):
		return xerrors.Wrap(xerrors.CodeConnectionFailed, err, "query failed: "+err.Error())
	}
	if reason, ok := web3.RejectionReason(err); ok {
		return xerrors.Wrap(xerrors.CodeChainRejected, err, reason, xerrors.WithMetadata("reason", reason))
	}
	return xerrors.Wrap(xerrors.CodeUnknown, err, err.Error())
}
