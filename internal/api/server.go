package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ChainTrader/internal/auth"
	"ChainTrader/internal/credential"
	"ChainTrader/internal/events"
	"ChainTrader/internal/observability/metrics"
	"ChainTrader/internal/orchestrator"
	"ChainTrader/internal/session"
	"ChainTrader/pkg/logger"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Version 是 API 返回的版本号。
const Version = "1.0.0"

// Chatter 处理自然语言对话。
type Chatter interface {
	Chat(ctx context.Context, in orchestrator.ChatInput) (orchestrator.ChatOutput, error)
}

// Dispatcher 直接执行函数调用。
type Dispatcher interface {
	Dispatch(ctx context.Context, req session.FunctionCall) session.FunctionResult
}

// Sessions 是 API 对会话管理器的依赖。
type Sessions interface {
	GetOrCreate(id string) (session.Session, bool)
	History(sessionID string) ([]session.Turn, error)
	Clear(sessionID string) error
	SetActiveAgent(ctx context.Context, sessionID, agentID string) (session.Session, error)
	SwitchNetwork(ctx context.Context, sessionID, network string) (session.Session, error)
	SetDebug(sessionID string, debug bool) error
	List() []session.Summary
	Delete(sessionID string) error
}

// Agents 是 API 对凭据存储的依赖。
type Agents interface {
	Create(ctx context.Context, id string, network string, importedKey string) (credential.AgentView, error)
	Get(ctx context.Context, id string) (credential.AgentView, error)
	List(ctx context.Context) ([]credential.AgentView, error)
	SetNetwork(ctx context.Context, id string, network string) (credential.AgentView, error)
	Delete(ctx context.Context, id string) error
}

// Deps 汇总处理器依赖。Chat 为空时 /chat 返回 503。
type Deps struct {
	Chat     Chatter
	Router   Dispatcher
	Sessions Sessions
	Agents   Agents
	Tokens   *auth.Tokens
	Events   *events.Emitter
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	deps    Deps
	handler http.Handler
	log     *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	if deps.Events == nil {
		deps.Events = events.NewEmitter(nil)
	}
	s := &Server{addr: addr, deps: deps, log: logger.Named("api")}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(observe)

	r.Get("/", s.handleRoot)
	r.Get("/ping", s.handlePing)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.deps.Tokens.Middleware())

		r.Post("/chat", s.handleChat)
		r.Post("/dispatch", s.handleDispatch)
		r.Get("/history", s.handleHistory)
		r.Post("/clear", s.handleClear)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleCreateAgent)
			r.Get("/{id}", s.handleGetAgent)
			r.Delete("/{id}", s.handleDeleteAgent)
			r.Put("/{id}/network", s.handleAgentNetwork)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Delete("/{id}", s.handleDeleteSession)
			r.Put("/{id}/debug", s.handleSessionDebug)
			r.Put("/{id}/agent", s.handleSessionAgent)
			r.Put("/{id}/network", s.handleSessionNetwork)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// observe 以路由模板为标签记录请求指标。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}
