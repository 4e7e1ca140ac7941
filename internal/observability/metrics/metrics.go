package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chaintrader"

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	dispatches = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_total",
		Help:      "Function calls dispatched, by function, tag and outcome code.",
	}, []string{"function", "tag", "outcome"})

	dispatchLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Function call latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"function", "tag"})

	broadcasts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_attempts_total",
		Help:      "Transaction broadcast attempts, by network and result.",
	}, []string{"network", "result"})

	lockWait = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_lock_wait_seconds",
		Help:      "Time spent waiting for the per-agent submission lock.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"network"})

	clientBuilds = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_builds_total",
		Help:      "Client handle constructions, by network and result.",
	}, []string{"network", "result"})

	cachedClients = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "client_handles",
		Help:      "Client handles currently cached.",
	})

	llmRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_requests_total",
		Help:      "Language model completions, by model and status.",
	}, []string{"model", "status"})

	llmTokens = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_tokens_total",
		Help:      "Tokens consumed by language model completions.",
	}, []string{"model", "type"})

	eventsPublished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Domain events published, by type and result.",
	}, []string{"type", "result"})
)

func init() {
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Registry exposes the collector registry, mainly for tests.
func Registry() *prometheus.Registry { return registry }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveDispatch records a routed function call. outcome is "ok" or an error code.
func ObserveDispatch(function, tag, outcome string, duration time.Duration) {
	dispatches.WithLabelValues(function, tag, outcome).Inc()
	dispatchLatency.WithLabelValues(function, tag).Observe(duration.Seconds())
}

// ObserveBroadcast records one broadcast attempt.
func ObserveBroadcast(network, result string) {
	broadcasts.WithLabelValues(network, result).Inc()
}

// ObserveLockWait records how long a submission waited for its agent's turn.
func ObserveLockWait(network string, d time.Duration) {
	lockWait.WithLabelValues(network).Observe(d.Seconds())
}

// ObserveClientBuild records a client handle construction.
func ObserveClientBuild(network string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	clientBuilds.WithLabelValues(network, result).Inc()
}

// SetCachedClients reports the current client cache size.
func SetCachedClients(n int) {
	cachedClients.Set(float64(n))
}

// ObserveLLM records one language model completion.
func ObserveLLM(model string, promptTokens, completionTokens int64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	llmRequests.WithLabelValues(model, status).Inc()
	if err == nil {
		llmTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
		llmTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// ObserveEvent records a published domain event.
func ObserveEvent(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	eventsPublished.WithLabelValues(eventType, result).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
