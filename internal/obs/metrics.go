package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Gateway-specific metrics.
var (
	tokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_token_verifications_total",
			Help: "Access and refresh token verifications by outcome.",
		},
		[]string{"token", "result"},
	)

	revocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_revocations_total",
			Help: "Deny-list insertions by entry kind and outcome.",
		},
		[]string{"kind", "result"},
	)

	routeCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_route_cache_lookups_total",
			Help: "Route resolver cache lookups (hit, miss).",
		},
		[]string{"result"},
	)

	upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_upstream_errors_total",
			Help: "Proxied requests that failed before the upstream answered.",
		},
		[]string{"service", "kind"},
	)

	provisioningRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_provisioning_runs_total",
			Help: "Organization provisioning runs by result and failing step.",
		},
		[]string{"result", "step"},
	)

	provisioningDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshgate_provisioning_duration_seconds",
		Help:    "Wall time of organization provisioning runs.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshgate_ready",
		Help: "1 when the gateway's backing stores answered the last readiness check.",
	})
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			tokenVerifications, revocations, routeCacheLookups, upstreamErrors,
			provisioningRuns, provisioningDuration, ready,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers so the path label stays low-cardinality.
// The segment after "organizations" or "users" becomes ":id", the next segment
// is kept and anything deeper becomes "*".
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	for i, s := range segs {
		if i > 0 && s != "" && (segs[i-1] == "organizations" || segs[i-1] == "users") {
			out = append(out, ":id")
			if i+1 < len(segs) {
				out = append(out, segs[i+1])
			}
			if i+2 < len(segs) {
				out = append(out, "*")
			}
			break
		}
		out = append(out, s)
	}
	return strings.Join(out, "/")
}

// ObserveTokenVerification counts a verification of kind token ("access", "refresh").
func ObserveTokenVerification(token, result string) {
	tokenVerifications.WithLabelValues(token, result).Inc()
}

// ObserveRevocation counts a deny-list write for kind ("jwt", "user").
func ObserveRevocation(kind, result string) {
	revocations.WithLabelValues(kind, result).Inc()
}

// ObserveRouteCache counts a route cache hit or miss.
func ObserveRouteCache(hit bool) {
	if hit {
		routeCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	routeCacheLookups.WithLabelValues("miss").Inc()
}

// ObserveUpstreamError counts a proxy failure for service.
func ObserveUpstreamError(service string, timeout bool) {
	kind := "connect"
	if timeout {
		kind = "timeout"
	}
	upstreamErrors.WithLabelValues(service, kind).Inc()
}

// ObserveProvisioning records the outcome of a provisioning run. step is empty on success.
func ObserveProvisioning(step string, d time.Duration) {
	result := "success"
	if step != "" {
		result = "failure"
	}
	provisioningRuns.WithLabelValues(result, step).Inc()
	provisioningDuration.Observe(d.Seconds())
}

// SetReady publishes the last readiness check outcome.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
