package api

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// method wraps a handler so only the given HTTP method reaches it.
func method(m string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

func NewRouter(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/session", method(http.MethodGet, h.HandleGetSession))
	mux.HandleFunc("/mic/press", method(http.MethodPost, h.HandlePress))
	mux.HandleFunc("/mic/release", method(http.MethodPost, h.HandleRelease))
	mux.HandleFunc("/events", method(http.MethodGet, h.HandleListEvents))
	mux.HandleFunc("/usage", method(http.MethodGet, h.HandleUsage))
	mux.HandleFunc("/rules", method(http.MethodPut, h.HandlePutRules))
	mux.HandleFunc("/ws/device", method(http.MethodGet, h.HandleDeviceWS))

	return mux
}

// LogMiddleware logs every request with its latency.
func LogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[api] %s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
