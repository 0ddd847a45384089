package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"freegamesbot/internal/notifier"
	"freegamesbot/internal/storage"
	logx "freegamesbot/pkg/logx"
)

const maxIngestBytes = 4 << 20

// Ingester accepts items pushed by an external scraper.
type Ingester interface {
	Ingest(ctx context.Context, items []storage.Item) (notifier.IngestResult, error)
}

// Deps are the server's data sources; nil fields disable their endpoint.
type Deps struct {
	// Gatherer backs /metrics; nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// Healthy backs /healthz; nil always reports ok.
	Healthy func() bool
	// Stats backs /stats with any JSON-encodable value.
	Stats  func(ctx context.Context) any
	Ingest Ingester
}

// Handler builds the routing table. Every endpoint sits behind cfg.Token
// when it is set.
func Handler(cfg Config, deps Deps, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		if deps.Healthy != nil && !deps.Healthy() {
			http.Error(w, "degraded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	mux.Handle("GET /metrics", wrap(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP))

	if deps.Stats != nil {
		mux.HandleFunc("GET /stats", wrap(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, deps.Stats(r.Context()))
		}))
	}
	if deps.Ingest != nil {
		mux.HandleFunc("POST /items", wrap(ingestHandler(deps.Ingest, log)))
	}
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func ingestHandler(in Ingester, log logx.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxIngestBytes))
		dec.DisallowUnknownFields()
		var items []storage.Item
		if err := dec.Decode(&items); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
		res, err := in.Ingest(r.Context(), items)
		if err != nil {
			log.Error("ingest failed", logx.Int("items", len(items)), logx.Err(err))
			status := http.StatusInternalServerError
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		log.Info("items ingested", logx.Int("received", res.Received), logx.Int("new", res.New), logx.Int("queued", res.Queued))
		writeJSON(w, http.StatusOK, res)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if tokenEqual(got, tok) {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && tokenEqual(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
