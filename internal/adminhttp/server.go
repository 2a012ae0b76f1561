// Package adminhttp implements the read-only operator surface (SPEC_FULL
// §4.7): /healthz, /queue, and /catalog. It is deliberately stdlib-only —
// net/http and encoding/json, no router library — because the surface is
// three GET endpoints with no streaming, no auth, and no request body;
// nothing here needs anything ServeMux and json.Encoder don't already do.
//
// Grounded on internal/gateway/gateway.go's Handler()/handleHealthz()
// mux-and-plain-JSON shape, trimmed to the read-only subset: the producer
// edge (enqueue/subscribe/cancel) is explicitly out of this package's
// scope and lives in cmd/jobqueued's own handlers instead.
package adminhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/edgecoord/jobqueue/internal/catalog"
	"github.com/edgecoord/jobqueue/internal/jobstore"
	"github.com/edgecoord/jobqueue/internal/residency"
)

// JobStore is the subset of jobstore.Store the admin surface needs.
type JobStore interface {
	QueueSnapshot(ctx context.Context) (*jobstore.QueueSnapshot, error)
}

// Residency is the subset of residency.Manager the admin surface needs.
type Residency interface {
	LoadedModel() string
	State() residency.State
}

// Catalog is the subset of catalog.Service the admin surface needs.
type Catalog interface {
	Catalog(ctx context.Context) ([]catalog.Entry, error)
}

// Server serves the read-only admin HTTP surface.
type Server struct {
	store     JobStore
	residency Residency
	catalog   Catalog
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Server.
func New(store JobStore, residency Residency, cat Catalog, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, residency: residency, catalog: cat, logger: logger, startedAt: time.Now()}
}

// Handler returns the mux routing the three read-only endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/catalog", s.handleCatalog)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.store.QueueSnapshot(ctx); err != nil {
		dbOK = false
	}

	payload := map[string]any{
		"healthy":       dbOK,
		"db_ok":         dbOK,
		"uptime_sec":    int(time.Since(s.startedAt).Seconds()),
		"loaded_model":  s.residency.LoadedModel(),
		"residency_state": s.residency.State(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("adminhttp_encode_failed", slog.String("endpoint", "/healthz"), slog.Any("error", err))
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.QueueSnapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Error("adminhttp_encode_failed", slog.String("endpoint", "/queue"), slog.Any("error", err))
	}
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.catalog.Catalog(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		s.logger.Error("adminhttp_encode_failed", slog.String("endpoint", "/catalog"), slog.Any("error", err))
	}
}
