// Package adminapi exposes the operator surface of the deposit client over
// HTTP: connection status, forced reconnects, source management and the
// diagnostic log.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/onemorebsmith/deposit-ingest/src/depositclient"
	"github.com/onemorebsmith/deposit-ingest/src/diaglog"
	"github.com/onemorebsmith/deposit-ingest/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Registry interface {
	Stats() map[model.SourceID]depositclient.SupervisorStats
	ReconnectAll(ctx context.Context) error
	AddSource(source model.DepositSource)
	RemoveSource(id model.SourceID)
}

type Diagnostics interface {
	Query(sourceID *model.SourceID) []diaglog.Entry
	Clear()
}

// HealthCheck is one dependency probed by /readyz
type HealthCheck func(ctx context.Context) error

const requestTimeout = 30 * time.Second

type handler struct {
	registry Registry
	diag     Diagnostics
	logger   *zap.Logger
}

func NewRouter(registry Registry, diag Diagnostics, checks map[string]HealthCheck, logger *zap.Logger) http.Handler {
	h := &handler{
		registry: registry,
		diag:     diag,
		logger:   logger.Named("admin"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/readyz", ReadyzHandler(checks))
	r.Route("/connections", func(cr chi.Router) {
		cr.Get("/", h.listConnections)
		cr.Post("/reconnect", h.reconnectAll)
	})
	r.Route("/logs", func(lr chi.Router) {
		lr.Get("/", h.queryLogs)
		lr.Delete("/", h.clearLogs)
	})
	r.Route("/sources/{id}", func(sr chi.Router) {
		sr.Put("/", h.putSource)
		sr.Delete("/", h.deleteSource)
	})
	return r
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed writing response", zap.Error(err))
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ReadyzHandler answers 200 once every check passes, 500 with the first failure otherwise
func ReadyzHandler(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return func(w http.ResponseWriter, r *http.Request) {
		for _, name := range names {
			if err := checks[name](r.Context()); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(errors.Wrapf(err, "failed pinging %s", name).Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (h *handler) listConnections(w http.ResponseWriter, _ *http.Request) {
	stats := h.registry.Stats()
	out := make([]depositclient.SupervisorStats, 0, len(stats))
	for _, s := range stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handler) reconnectAll(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.ReconnectAll(r.Context()); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) queryLogs(w http.ResponseWriter, r *http.Request) {
	var sourceID *model.SourceID
	if raw := r.URL.Query().Get("source_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid source_id"))
			return
		}
		sid := model.SourceID(id)
		sourceID = &sid
	}
	h.writeJSON(w, http.StatusOK, h.diag.Query(sourceID))
}

func (h *handler) clearLogs(w http.ResponseWriter, _ *http.Request) {
	h.diag.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func pathSourceID(r *http.Request) (model.SourceID, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid source id %q", chi.URLParam(r, "id"))
	}
	return model.SourceID(id), nil
}

func (h *handler) putSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	source := model.DepositSource{}
	if err := json.NewDecoder(r.Body).Decode(&source); err != nil {
		h.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid source"))
		return
	}
	source.ID = id
	h.logger.Info("source updated through admin api", zap.Int64("source_id", int64(id)), zap.Bool("active", source.IsActive))
	h.registry.AddSource(source)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) deleteSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.logger.Info("source removed through admin api", zap.Int64("source_id", int64(id)))
	h.registry.RemoveSource(id)
	w.WriteHeader(http.StatusNoContent)
}

// Serve runs the admin api on port until ctx is cancelled
func Serve(ctx context.Context, port string, router http.Handler, logger *zap.Logger) error {
	server := &http.Server{Addr: port, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	logger.Info("starting admin api on port " + port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "admin api exited")
	}
	return nil
}
