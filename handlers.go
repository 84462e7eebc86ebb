package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kwv/geodedup/dedup"
)

// clusterDetail is the /clusters/{parent} response
type clusterDetail struct {
	Parent     dedup.FeatureID   `json:"parent"`
	Children   []dedup.FeatureID `json:"children"`
	Attributes map[string]any    `json:"attributes,omitempty"`
}

// newRouter creates the HTTP handler with all endpoints
func newRouter(a *App) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(requestLogger(a.Logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			RunID     string    `json:"runId,omitempty"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
		}
		if res := a.Result(); res != nil {
			status.RunID = res.RunID
		}
		writeJSON(w, http.StatusOK, status)
	})

	r.Get("/clusters", func(w http.ResponseWriter, r *http.Request) {
		res := a.Result()
		if res == nil {
			writeError(w, http.StatusServiceUnavailable, "no clustering pass has completed")
			return
		}
		writeJSON(w, http.StatusOK, struct {
			RunID    string          `json:"runId"`
			Stats    dedup.Stats     `json:"stats"`
			Clusters []dedup.Cluster `json:"clusters"`
		}{res.RunID, res.Stats(), res.ClusterList()})
	})

	r.Get("/clusters/{parent}", func(w http.ResponseWriter, r *http.Request) {
		res := a.Result()
		if res == nil {
			writeError(w, http.StatusServiceUnavailable, "no clustering pass has completed")
			return
		}
		id, err := strconv.ParseUint(chi.URLParam(r, "parent"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "parent must be a feature id")
			return
		}
		parent := dedup.FeatureID(id)
		children, ok := res.Clusters[parent]
		if !ok {
			writeError(w, http.StatusNotFound, "no cluster with that parent")
			return
		}

		detail := clusterDetail{Parent: parent, Children: children}
		if f, err := a.feature(parent); err == nil {
			detail.Attributes = make(map[string]any, len(f.Attributes))
			for _, attr := range f.Attributes {
				if attr.Err == nil {
					detail.Attributes[attr.Name] = attr.Value
				}
			}
		}
		writeJSON(w, http.StatusOK, detail)
	})

	r.Get("/render.svg", func(w http.ResponseWriter, r *http.Request) {
		a.renderTo(w, "image/svg+xml", (*dedup.ClusterRenderer).RenderToSVG)
	})
	r.Get("/render.png", func(w http.ResponseWriter, r *http.Request) {
		a.renderTo(w, "image/png", (*dedup.ClusterRenderer).RenderToPNG)
	})

	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	return r
}

// feature reads one feature under the store lock
func (a *App) feature(id dedup.FeatureID) (*dedup.Feature, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.store == nil {
		return nil, dedup.ErrFeatureNotFound
	}
	return a.store.Feature(id)
}

// renderTo draws the latest result. The store cursor is exclusive, so
// renders hold the write lock.
func (a *App) renderTo(w http.ResponseWriter, contentType string, render func(*dedup.ClusterRenderer, io.Writer) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result == nil || a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no clustering pass has completed")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	if err := render(dedup.NewClusterRenderer(a.store, a.result), w); err != nil {
		a.Logger.Error("rendering clusters", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requestLogger logs each request at debug level
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chiMiddleware.GetReqID(r.Context())))
		})
	}
}
