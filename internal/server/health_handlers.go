package server

import (
	"context"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Database  string                 `json:"database"`
	Libraries int                    `json:"libraryCount"`
	Auth      bool                   `json:"authEnabled"`
	Uptime    string                 `json:"uptime"`
	Tunnel    string                 `json:"tunnel,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// handleHealthCheck returns basic liveness + dependency checks.
func (ls *LibraryServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Database:  "ok",
		Auth:      ls.authService.IsEnabled(),
		Uptime:    time.Since(ls.started).Round(time.Second).String(),
		Tunnel:    ls.ngrokService.GetPublicURL(),
		Details:   make(map[string]interface{}),
	}

	if err := ls.db.Ping(ctx); err != nil {
		health.Status = "unhealthy"
		health.Database = "error"
		health.Details["database_error"] = err.Error()
	}

	if n, err := ls.db.CountLibraries(ctx); err != nil {
		health.Details["library_count_error"] = err.Error()
	} else {
		health.Libraries = n
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	ls.respondJSON(w, status, health)
}

// staticHandler serves the web shell. Unknown paths without an extension get
// index.html so client-side routes load the app.
func (ls *LibraryServer) staticHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpFs := afero.NewHttpFs(ls.static)
		name := path.Clean("/" + r.URL.Path)

		if _, err := ls.static.Stat(name); os.IsNotExist(err) && path.Ext(name) == "" {
			name = "/index.html"
		}

		f, err := httpFs.Open(name)
		if err != nil {
			ls.respondWithError(w, r, http.StatusNotFound, "Not found", nil)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			ls.respondWithError(w, r, http.StatusInternalServerError, "Internal Server Error", err)
			return
		}
		if info.IsDir() {
			index, err := httpFs.Open(path.Join(name, "index.html"))
			if err != nil {
				ls.respondWithError(w, r, http.StatusNotFound, "Not found", nil)
				return
			}
			defer index.Close()
			if info, err = index.Stat(); err != nil {
				ls.respondWithError(w, r, http.StatusInternalServerError, "Internal Server Error", err)
				return
			}
			f = index
		}

		if strings.HasSuffix(info.Name(), ".html") {
			w.Header().Set("Cache-Control", "no-cache")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		}
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	})
}
