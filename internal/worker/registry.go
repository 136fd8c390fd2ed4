package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Registry holds the worker controlling the edge and serves requests
// through it.
type Registry struct {
	upstream *url.URL
	logger   *logrus.Logger

	active atomic.Pointer[Worker]
	// serializes registrations
	mu sync.Mutex
}

func NewRegistry(upstream *url.URL, logger *logrus.Logger) *Registry {
	return &Registry{upstream: upstream, logger: logger}
}

// Active returns the controlling worker, or nil before the first registration.
func (r *Registry) Active() *Worker {
	return r.active.Load()
}

// Register installs and activates w, then makes it the controlling worker.
// The previous worker is retired once w has claimed.
func (r *Registry) Register(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := w.Install(ctx); err != nil {
		return fmt.Errorf("install %s: %w", w.Generation(), err)
	}

	var previous *Worker
	err := w.Activate(ctx, func(next *Worker) {
		previous = r.active.Swap(next)
	})
	if err != nil {
		return fmt.Errorf("activate %s: %w", w.Generation(), err)
	}

	if previous != nil && previous != w {
		go previous.Retire()
	}
	r.logger.WithField("generation", w.Generation()).Info("Edge worker activated")
	return nil
}

// Wait drains background work of the controlling worker.
func (r *Registry) Wait() {
	if w := r.Active(); w != nil {
		if router := w.Router(); router != nil {
			router.Drain()
		}
	}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (r *Registry) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	worker := r.Active()
	if worker == nil || worker.Router() == nil {
		writeError(rw, http.StatusServiceUnavailable, "edge worker not active")
		return
	}

	out := req.Clone(req.Context())
	out.URL = r.upstream.ResolveReference(&url.URL{Path: req.URL.Path, RawQuery: req.URL.RawQuery})
	out.Host = out.URL.Host
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	result, err := worker.Router().Handle(out)
	if err != nil {
		log := r.logger.WithError(err).WithField("url", out.URL.String())
		if errors.Is(err, ErrNoShell) {
			log.Warn("Navigation failed with no cached shell")
			writeError(rw, http.StatusGatewayTimeout, "offline and no cached page available")
			return
		}
		log.Warn("Upstream request failed")
		writeError(rw, http.StatusBadGateway, "upstream unavailable")
		return
	}

	resp := result.Response
	defer resp.Body.Close()

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for name, values := range resp.Header {
		for _, v := range values {
			rw.Header().Add(name, v)
		}
	}
	rw.Header().Set("X-Cache-Strategy", result.Strategy.String())
	if result.FromCache {
		rw.Header().Set("X-Cache", "HIT")
	} else {
		rw.Header().Set("X-Cache", "MISS")
	}
	rw.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(rw, resp.Body); err != nil {
		r.logger.WithError(err).Debug("Failed to copy response body")
	}
}

func writeError(rw http.ResponseWriter, status int, message string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(map[string]string{"error": message})
}
