package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"streamflix/internal/cache"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// ErrNoShell is returned when a navigation fails on the network and no shell
// document has been cached.
var ErrNoShell = errors.New("offline and no cached shell document")

// Strategy is how the router answers a request.
type Strategy int

const (
	StrategyBypass Strategy = iota
	StrategyPassthrough
	StrategyNetworkFirst
	StrategyStaleWhileRevalidate
	StrategyNetworkOnly
)

func (s Strategy) String() string {
	switch s {
	case StrategyBypass:
		return "bypass"
	case StrategyPassthrough:
		return "passthrough"
	case StrategyNetworkFirst:
		return "network-first"
	case StrategyStaleWhileRevalidate:
		return "stale-while-revalidate"
	case StrategyNetworkOnly:
		return "network-only"
	}
	return "unknown"
}

var staticDestinations = map[string]bool{
	"script":   true,
	"style":    true,
	"image":    true,
	"font":     true,
	"manifest": true,
}

// RouterOptions configures classification and the shell fallback.
type RouterOptions struct {
	// Origin is the only origin whose responses are stored. Nil accepts all.
	Origin           *url.URL
	ShellPath        string
	RefreshShell     bool
	StaticExtensions []string
}

// Result is a routed response.
type Result struct {
	Response  *http.Response
	Strategy  Strategy
	FromCache bool
}

// Router is the Cache Policy Router for one cache generation.
type Router struct {
	fetcher    Fetcher
	cache      cache.Cache
	opts       RouterOptions
	extensions map[string]bool
	logger     *logrus.Logger

	mu         sync.Mutex
	draining   bool
	background conc.WaitGroup
}

func NewRouter(fetcher Fetcher, gen cache.Cache, opts RouterOptions, logger *logrus.Logger) *Router {
	if opts.ShellPath == "" {
		opts.ShellPath = "/"
	}
	extensions := make(map[string]bool, len(opts.StaticExtensions))
	for _, ext := range opts.StaticExtensions {
		extensions[strings.ToLower(ext)] = true
	}
	return &Router{
		fetcher:    fetcher,
		cache:      gen,
		opts:       opts,
		extensions: extensions,
		logger:     logger,
	}
}

// Classify picks the strategy for req. Rules are evaluated in order and the
// first match wins.
func (r *Router) Classify(req *http.Request) Strategy {
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return StrategyBypass
	}
	if req.Method != http.MethodGet {
		return StrategyPassthrough
	}
	if isNavigation(req) {
		return StrategyNetworkFirst
	}
	if r.isStatic(req) {
		return StrategyStaleWhileRevalidate
	}
	return StrategyNetworkOnly
}

func isNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func (r *Router) isStatic(req *http.Request) bool {
	if staticDestinations[req.Header.Get("Sec-Fetch-Dest")] {
		return true
	}
	return r.extensions[strings.ToLower(path.Ext(req.URL.Path))]
}

// Handle answers req. Background revalidation outlives req's context; use
// Wait to drain it.
func (r *Router) Handle(req *http.Request) (*Result, error) {
	strategy := r.Classify(req)
	switch strategy {
	case StrategyNetworkFirst:
		return r.networkFirst(req)
	case StrategyStaleWhileRevalidate:
		return r.staleWhileRevalidate(req)
	default:
		resp, err := r.fetcher.Fetch(req)
		if err != nil {
			return nil, err
		}
		return &Result{Response: resp, Strategy: strategy}, nil
	}
}

// Drain stops scheduling background revalidations and blocks until the
// running ones finish. A drained router still answers requests.
func (r *Router) Drain() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
	r.background.Wait()
}

func (r *Router) networkFirst(req *http.Request) (*Result, error) {
	resp, err := r.fetcher.Fetch(req)
	if err == nil {
		if r.opts.RefreshShell && req.URL.Path == r.opts.ShellPath {
			r.store(req, resp)
		}
		return &Result{Response: resp, Strategy: StrategyNetworkFirst}, nil
	}

	shell := r.shellKey(req.URL)
	entry, found, cerr := r.cache.Match(shell)
	if cerr != nil {
		r.logger.WithError(cerr).Debug("Shell lookup failed")
	}
	if !found {
		return nil, fmt.Errorf("%w: %v", ErrNoShell, err)
	}

	r.logger.WithFields(logrus.Fields{
		"url":   req.URL.String(),
		"error": err,
	}).Info("Network unavailable, serving cached shell")
	return &Result{Response: entry.Response(req), Strategy: StrategyNetworkFirst, FromCache: true}, nil
}

func (r *Router) staleWhileRevalidate(req *http.Request) (*Result, error) {
	key := cache.Key(req.URL)
	entry, found, err := r.cache.Match(key)
	if err != nil {
		r.logger.WithError(err).WithField("url", key).Debug("Cache lookup failed, treating as miss")
	}

	if found {
		r.revalidate(req)
		return &Result{Response: entry.Response(req), Strategy: StrategyStaleWhileRevalidate, FromCache: true}, nil
	}

	resp, err := r.fetcher.Fetch(req)
	if err != nil {
		return nil, err
	}
	r.store(req, resp)
	return &Result{Response: resp, Strategy: StrategyStaleWhileRevalidate}, nil
}

func (r *Router) revalidate(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return
	}
	bg := req.Clone(context.WithoutCancel(req.Context()))
	r.background.Go(func() {
		resp, err := r.fetcher.Fetch(bg)
		if err != nil {
			r.logger.WithError(err).WithField("url", bg.URL.String()).Debug("Background refresh failed")
			return
		}
		r.store(bg, resp)
		resp.Body.Close()
	})
}

// store writes resp under req's URL when it is cacheable. Failures are
// swallowed; resp stays readable either way.
func (r *Router) store(req *http.Request, resp *http.Response) {
	if !r.cacheable(req, resp) {
		return
	}
	key := cache.Key(req.URL)
	entry, err := cache.Capture(key, resp)
	if err != nil {
		r.logger.WithError(err).WithField("url", key).Debug("Failed to capture response")
		return
	}
	if err := r.cache.Put(entry); err != nil {
		r.logger.WithError(err).WithField("url", key).Debug("Cache write failed")
	}
}

// cacheable accepts 200 responses from the configured origin.
func (r *Router) cacheable(req *http.Request, resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if r.opts.Origin == nil {
		return true
	}
	return strings.EqualFold(req.URL.Scheme, r.opts.Origin.Scheme) &&
		strings.EqualFold(req.URL.Host, r.opts.Origin.Host)
}

func (r *Router) shellKey(u *url.URL) string {
	shell := url.URL{Scheme: u.Scheme, Host: u.Host, Path: r.opts.ShellPath}
	return cache.Key(&shell)
}
