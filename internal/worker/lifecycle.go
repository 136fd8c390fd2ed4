package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"streamflix/internal/cache"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// State is a worker lifecycle state.
type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

// Event drives a lifecycle transition.
type Event int

const (
	EventInstalled Event = iota
	EventActivate
	EventActivated
	EventSuperseded
)

func (e Event) String() string {
	switch e {
	case EventInstalled:
		return "installed"
	case EventActivate:
		return "activate"
	case EventActivated:
		return "activated"
	case EventSuperseded:
		return "superseded"
	}
	return "unknown"
}

var (
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrWaiting           = errors.New("worker is waiting; skipWaiting was not called")
)

// Next is the lifecycle transition function.
func Next(state State, event Event) (State, error) {
	switch {
	case event == EventSuperseded:
		return StateRedundant, nil
	case state == StateInstalling && event == EventInstalled:
		return StateInstalled, nil
	case state == StateInstalled && event == EventActivate:
		return StateActivating, nil
	case state == StateActivating && event == EventActivated:
		return StateActivated, nil
	}
	return state, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, state)
}

// Options configures a Worker.
type Options struct {
	Router          RouterOptions
	Precache        []string
	PrecacheWorkers int
}

// Worker is one deployed cache generation together with its router.
type Worker struct {
	generation string
	storage    cache.Storage
	fetcher    Fetcher
	opts       Options
	logger     *logrus.Logger

	mu          sync.Mutex
	state       State
	skipWaiting bool
	router      *Router
}

func NewWorker(generation string, storage cache.Storage, fetcher Fetcher, opts Options, logger *logrus.Logger) *Worker {
	if opts.PrecacheWorkers < 1 {
		opts.PrecacheWorkers = 1
	}
	return &Worker{
		generation: generation,
		storage:    storage,
		fetcher:    fetcher,
		opts:       opts,
		logger:     logger,
		state:      StateInstalling,
	}
}

func (w *Worker) Generation() string {
	return w.generation
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Router is nil until the worker has installed.
func (w *Worker) Router() *Router {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.router
}

// SkipWaiting lets the worker activate without waiting for the previous
// worker to be released.
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	w.skipWaiting = true
	w.mu.Unlock()
}

// Install opens the generation and precaches the configured paths. A path
// that cannot be fetched is logged and skipped; it never fails the install.
func (w *Worker) Install(ctx context.Context) error {
	w.SkipWaiting()

	if state := w.State(); state != StateInstalling {
		return fmt.Errorf("%w: install in %s", ErrInvalidTransition, state)
	}

	gen, err := w.storage.Open(w.generation)
	if err != nil {
		return fmt.Errorf("failed to open cache generation %s: %w", w.generation, err)
	}
	router := NewRouter(w.fetcher, gen, w.opts.Router, w.logger)

	p := pool.New().WithMaxGoroutines(w.opts.PrecacheWorkers)
	for _, target := range w.opts.Precache {
		p.Go(func() {
			w.precache(ctx, router, target)
		})
	}
	p.Wait()

	return w.transition(EventInstalled, func() { w.router = router })
}

func (w *Worker) precache(ctx context.Context, router *Router, target string) {
	log := w.logger.WithFields(logrus.Fields{"generation": w.generation, "url": target})

	u, err := w.resolve(target)
	if err != nil {
		log.WithError(err).Warn("Skipping invalid precache URL")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		log.WithError(err).Warn("Skipping invalid precache URL")
		return
	}

	resp, err := w.fetcher.Fetch(req)
	if err != nil {
		log.WithError(err).Warn("Precache fetch failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.WithField("status", resp.StatusCode).Warn("Precache fetch returned non-200")
		return
	}
	router.store(req, resp)
	log.Debug("Precached")
}

func (w *Worker) resolve(target string) (*url.URL, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if w.opts.Router.Origin == nil {
		if !ref.IsAbs() {
			return nil, fmt.Errorf("relative precache path %q without an origin", target)
		}
		return ref, nil
	}
	return w.opts.Router.Origin.ResolveReference(ref), nil
}

// Activate deletes every other cache generation and hands control to the
// worker through claim.
func (w *Worker) Activate(ctx context.Context, claim func(*Worker)) error {
	w.mu.Lock()
	waiting := !w.skipWaiting
	w.mu.Unlock()
	if waiting {
		return ErrWaiting
	}

	if err := w.transition(EventActivate, nil); err != nil {
		return err
	}

	names, err := w.storage.Keys()
	if err != nil {
		w.logger.WithError(err).Warn("Failed to list cache generations")
	}
	for _, name := range names {
		if name == w.generation {
			continue
		}
		if _, err := w.storage.Delete(name); err != nil {
			w.logger.WithError(err).WithField("generation", name).Warn("Failed to delete old cache generation")
			continue
		}
		w.logger.WithField("generation", name).Info("Deleted old cache generation")
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if claim != nil {
		claim(w)
	}
	return w.transition(EventActivated, nil)
}

// Retire marks the worker redundant and waits for its background work.
func (w *Worker) Retire() {
	w.transition(EventSuperseded, nil)
	if router := w.Router(); router != nil {
		router.Drain()
	}
}

func (w *Worker) transition(event Event, apply func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, err := Next(w.state, event)
	if err != nil {
		return err
	}
	if apply != nil {
		apply()
	}
	w.logger.WithFields(logrus.Fields{
		"generation": w.generation,
		"from":       w.state,
		"to":         next,
	}).Debug("Worker state changed")
	w.state = next
	return nil
}
