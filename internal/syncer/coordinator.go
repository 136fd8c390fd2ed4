// Package syncer reconciles the on-device library with the remote store.
//
// The coordinator tracks who owns the library (an anonymous device, a user
// being signed in, or a signed-in user). Each local change pushes a full
// snapshot under the current owner key. Pushes are fire and forget, are not
// ordered against each other, and the last one to land wins. Signing in pulls
// the user's remote copy, and every non-empty remote collection replaces the
// local one.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamflix/internal/identity"
	"streamflix/internal/library"
	"streamflix/internal/remote"
	"streamflix/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// Phase is the identity state of the coordinator.
type Phase int

const (
	PhaseAnonymous Phase = iota
	PhaseAuthenticating
	PhaseAuthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseAnonymous:
		return "anonymous"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// State is a snapshot of the coordinator's identity.
type State struct {
	Phase    Phase
	DeviceID string
	UserID   string
}

// OwnerKey is the remote partition key for the state. There is none while
// authenticating.
func (s State) OwnerKey() (string, bool) {
	switch s.Phase {
	case PhaseAnonymous:
		return models.DeviceOwnerKey(s.DeviceID), s.DeviceID != ""
	case PhaseAuthenticated:
		return s.UserID, s.UserID != ""
	}
	return "", false
}

var (
	ErrNotStarted        = errors.New("sync coordinator not started")
	ErrAlreadyStarted    = errors.New("sync coordinator already started")
	ErrInvalidUser       = errors.New("user id cannot be empty")
	ErrNotAuthenticating = errors.New("no authentication in progress")
)

const defaultPushTimeout = 10 * time.Second

// Coordinator is the Sync Coordinator.
type Coordinator struct {
	store    *library.Store
	remote   remote.Store
	identity *identity.Provider
	logger   *logrus.Logger

	pushTimeout time.Duration

	mu      sync.Mutex
	state   State
	changes <-chan library.Change
	done    chan struct{}

	pushes conc.WaitGroup
}

func New(store *library.Store, rs remote.Store, ident *identity.Provider, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		remote:      rs,
		identity:    ident,
		logger:      logger,
		pushTimeout: defaultPushTimeout,
	}
}

// SetPushTimeout bounds each background push.
func (c *Coordinator) SetPushTimeout(d time.Duration) {
	if d > 0 {
		c.pushTimeout = d
	}
}

// Start enters the anonymous state under the device identity, begins
// listening for local changes and seeds collections that have never been
// written on this device from the device's remote record.
func (c *Coordinator) Start(ctx context.Context) error {
	deviceID, err := c.identity.GetOrCreate()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.changes != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = State{Phase: PhaseAnonymous, DeviceID: deviceID}
	c.changes = c.store.Subscribe()
	c.done = make(chan struct{})
	go c.listen(c.changes, c.done)
	c.mu.Unlock()

	c.pullAnonymous(ctx, deviceID)
	return nil
}

// Stop detaches from the store, handles changes that were already queued and
// waits for in-flight pushes.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	changes, done := c.changes, c.done
	c.changes = nil
	c.mu.Unlock()

	if changes != nil {
		c.store.Unsubscribe(changes)
		<-done
	}
	c.pushes.Wait()
}

// Wait blocks until every push started so far has finished.
func (c *Coordinator) Wait() {
	c.pushes.Wait()
}

// State returns the current identity state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BeginAuthentication suspends pushes until the sign-in completes or fails.
func (c *Coordinator) BeginAuthentication() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.changes == nil {
		return ErrNotStarted
	}
	c.state.Phase = PhaseAuthenticating
	c.state.UserID = ""
	c.logger.Debug("Authentication started, pushes suspended")
	return nil
}

// CompleteAuthentication switches to userID and pulls the user's record.
// Pull failures are logged; local state stays authoritative.
func (c *Coordinator) CompleteAuthentication(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidUser
	}

	c.mu.Lock()
	if c.changes == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.state.Phase = PhaseAuthenticated
	c.state.UserID = userID
	c.mu.Unlock()

	c.logger.WithField("user_id", userID).Info("Authenticated, pulling library")
	c.pullAuthenticated(ctx, userID)
	return nil
}

// Resume restores a signed-in state from a previous run and pulls the
// user's record, the same way a completed sign-in does.
func (c *Coordinator) Resume(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidUser
	}
	c.mu.Lock()
	if c.changes == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.state.Phase = PhaseAuthenticated
	c.state.UserID = userID
	c.mu.Unlock()

	c.logger.WithField("user_id", userID).Debug("Session resumed, pulling library")
	c.pullAuthenticated(ctx, userID)
	return nil
}

// FailAuthentication returns to the anonymous state after a failed sign-in.
func (c *Coordinator) FailAuthentication() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhaseAuthenticating {
		return ErrNotAuthenticating
	}
	c.state.Phase = PhaseAnonymous
	return nil
}

// Logout returns to the anonymous state.
func (c *Coordinator) Logout() {
	c.mu.Lock()
	c.state.Phase = PhaseAnonymous
	c.state.UserID = ""
	c.mu.Unlock()
	c.logger.Info("Signed out, syncing under device identity")
}

// Push schedules a background push of the current library under the
// current owner key. It is a no-op while authenticating.
func (c *Coordinator) Push() {
	state := c.State()
	owner, ok := state.OwnerKey()
	if !ok {
		c.logger.WithField("phase", state.Phase).Debug("Skipping push without an owner")
		return
	}

	snapshot := c.store.Snapshot()
	c.pushes.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.pushTimeout)
		defer cancel()

		if err := c.remote.Put(ctx, owner, snapshot); err != nil {
			c.logger.WithError(err).WithField("owner_key", owner).Warn("Library push failed")
			return
		}
		c.logger.WithField("owner_key", owner).Debug("Library pushed")
	})
}

// Flush pushes the current library synchronously and reports the result.
func (c *Coordinator) Flush(ctx context.Context) error {
	state := c.State()
	owner, ok := state.OwnerKey()
	if !ok {
		return fmt.Errorf("cannot push while %s", state.Phase)
	}
	return c.remote.Put(ctx, owner, c.store.Snapshot())
}

func (c *Coordinator) listen(changes <-chan library.Change, done chan struct{}) {
	defer close(done)
	for change := range changes {
		if change.Origin == library.OriginRemote {
			continue
		}
		c.Push()
	}
}

func (c *Coordinator) pullAnonymous(ctx context.Context, deviceID string) {
	owner := models.DeviceOwnerKey(deviceID)
	payload, err := c.remote.Get(ctx, owner)
	if err != nil {
		c.logger.WithError(err).WithField("owner_key", owner).Warn("Startup pull failed")
		return
	}
	if payload == nil {
		return
	}

	seed := make(map[models.Collection][]models.LibraryItem)
	for _, col := range models.AllCollections {
		if items := payload.Items(col); len(items) > 0 && !c.store.Exists(col) {
			seed[col] = items
		}
	}
	c.apply(owner, seed, func(s State) bool {
		return s.Phase == PhaseAnonymous && s.DeviceID == deviceID
	})
}

func (c *Coordinator) pullAuthenticated(ctx context.Context, userID string) {
	payload, err := c.remote.Get(ctx, userID)
	if err != nil {
		c.logger.WithError(err).WithField("owner_key", userID).Warn("Login pull failed")
		return
	}
	if payload == nil {
		return
	}

	replace := make(map[models.Collection][]models.LibraryItem)
	for _, col := range models.AllCollections {
		if items := payload.Items(col); len(items) > 0 {
			replace[col] = items
		}
	}
	c.apply(userID, replace, func(s State) bool {
		return s.Phase == PhaseAuthenticated && s.UserID == userID
	})
}

// apply writes pulled collections unless the identity moved on while the
// pull was in flight.
func (c *Coordinator) apply(owner string, collections map[models.Collection][]models.LibraryItem, stillCurrent func(State) bool) {
	if len(collections) == 0 {
		return
	}
	if !stillCurrent(c.State()) {
		c.logger.WithField("owner_key", owner).Info("Identity changed during pull, discarding remote copy")
		return
	}
	if err := c.store.Apply(collections, library.OriginRemote); err != nil {
		c.logger.WithError(err).WithField("owner_key", owner).Warn("Failed to apply remote library")
		return
	}

	names := make([]string, 0, len(collections))
	for col := range collections {
		names = append(names, string(col))
	}
	c.logger.WithFields(logrus.Fields{
		"owner_key":   owner,
		"collections": names,
	}).Info("Applied remote library")
}
