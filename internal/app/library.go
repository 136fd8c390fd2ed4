// Package app wires the on-device library: storage, device identity, the
// remote client and the sync coordinator are built once here and handed to
// the commands that use them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"streamflix/internal/config"
	"streamflix/internal/database"
	"streamflix/internal/identity"
	"streamflix/internal/kvstore"
	"streamflix/internal/library"
	"streamflix/internal/remote"
	"streamflix/internal/syncer"

	"github.com/sirupsen/logrus"
)

// Keys holding the signed-in session between runs.
const (
	SessionTokenKey    = "streamflix_session_token"
	SessionUserIDKey   = "streamflix_user_id"
	SessionUsernameKey = "streamflix_username"
)

var (
	ErrNoAccounts  = errors.New("remote does not support accounts")
	ErrNoCatalog   = errors.New("no catalog configured for recommendations")
	ErrNotSignedIn = errors.New("not signed in")
)

// Accounts signs a user in and out of the remote library server.
type Accounts interface {
	Login(ctx context.Context, username, password string) (*remote.Session, error)
	Logout(ctx context.Context) error
	SetToken(token string)
}

// Options are the collaborators of a Library. KV and Remote are required.
type Options struct {
	KV                  kvstore.Store
	Remote              remote.Store
	Accounts            Accounts
	Catalog             library.SimilarFetcher
	HistoryLimit        int
	PushTimeout         time.Duration
	RecommendationLimit int
}

// Library is the running on-device library.
type Library struct {
	Store       *library.Store
	Identity    *identity.Provider
	Coordinator *syncer.Coordinator

	kv          kvstore.Store
	closers     []io.Closer
	accounts    Accounts
	recommender *library.Recommender
	logger      *logrus.Logger
}

// New builds a Library from opts, starts syncing under the device identity
// and restores a saved session if there is one.
func New(ctx context.Context, opts Options, logger *logrus.Logger) (*Library, error) {
	if opts.KV == nil || opts.Remote == nil {
		return nil, errors.New("library needs key/value storage and a remote store")
	}

	store := library.NewStore(opts.KV, logger, library.WithLimit(opts.HistoryLimit))
	ident := identity.NewProvider(opts.KV, logger)
	coord := syncer.New(store, opts.Remote, ident, logger)
	coord.SetPushTimeout(opts.PushTimeout)

	lib := &Library{
		Store:       store,
		Identity:    ident,
		Coordinator: coord,
		kv:          opts.KV,
		accounts:    opts.Accounts,
		logger:      logger,
	}
	if opts.Catalog != nil {
		lib.recommender = library.NewRecommender(store, opts.Catalog, logger, opts.RecommendationLimit)
	}

	if err := coord.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start sync: %w", err)
	}
	if err := lib.resume(ctx); err != nil {
		coord.Stop()
		return nil, err
	}
	return lib, nil
}

// Open builds a Library from configuration: a bbolt file for local storage
// and the library server as remote. Without a remote URL the library syncs
// straight into the database named by database.dsn and accounts are not
// available.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Library, error) {
	kv, err := kvstore.OpenBolt(cfg.Library.DataPath)
	if err != nil {
		return nil, err
	}
	closers := []io.Closer{kv}
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	opts := Options{
		KV:                  kv,
		HistoryLimit:        cfg.Library.HistoryLimit,
		PushTimeout:         time.Duration(cfg.Library.PushTimeout) * time.Second,
		RecommendationLimit: cfg.Library.Recommendation,
	}
	if cfg.Library.RemoteURL != "" {
		client := remote.NewClient(cfg.Library.RemoteURL, nil)
		opts.Remote = client
		opts.Accounts = client
	} else {
		db, err := database.NewDatabase(cfg.Database.DSN, cfg.Database.MaxConnections, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, db)
		opts.Remote = remote.NewDatabaseStore(db, database.ErrNotFound)
		logger.WithField("dsn", cfg.Database.DSN).Debug("No remote url, syncing to the local database")
	}
	if cfg.Library.CatalogURL != "" {
		opts.Catalog = remote.NewCatalogClient(cfg.Library.CatalogURL, &http.Client{Timeout: 10 * time.Second})
	}

	lib, err := New(ctx, opts, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	lib.closers = closers
	return lib, nil
}

func (l *Library) resume(ctx context.Context) error {
	token, ok, err := l.kv.Get(SessionTokenKey)
	if err != nil || !ok {
		return err
	}
	userID, ok, err := l.kv.Get(SessionUserIDKey)
	if err != nil {
		return err
	}
	if !ok || userID == "" {
		l.logger.Warn("Saved session has no user id, staying anonymous")
		return nil
	}

	if l.accounts != nil {
		l.accounts.SetToken(token)
	}
	l.logger.WithField("user_id", userID).Debug("Resuming saved session")
	return l.Coordinator.Resume(ctx, userID)
}

// Login signs in and switches syncing to the user's library. The user's
// remote collections replace the local ones when they are non-empty.
func (l *Library) Login(ctx context.Context, username, password string) (*remote.Session, error) {
	if l.accounts == nil {
		return nil, ErrNoAccounts
	}
	if err := l.Coordinator.BeginAuthentication(); err != nil {
		return nil, err
	}

	session, err := l.accounts.Login(ctx, username, password)
	if err != nil {
		if ferr := l.Coordinator.FailAuthentication(); ferr != nil {
			l.logger.WithError(ferr).Debug("Failed to leave authenticating state")
		}
		// Syncing is anonymous now, so a previous session must not resume.
		l.clearSession()
		return nil, fmt.Errorf("login failed: %w", err)
	}

	for key, value := range map[string]string{
		SessionTokenKey:    session.Token,
		SessionUserIDKey:   session.UserID,
		SessionUsernameKey: session.Username,
	} {
		if err := l.kv.Set(key, value); err != nil {
			l.logger.WithError(err).WithField("key", key).Warn("Failed to persist session")
		}
	}

	if err := l.Coordinator.CompleteAuthentication(ctx, session.UserID); err != nil {
		return nil, err
	}
	return session, nil
}

// Logout ends the session and goes back to syncing under the device
// identity. The local library is kept.
func (l *Library) Logout(ctx context.Context) error {
	if l.Coordinator.State().Phase != syncer.PhaseAuthenticated {
		return ErrNotSignedIn
	}
	if l.accounts != nil {
		if err := l.accounts.Logout(ctx); err != nil {
			l.logger.WithError(err).Warn("Remote logout failed")
		}
	}
	l.clearSession()
	l.Coordinator.Logout()
	return nil
}

func (l *Library) clearSession() {
	for _, key := range []string{SessionTokenKey, SessionUserIDKey, SessionUsernameKey} {
		if err := l.kv.Remove(key); err != nil {
			l.logger.WithError(err).WithField("key", key).Warn("Failed to clear session")
		}
	}
}

// Whoami describes the current identity.
type Whoami struct {
	Phase    string `json:"phase"`
	OwnerKey string `json:"owner_key"`
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

// Whoami reports who the library currently syncs as.
func (l *Library) Whoami() Whoami {
	state := l.Coordinator.State()
	owner, _ := state.OwnerKey()
	w := Whoami{
		Phase:    state.Phase.String(),
		OwnerKey: owner,
		DeviceID: state.DeviceID,
		UserID:   state.UserID,
	}
	if state.Phase == syncer.PhaseAuthenticated {
		if name, ok, err := l.kv.Get(SessionUsernameKey); err == nil && ok {
			w.Username = name
		}
	}
	return w
}

// Sync pushes the whole library now and reports the outcome.
func (l *Library) Sync(ctx context.Context) error {
	return l.Coordinator.Flush(ctx)
}

// RefreshRecommendations rebuilds the recommendations collection from
// recent history.
func (l *Library) RefreshRecommendations(ctx context.Context) error {
	if l.recommender == nil {
		return ErrNoCatalog
	}
	_, err := l.recommender.Refresh(ctx)
	return err
}

// Close stops syncing, waits for pending pushes and closes what Open opened.
func (l *Library) Close() error {
	l.Coordinator.Stop()
	var firstErr error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
