package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"streamflix/internal/config"

	"github.com/sirupsen/logrus"
)

var (
	ErrDisabled           = errors.New("authentication is disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Service provides authentication functionality
type Service struct {
	config         *config.AuthConfig
	userStore      *UserStore
	sessionManager *SessionManager
	logger         *logrus.Logger
	enabled        bool
}

// NewService creates a new authentication service
func NewService(cfg *config.AuthConfig, logger *logrus.Logger) (*Service, error) {
	if !cfg.Enabled {
		return &Service{
			config:  cfg,
			logger:  logger,
			enabled: false,
		}, nil
	}

	duration, err := time.ParseDuration(cfg.SessionDuration)
	if err != nil {
		return nil, fmt.Errorf("invalid session duration: %w", err)
	}

	userStore, err := NewUserStore(cfg.UsersFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create user store: %w", err)
	}

	return &Service{
		config:         cfg,
		userStore:      userStore,
		sessionManager: NewSessionManager(duration, cfg.SecureCookies),
		logger:         logger,
		enabled:        true,
	}, nil
}

// IsEnabled returns whether authentication is enabled
func (s *Service) IsEnabled() bool {
	return s.enabled
}

// Login attempts to authenticate a user and create a session
func (s *Service) Login(username, password string) (*Session, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}

	user, ok := s.userStore.Authenticate(username, password)
	if !ok {
		s.logger.WithField("username", username).Warn("Failed login attempt")
		return nil, ErrInvalidCredentials
	}

	session, err := s.sessionManager.CreateSession(user)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"username": user.Username,
		"user_id":  user.ID,
	}).Info("User logged in")
	return session, nil
}

// ValidateSession checks if a session ID is valid
func (s *Service) ValidateSession(sessionID string) (*Session, bool) {
	if !s.enabled {
		return nil, false
	}
	return s.sessionManager.GetSession(sessionID)
}

// Logout invalidates a session
func (s *Service) Logout(sessionID string) {
	if !s.enabled {
		return
	}
	s.sessionManager.DeleteSession(sessionID)
}

// RefreshSession extends a session's expiration
func (s *Service) RefreshSession(sessionID string) bool {
	if !s.enabled {
		return true
	}
	return s.sessionManager.RefreshSession(sessionID)
}

// GetSessionManager returns the session manager (for middleware)
func (s *Service) GetSessionManager() *SessionManager {
	return s.sessionManager
}

// Users returns the user store, nil when authentication is disabled.
func (s *Service) Users() *UserStore {
	return s.userStore
}

// Register creates a new user account
func (s *Service) Register(username, password string) (*User, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	user, err := s.userStore.RegisterUser(username, password, "user")
	if err != nil {
		return nil, fmt.Errorf("failed to register user: %w", err)
	}
	return user, nil
}

// RunCleanup drops expired sessions every interval until ctx is done.
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) {
	if !s.enabled {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sessionManager.CleanupExpired(); n > 0 {
				s.logger.WithField("removed", n).Debug("Cleaned up expired sessions")
			}
		}
	}
}
