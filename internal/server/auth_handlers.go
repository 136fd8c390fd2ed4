package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"streamflix/internal/auth"
	"streamflix/pkg/models"
)

// loginResponse is what signed-in clients persist to resume their session.
type loginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthLogin handles login API requests
func (ls *LibraryServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if !ls.authService.IsEnabled() {
		ls.respondWithError(w, r, http.StatusNotFound, "Authentication is disabled", nil)
		return
	}

	var credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&credentials); err != nil {
		ls.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	credentials.Username = sanitizeInput(credentials.Username)
	if credentials.Username == "" || credentials.Password == "" {
		ls.respondWithValidationError(w, r, []ValidationError{{
			Field:   "credentials",
			Message: "Username and password required",
			Code:    "MISSING_CREDENTIALS",
		}})
		return
	}

	session, err := ls.authService.Login(credentials.Username, credentials.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		ls.respondWithError(w, r, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}
	if err != nil {
		ls.respondWithError(w, r, http.StatusInternalServerError, "Internal Server Error", err)
		return
	}

	ls.authService.GetSessionManager().SetSessionCookie(w, session)
	ls.respondJSON(w, http.StatusOK, loginResponse{
		Token:     session.ID,
		UserID:    session.UserID,
		Username:  session.Username,
		ExpiresAt: session.ExpiresAt,
	})
}

// handleAuthLogout handles logout requests
func (ls *LibraryServer) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if ls.authService.IsEnabled() {
		sessionManager := ls.authService.GetSessionManager()
		if session, valid := sessionManager.GetSessionFromRequest(r); valid {
			ls.authService.Logout(session.ID)
			ls.logger.WithField("username", session.Username).Info("User logged out")
		}
		sessionManager.ClearSessionCookie(w)
	}

	ls.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAuthMe reports the signed-in user for the presented session.
func (ls *LibraryServer) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	session, ok := ls.sessionFromRequest(r)
	if !ok {
		ls.respondWithError(w, r, http.StatusUnauthorized, "Authentication required", nil)
		return
	}
	ls.authService.RefreshSession(session.ID)
	ls.respondJSON(w, http.StatusOK, loginResponse{
		Token:     session.ID,
		UserID:    session.UserID,
		Username:  session.Username,
		ExpiresAt: session.ExpiresAt,
	})
}

func (ls *LibraryServer) sessionFromRequest(r *http.Request) (*auth.Session, bool) {
	if !ls.authService.IsEnabled() {
		return nil, false
	}
	return ls.authService.GetSessionManager().GetSessionFromRequest(r)
}

// authorizeOwner decides whether the request may read or write the library
// stored under ownerKey. Device partitions need a matching X-Device-ID header.
// User partitions need a session for that user while authentication is on.
func (ls *LibraryServer) authorizeOwner(w http.ResponseWriter, r *http.Request, ownerKey string) bool {
	if deviceID, ok := models.ParseDeviceOwnerKey(ownerKey); ok {
		header := sanitizeInput(r.Header.Get("X-Device-ID"))
		if verr := validateDeviceID(header); verr != nil {
			ls.respondWithValidationError(w, r, []ValidationError{*verr})
			return false
		}
		if header != deviceID {
			ls.respondWithError(w, r, http.StatusForbidden, "Device ID does not match owner", nil)
			return false
		}
		return true
	}

	if !ls.authService.IsEnabled() {
		return true
	}

	session, ok := ls.sessionFromRequest(r)
	if !ok {
		ls.respondWithError(w, r, http.StatusUnauthorized, "Authentication required", nil)
		return false
	}
	if session.UserID != ownerKey {
		ls.respondWithError(w, r, http.StatusForbidden, "Library belongs to another user", nil)
		return false
	}
	ls.authService.RefreshSession(session.ID)
	return true
}
