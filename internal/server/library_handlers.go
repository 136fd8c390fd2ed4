package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"streamflix/internal/database"
	"streamflix/pkg/models"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// handleGetLibrary returns the whole library stored for an owner, or 404 when
// the owner has never written one.
func (ls *LibraryServer) handleGetLibrary(w http.ResponseWriter, r *http.Request) {
	ownerKey, ok := ls.ownerFromPath(w, r)
	if !ok || !ls.authorizeOwner(w, r, ownerKey) {
		return
	}

	payload, err := ls.db.GetLibrary(r.Context(), ownerKey)
	if errors.Is(err, database.ErrNotFound) {
		ls.respondWithError(w, r, http.StatusNotFound, "library not found", nil)
		return
	}
	if err != nil {
		ls.respondWithError(w, r, http.StatusInternalServerError, "Internal Server Error", err)
		return
	}
	ls.respondJSON(w, http.StatusOK, payload)
}

// handlePutLibrary replaces the library stored for an owner. The last write to
// arrive wins.
func (ls *LibraryServer) handlePutLibrary(w http.ResponseWriter, r *http.Request) {
	ownerKey, ok := ls.ownerFromPath(w, r)
	if !ok || !ls.authorizeOwner(w, r, ownerKey) {
		return
	}

	var payload models.LibraryPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(&payload); err != nil {
		ls.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if errs := validatePayload(&payload, ls.config.Library.HistoryLimit); len(errs) > 0 {
		ls.respondWithValidationError(w, r, errs)
		return
	}

	if err := ls.db.SaveLibrary(r.Context(), ownerKey, payload); err != nil {
		ls.respondWithError(w, r, http.StatusInternalServerError, "Internal Server Error", err)
		return
	}

	ls.logger.WithFields(logrus.Fields{
		"owner_key": ownerKey,
		"favorites": len(payload.Favorites),
		"history":   len(payload.History),
		"downloads": len(payload.Downloads),
	}).Debug("Library stored")
	ls.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleDeleteLibrary drops the record stored for an owner.
func (ls *LibraryServer) handleDeleteLibrary(w http.ResponseWriter, r *http.Request) {
	ownerKey, ok := ls.ownerFromPath(w, r)
	if !ok || !ls.authorizeOwner(w, r, ownerKey) {
		return
	}

	err := ls.db.DeleteLibrary(r.Context(), ownerKey)
	if errors.Is(err, database.ErrNotFound) {
		ls.respondWithError(w, r, http.StatusNotFound, "library not found", nil)
		return
	}
	if err != nil {
		ls.respondWithError(w, r, http.StatusInternalServerError, "Internal Server Error", err)
		return
	}
	ls.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (ls *LibraryServer) ownerFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerKey := sanitizeInput(mux.Vars(r)["owner"])
	if verr := validateOwnerKey(ownerKey); verr != nil {
		ls.respondWithValidationError(w, r, []ValidationError{*verr})
		return "", false
	}
	return ownerKey, true
}

// deviceCollectionKey is where a single collection of an anonymous device is
// kept in the value table.
func deviceCollectionKey(deviceID string, c models.Collection) string {
	return fmt.Sprintf("%s%s:%s", models.DeviceOwnerPrefix, deviceID, c)
}

// handleGetDeviceCollection returns one collection for the device named in
// X-Device-ID. A collection never written reads as an empty list.
func (ls *LibraryServer) handleGetDeviceCollection(w http.ResponseWriter, r *http.Request) {
	key, ok := ls.deviceCollectionFromRequest(w, r)
	if !ok {
		return
	}

	value, err := ls.db.GetValue(r.Context(), key)
	if errors.Is(err, database.ErrNotFound) {
		ls.respondJSON(w, http.StatusOK, []models.LibraryItem{})
		return
	}
	if err != nil {
		ls.respondWithError(w, r, http.StatusInternalServerError, "Internal Server Error", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(value))
}

// handlePostDeviceCollection replaces one collection for the device named in
// X-Device-ID.
func (ls *LibraryServer) handlePostDeviceCollection(w http.ResponseWriter, r *http.Request) {
	key, ok := ls.deviceCollectionFromRequest(w, r)
	if !ok {
		return
	}

	var items []models.LibraryItem
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(&items); err != nil {
		ls.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if items == nil {
		items = []models.LibraryItem{}
	}

	var errs []ValidationError
	for i, item := range items {
		if err := item.Validate(); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("items[%d]", i),
				Message: err.Error(),
				Code:    "INVALID_ITEM",
			})
		}
	}
	if len(errs) > 0 {
		ls.respondWithValidationError(w, r, errs)
		return
	}

	data, err := json.Marshal(items)
	if err != nil {
		ls.respondWithError(w, r, http.StatusInternalServerError, "Internal Server Error", err)
		return
	}
	if err := ls.db.SetValue(r.Context(), key, string(data)); err != nil {
		ls.respondWithError(w, r, http.StatusInternalServerError, "Internal Server Error", err)
		return
	}
	ls.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (ls *LibraryServer) deviceCollectionFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	deviceID := sanitizeInput(r.Header.Get("X-Device-ID"))
	if verr := validateDeviceID(deviceID); verr != nil {
		ls.respondWithValidationError(w, r, []ValidationError{*verr})
		return "", false
	}
	c, verr := validateCollectionType(mux.Vars(r)["type"])
	if verr != nil {
		ls.respondWithValidationError(w, r, []ValidationError{*verr})
		return "", false
	}
	return deviceCollectionKey(deviceID, c), true
}
