package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"streamflix/pkg/models"

	"github.com/sirupsen/logrus"
)

const (
	maxOwnerKeyLength = 128
	maxDeviceIDLength = 64
	maxPayloadBytes   = 4 << 20
)

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Error  string            `json:"error"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// respondWithValidationError sends a structured validation error response
func (ls *LibraryServer) respondWithValidationError(w http.ResponseWriter, r *http.Request, errors []ValidationError) {
	ls.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errors,
	}).Warn("Validation failed")

	result := ValidationResult{
		Valid:  false,
		Error:  errors[0].Message,
		Errors: errors,
	}
	ls.respondJSON(w, http.StatusBadRequest, result)
}

// respondWithError sends a structured error response
func (ls *LibraryServer) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	logEntry := ls.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})

	if err != nil {
		logEntry = logEntry.WithError(err)
	}

	if statusCode >= 500 {
		logEntry.Error("Server error")
	} else {
		logEntry.Warn("Client error")
	}

	response := map[string]interface{}{
		"error":   message,
		"code":    statusCode,
		"success": false,
	}
	ls.respondJSON(w, statusCode, response)
}

func (ls *LibraryServer) respondJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		ls.logger.WithError(err).Debug("Failed to write JSON response")
	}
}

// validateOwnerKey checks the owner key from the URL path. Device keys must
// carry a device id after the prefix.
func validateOwnerKey(ownerKey string) *ValidationError {
	if ownerKey == "" {
		return &ValidationError{
			Field:   "owner",
			Message: "Owner key is required",
			Code:    "MISSING_OWNER_KEY",
		}
	}

	if len(ownerKey) > maxOwnerKeyLength {
		return &ValidationError{
			Field:   "owner",
			Message: fmt.Sprintf("Owner key too long (max %d characters)", maxOwnerKeyLength),
			Code:    "OWNER_KEY_TOO_LONG",
		}
	}

	if strings.ContainsAny(ownerKey, "\x00/\n\r") {
		return &ValidationError{
			Field:   "owner",
			Message: "Owner key contains invalid characters",
			Code:    "INVALID_OWNER_KEY_CHARACTERS",
		}
	}

	if strings.HasPrefix(ownerKey, models.DeviceOwnerPrefix) {
		if _, ok := models.ParseDeviceOwnerKey(ownerKey); !ok {
			return &ValidationError{
				Field:   "owner",
				Message: "Device owner key is missing the device id",
				Code:    "EMPTY_DEVICE_OWNER",
			}
		}
	}

	return nil
}

// validateDeviceID checks the X-Device-ID header value.
func validateDeviceID(deviceID string) *ValidationError {
	if deviceID == "" {
		return &ValidationError{
			Field:   "X-Device-ID",
			Message: "Device ID required",
			Code:    "MISSING_DEVICE_ID",
		}
	}

	if len(deviceID) > maxDeviceIDLength {
		return &ValidationError{
			Field:   "X-Device-ID",
			Message: fmt.Sprintf("Device ID too long (max %d characters)", maxDeviceIDLength),
			Code:    "DEVICE_ID_TOO_LONG",
		}
	}

	if strings.ContainsAny(deviceID, "\x00:/\n\r ") {
		return &ValidationError{
			Field:   "X-Device-ID",
			Message: "Device ID contains invalid characters",
			Code:    "INVALID_DEVICE_ID_CHARACTERS",
		}
	}

	return nil
}

// validateCollectionType parses the collection name used by the per-device
// collection routes.
func validateCollectionType(name string) (models.Collection, *ValidationError) {
	c, err := models.ParseCollection(name)
	if err != nil {
		return "", &ValidationError{
			Field:   "type",
			Message: err.Error(),
			Code:    "INVALID_COLLECTION_TYPE",
		}
	}
	return c, nil
}

// validatePayload checks every item in a library snapshot and reports each
// bad one. Ordered collections over limit are rejected too.
func validatePayload(payload *models.LibraryPayload, limit int) []ValidationError {
	var errs []ValidationError
	for _, c := range models.AllCollections {
		items := payload.Items(c)
		if c.Ordered() && limit > 0 && len(items) > limit {
			errs = append(errs, ValidationError{
				Field:   string(c),
				Message: fmt.Sprintf("%s holds %d items (max %d)", c, len(items), limit),
				Code:    "COLLECTION_TOO_LARGE",
			})
		}
		for i, item := range items {
			if err := item.Validate(); err != nil {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s[%d]", c, i),
					Message: err.Error(),
					Code:    "INVALID_ITEM",
				})
			}
		}
	}
	return errs
}

// sanitizeInput sanitizes user input to prevent injection attacks
func sanitizeInput(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Trim whitespace
	input = strings.TrimSpace(input)

	return input
}
