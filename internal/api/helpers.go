package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/imap"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

// Accounts resolves configured accounts. *config.Config satisfies it.
type Accounts interface {
	Account(email string) (models.Account, bool)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// WriteJSONResponse encodes payload before writing anything, so an encoding
// failure becomes a 500 instead of a truncated body.
func WriteJSONResponse(w http.ResponseWriter, status int, payload any) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		return false
	}
	return true
}

// WriteError writes a {"success": false, "error": msg} body.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSONResponse(w, status, errorResponse{Success: false, Error: msg})
}

// writeServiceError maps mail service errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, logger *logrus.Logger, op string, err error) {
	status := http.StatusBadGateway
	msg := err.Error()

	switch {
	case errors.Is(err, imap.ErrInvalidQuery):
		status = http.StatusBadRequest
	case errors.Is(err, imap.ErrAccountUnknown):
		status = http.StatusNotFound
	case errors.Is(err, imap.ErrAcquireTimeout):
		status = http.StatusServiceUnavailable
		msg = "All IMAP connections for this account are busy, try again shortly"
	case errors.Is(err, imap.ErrPoolClosed):
		status = http.StatusServiceUnavailable
		msg = "Server is shutting down"
	case strings.Contains(err.Error(), "i/o timeout"):
		status = http.StatusGatewayTimeout
		msg = "Connection to the IMAP server timed out"
	}

	logger.WithError(err).WithField("op", op).Warn("Mail operation failed")
	WriteError(w, status, msg)
}

// RequireAccount reads the account parameter and checks it is configured.
func RequireAccount(w http.ResponseWriter, r *http.Request, accounts Accounts) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("account")))
	if email == "" {
		WriteError(w, http.StatusBadRequest, "account query parameter is required")
		return "", false
	}
	if _, ok := accounts.Account(email); !ok {
		WriteError(w, http.StatusNotFound, "account is not configured")
		return "", false
	}
	return email, true
}

// ParsePaginationParams parses start (1-based) and limit from query parameters.
// Missing or invalid values fall back to start=1 and limit=defaultLimit.
func ParsePaginationParams(r *http.Request, defaultLimit int) (start, limit int) {
	start = 1
	limit = defaultLimit

	if s := r.URL.Query().Get("start"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			start = parsed
		}
	}

	if s := r.URL.Query().Get("limit"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	return start, limit
}

// decodeJSONBody decodes a request body of at most 1 MiB into v.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func folderParam(r *http.Request) string {
	if folder := r.URL.Query().Get("folder"); folder != "" {
		return folder
	}
	return "INBOX"
}

// readLimited reads a non-empty request body of at most limit bytes.
func readLimited(r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	if len(body) == 0 {
		return nil, errors.New("body is empty")
	}
	return body, nil
}

func orDiscard(logger *logrus.Logger) *logrus.Logger {
	if logger != nil {
		return logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
