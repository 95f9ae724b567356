package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fclairamb/notesync/internal/syncer"
	"github.com/fclairamb/notesync/internal/version"
)

const (
	// Maximum allowed age of a signed sync request (5 minutes).
	maxTimestampAge = 5 * time.Minute

	// SignatureHeader carries the hex HMAC-SHA256 of timestamp + body.
	SignatureHeader = "X-Notesync-Signature"
	// TimestampHeader carries the unix time the request was signed at.
	TimestampHeader = "X-Notesync-Timestamp"
)

// StatusSource reports the sync engine status.
type StatusSource interface {
	Status(ctx context.Context) (syncer.Status, error)
}

// Notifier queues a sync.
type Notifier interface {
	Notify()
}

// Handler serves the HTTP API.
type Handler struct {
	status StatusSource
	worker Notifier
	secret string
	logger *slog.Logger
}

// NewHandler creates a new API handler. If secret is empty, sync requests are not signed.
func NewHandler(status StatusSource, worker Notifier, secret string, logger *slog.Logger) *Handler {
	return &Handler{
		status: status,
		worker: worker,
		secret: secret,
		logger: logger,
	}
}

// HandleHealth handles the /health endpoint for health checks.
func (h *Handler) HandleHealth(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleVersion handles the /api/version endpoint.
func (h *Handler) HandleVersion(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"build_time": version.GitTime,
	})
}

// HandleStatus returns the sync status.
func (h *Handler) HandleStatus(writer http.ResponseWriter, req *http.Request) {
	status, err := h.status.Status(req.Context())
	if err != nil {
		h.logger.ErrorContext(req.Context(), "failed to read sync status", "error", err)
		writeJSON(writer, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(writer, http.StatusOK, status)
}

// HandleSync queues a sync and returns immediately.
func (h *Handler) HandleSync(writer http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if !h.verifySignature(req) {
		h.logger.WarnContext(ctx, "invalid sync request signature")
		writeJSON(writer, http.StatusUnauthorized, errorBody("invalid signature"))
		return
	}

	status, err := h.status.Status(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to read sync status", "error", err)
		writeJSON(writer, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if status.State == syncer.StateDisabled {
		writeJSON(writer, http.StatusConflict, errorBody("sync is disabled"))
		return
	}

	h.worker.Notify()
	h.logger.InfoContext(ctx, "sync queued", "remote_addr", req.RemoteAddr)
	writeJSON(writer, http.StatusAccepted, map[string]string{"status": "queued"})
}

// verifySignature verifies the request signature using HMAC-SHA256.
// If no secret is configured, signature verification is skipped.
func (h *Handler) verifySignature(req *http.Request) bool {
	if h.secret == "" {
		return true
	}

	signature := req.Header.Get(SignatureHeader)
	timestamp := req.Header.Get(TimestampHeader)

	if signature == "" || timestamp == "" {
		h.logger.Debug("missing signature or timestamp headers")
		return false
	}

	if !validateTimestamp(timestamp, time.Now()) {
		h.logger.Debug("timestamp validation failed", "timestamp", timestamp)
		return false
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		h.logger.Debug("failed to read body", "error", err)
		return false
	}
	req.Body = io.NopCloser(bytes.NewBuffer(body))

	return hmac.Equal([]byte(signature), []byte(Sign(h.secret, timestamp, body)))
}

// Sign returns the signature of a sync request.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// validateTimestamp checks if the timestamp is within the allowed window.
func validateTimestamp(timestamp string, now time.Time) bool {
	value, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}

	age := now.Sub(time.Unix(value, 0))
	return age < maxTimestampAge && age > -maxTimestampAge
}
