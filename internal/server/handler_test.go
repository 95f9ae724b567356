package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fclairamb/notesync/internal/syncer"
)

const (
	testSecret = "test-sync-secret" //nolint:gosec // test constant
	testToken  = "test-token"       //nolint:gosec // test constant
)

type fakeStatus struct {
	status syncer.Status
	err    error
}

func (f *fakeStatus) Status(context.Context) (syncer.Status, error) {
	return f.status, f.err
}

type countingNotifier struct {
	count atomic.Int32
}

func (n *countingNotifier) Notify() { n.count.Add(1) }

func newTestRouter(t *testing.T, status StatusSource, secret, token string) (http.Handler, *countingNotifier) {
	t.Helper()
	notifier := &countingNotifier{}
	return NewRouter(NewHandler(status, notifier, secret, testLogger()), token, testLogger()), notifier
}

func signedSyncRequest(t *testing.T, secret string, at time.Time) *http.Request {
	t.Helper()
	body := []byte(`{"reason":"push hook"}`)
	timestamp := strconv.FormatInt(at.Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/api/sync", bytes.NewReader(body))
	req.Header.Set(TimestampHeader, timestamp)
	req.Header.Set(SignatureHeader, Sign(secret, timestamp, body))
	return req
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakeStatus{}, "", testToken)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

// TestHandleVersion verifies the version endpoint.
func TestHandleVersion(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakeStatus{}, "", "")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/version", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if contentType := rr.Header().Get("Content-Type"); contentType != "application/json; charset=utf-8" {
		t.Errorf("unexpected Content-Type %s", contentType)
	}

	var response map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	for _, field := range []string{"version", "commit", "build_time"} {
		if _, ok := response[field]; !ok {
			t.Errorf("expected %s field in response", field)
		}
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakeStatus{status: syncer.Failed("push rejected")}, "", "")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var status syncer.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if status.State != syncer.StateFailed || status.Reason != "push rejected" {
		t.Errorf("unexpected status %s", status)
	}
}

func TestHandleStatus_Error(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakeStatus{err: errors.New("db closed")}, "", "")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakeStatus{status: syncer.Idle(nil)}, "", testToken)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + testToken, want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + testToken, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, rr.Code)
			}
		})
	}
}

func TestHandleSync_Queued(t *testing.T) {
	t.Parallel()
	router, notifier := newTestRouter(t, &fakeStatus{status: syncer.Idle(nil)}, "", "")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/sync", nil))

	if rr.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", rr.Code)
	}
	if got := notifier.count.Load(); got != 1 {
		t.Errorf("expected 1 notification, got %d", got)
	}
}

func TestHandleSync_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	router, notifier := newTestRouter(t, &fakeStatus{status: syncer.Idle(nil)}, "", "")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/sync", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rr.Code)
	}
	if notifier.count.Load() != 0 {
		t.Error("expected no notification")
	}
}

func TestHandleSync_Disabled(t *testing.T) {
	t.Parallel()
	router, notifier := newTestRouter(t, &fakeStatus{status: syncer.Disabled()}, "", "")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/sync", nil))

	if rr.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rr.Code)
	}
	if notifier.count.Load() != 0 {
		t.Error("expected no notification")
	}
}

func TestHandleSync_Signed(t *testing.T) {
	t.Parallel()
	router, notifier := newTestRouter(t, &fakeStatus{status: syncer.Idle(nil)}, testSecret, "")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedSyncRequest(t, testSecret, time.Now()))

	if rr.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", rr.Code)
	}
	if got := notifier.count.Load(); got != 1 {
		t.Errorf("expected 1 notification, got %d", got)
	}
}

func TestHandleSync_InvalidSignature(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
	}{
		{
			name: "wrong secret",
			req: func(t *testing.T) *http.Request {
				t.Helper()
				return signedSyncRequest(t, "other-secret", time.Now())
			},
		},
		{
			name: "expired",
			req: func(t *testing.T) *http.Request {
				t.Helper()
				return signedSyncRequest(t, testSecret, time.Now().Add(-10*time.Minute))
			},
		},
		{
			name: "unsigned",
			req: func(*testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/sync", nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			router, notifier := newTestRouter(t, &fakeStatus{status: syncer.Idle(nil)}, testSecret, "")

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, tt.req(t))

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rr.Code)
			}
			if notifier.count.Load() != 0 {
				t.Error("expected no notification")
			}
		})
	}
}

// TestValidateTimestamp verifies the accepted clock skew window.
func TestValidateTimestamp(t *testing.T) {
	t.Parallel()
	now := time.Now()

	tests := []struct {
		name      string
		timestamp string
		want      bool
	}{
		{name: "now", timestamp: strconv.FormatInt(now.Unix(), 10), want: true},
		{name: "4 minutes ago", timestamp: strconv.FormatInt(now.Add(-4*time.Minute).Unix(), 10), want: true},
		{name: "4 minutes ahead", timestamp: strconv.FormatInt(now.Add(4*time.Minute).Unix(), 10), want: true},
		{name: "6 minutes ago", timestamp: strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10)},
		{name: "1 hour ahead", timestamp: strconv.FormatInt(now.Add(time.Hour).Unix(), 10)},
		{name: "not a number", timestamp: "not-a-number"},
		{name: "empty"},
	}

	for _, tt := range tests {
		if got := validateTimestamp(tt.timestamp, now); got != tt.want {
			t.Errorf("%s: validateTimestamp() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
