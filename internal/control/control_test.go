package control

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(q Pusher, st capture.Status) *Server {
	return New(q, func() capture.Status { return st }, quietLogger())
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		queueSize  int
		prefill    int
		wantStatus int
		wantQueued types.Command
	}{
		{"snapshot", "/commands/snapshot", 4, 0, http.StatusAccepted, types.CommandSnapshot},
		{"reload alias", "/commands/reload-gallery", 4, 0, http.StatusAccepted, types.CommandReload},
		{"quit key", "/commands/q", 4, 0, http.StatusAccepted, types.CommandQuit},
		{"unknown", "/commands/dance", 4, 0, http.StatusNotFound, types.CommandNone},
		{"queue full", "/commands/snapshot", 1, 1, http.StatusConflict, types.CommandNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := capture.NewCommandQueue(tt.queueSize)
			for i := 0; i < tt.prefill; i++ {
				q.Push(types.CommandReload)
			}
			s := newTestServer(q, capture.Status{})

			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantQueued == types.CommandNone {
				if q.Len() != tt.prefill {
					t.Errorf("expected queue length %d, got %d", tt.prefill, q.Len())
				}
				return
			}
			got, ok := q.Poll()
			if !ok || got != tt.wantQueued {
				t.Errorf("expected %v queued, got %v (%v)", tt.wantQueued, got, ok)
			}
		})
	}
}

func TestCommandsRejectGet(t *testing.T) {
	s := newTestServer(capture.NewCommandQueue(1), capture.Status{})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/commands/quit", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	st := capture.Status{
		State:       capture.StateStreaming,
		SessionID:   "abc",
		DeviceIndex: 2,
		Threshold:   0.6,
		Frames:      42,
		LastResult: &types.MatchResult{
			Identity: types.UnknownIdentity,
			Distance: math.Inf(1),
			Verdict:  types.VerdictReject,
		},
	}
	s := newTestServer(capture.NewCommandQueue(1), st)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	if body["state"] != "STREAMING" {
		t.Errorf("expected state STREAMING, got %v", body["state"])
	}
	if body["frames"] != float64(42) {
		t.Errorf("expected 42 frames, got %v", body["frames"])
	}
	last, ok := body["last_result"].(map[string]any)
	if !ok {
		t.Fatalf("expected last_result object, got %v", body["last_result"])
	}
	if last["distance"] != float64(-1) {
		t.Errorf("expected infinite distance reported as -1, got %v", last["distance"])
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		state capture.State
		want  int
	}{
		{capture.StateStreaming, http.StatusOK},
		{capture.StateAcquiring, http.StatusOK},
		{capture.StateTerminated, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			s := newTestServer(capture.NewCommandQueue(1), capture.Status{State: tt.state})
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
