package http_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/atinyakov/GophPass/internal/gitsync"
	"github.com/atinyakov/GophPass/internal/models"
)

func TestSyncHandler_Trigger(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodPost, "/api/sync", "")

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d; want %d", w.Code, http.StatusAccepted)
	}
	if body := strings.TrimSpace(w.Body.String()); body != `{"status":"idle"}` {
		t.Errorf("body = %q", body)
	}
	if ts.sync.triggered != 1 {
		t.Errorf("triggered %d times; want 1", ts.sync.triggered)
	}
}

func TestSyncHandler_Status(t *testing.T) {
	ts := newTestServer(t)
	ts.sync.state = models.SyncState{Status: models.SyncError, Reason: "network failure", ConsecutiveFailures: 2}

	w := ts.do(http.MethodGet, "/api/sync/status", "")
	var st models.SyncState
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Status != models.SyncError || st.ConsecutiveFailures != 2 {
		t.Errorf("state = %+v", st)
	}
}

func TestSyncHandler_Resolve(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{"resolved", `{"strategy":"merge"}`, nil, http.StatusOK},
		{"still conflicting", `{"strategy":"merge"}`, fmt.Errorf("%w: merge would overwrite", gitsync.ErrMergeConflict), http.StatusConflict},
		{"unknown strategy", `{"strategy":"force"}`, fmt.Errorf("%w: %q", gitsync.ErrUnknownStrategy, "force"), http.StatusBadRequest},
		{"remote down", `{"strategy":"manual"}`, gitsync.ErrNetworkFailure, http.StatusBadGateway},
		{"missing strategy", `{}`, nil, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.sync.resolveErr = tc.err
			w := ts.do(http.MethodPost, "/api/sync/resolve", tc.body)
			if w.Code != tc.wantCode {
				t.Errorf("status = %d; want %d (%s)", w.Code, tc.wantCode, w.Body.String())
			}
		})
	}
}
