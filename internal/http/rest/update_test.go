package rest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/app_updater/internal/storage"
	"github.com/italolelis/app_updater/internal/telemetry"
	"github.com/italolelis/app_updater/internal/update"
	"github.com/italolelis/app_updater/internal/updatecheck"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpdater struct {
	mu        sync.Mutex
	startErr  error
	cancelErr error
	started   []string
	active    *update.SessionInfo
	stream    chan update.Progress
	subscribe chan struct{}
}

func (f *fakeUpdater) Start(_ context.Context, rawURL string, _ ...update.StartOption) (update.DownloadID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return 0, f.startErr
	}

	f.started = append(f.started, rawURL)

	return update.DownloadID(100 + len(f.started)), nil
}

func (f *fakeUpdater) Cancel(context.Context) error {
	return f.cancelErr
}

func (f *fakeUpdater) Active() (update.SessionInfo, bool) {
	if f.active == nil {
		return update.SessionInfo{}, false
	}

	return *f.active, true
}

func (f *fakeUpdater) Subscribe(int) (<-chan update.Progress, func()) {
	if f.subscribe != nil {
		close(f.subscribe)
	}

	return f.stream, func() {}
}

type fakeChecker struct {
	res     *updatecheck.Result
	err     error
	forced  []bool
	history []storage.CheckRecord
}

func (f *fakeChecker) Check(_ context.Context, force bool) (*updatecheck.Result, error) {
	f.forced = append(f.forced, force)

	return f.res, f.err
}

func (f *fakeChecker) History(context.Context, int) ([]storage.CheckRecord, error) {
	return f.history, nil
}

func mounted(h *UpdateHandler) http.Handler {
	r := chi.NewRouter()
	r.Mount("/update", h.Routes())

	return r
}

func serve(h *UpdateHandler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:1234"

	mounted(h).ServeHTTP(rec, req)

	return rec
}

func TestHandleStartDownload(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		startErr   error
		wantStatus int
		wantError  string
	}{
		{
			name:       "accepted",
			body:       `{"url":"https://example.com/app.apk","version":"1.2.0"}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "malformed body",
			body:       `{"url":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "invalid url",
			body:       `{"url":""}`,
			startErr:   &update.InvalidArgumentError{Field: "url", Reason: "URL is required"},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_argument",
		},
		{
			name:       "enqueue failure",
			body:       `{"url":"https://example.com/app.apk"}`,
			startErr:   &update.EnqueueError{URL: "https://example.com/app.apk", Err: errors.New("disk full")},
			wantStatus: http.StatusBadGateway,
			wantError:  "enqueue_failed",
		},
		{
			name:       "shutting down",
			body:       `{"url":"https://example.com/app.apk"}`,
			startErr:   update.ErrClosed,
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "shutting_down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewUpdateHandler("", "", &fakeUpdater{startErr: tt.startErr}, nil, 0)

			rec := serve(h, http.MethodPost, "/update/download", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			if tt.wantError != "" {
				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantError, resp.Error)

				return
			}

			var resp DownloadResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "Download started", resp.Message)
			assert.Equal(t, update.DownloadID(101), resp.DownloadID)
		})
	}
}

func TestHandleStartDownload_RateLimited(t *testing.T) {
	updater := &fakeUpdater{}
	h := NewUpdateHandler("", "", updater, nil, 2)
	routes := mounted(h)

	codes := make([]int, 0, 3)

	for range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/update/download", strings.NewReader(`{"url":"https://example.com/a.apk"}`))
		req.RemoteAddr = "192.0.2.7:5555"

		routes.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)
	assert.Len(t, updater.started, 2)
}

func TestErrorResponse_CarriesRequestID(t *testing.T) {
	h := NewUpdateHandler("", "", &fakeUpdater{cancelErr: update.ErrNoActiveSession}, nil, 0)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/update/download", nil)
	req.Header.Set(telemetry.RequestIDHeader, "req-42")

	telemetry.RequestID(mounted(h)).ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "no_active_download", resp.Error)
	assert.Equal(t, "req-42", resp.RequestID)
}

func TestHandleCancelDownload(t *testing.T) {
	rec := serve(NewUpdateHandler("", "", &fakeUpdater{}, nil, 0), http.MethodDelete, "/update/download", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(NewUpdateHandler("", "", &fakeUpdater{cancelErr: update.ErrNoActiveSession}, nil, 0), http.MethodDelete, "/update/download", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(NewUpdateHandler("", "", &fakeUpdater{cancelErr: errors.New("boom")}, nil, 0), http.MethodDelete, "/update/download", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	rec := serve(NewUpdateHandler("", "", &fakeUpdater{}, nil, 0), http.MethodGet, "/update/status", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	updater := &fakeUpdater{active: &update.SessionInfo{
		DownloadID: 7,
		Version:    "1.2.0",
		URL:        "https://example.com/app.apk",
		Status:     update.StatusRunning,
		Downloaded: 25,
		Total:      100,
	}}

	rec = serve(NewUpdateHandler("", "", updater, nil, 0), http.MethodGet, "/update/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.EqualValues(t, 7, body["downloadId"])
	assert.Equal(t, "running", body["status"])
	assert.EqualValues(t, 25, body["percentage"])
}

func TestHandleProgress_StreamsEvents(t *testing.T) {
	updater := &fakeUpdater{
		stream:    make(chan update.Progress, 2),
		subscribe: make(chan struct{}),
	}

	srv := httptest.NewServer(mounted(NewUpdateHandler("", "", updater, nil, 0)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/update/progress")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	select {
	case <-updater.subscribe:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not subscribe")
	}

	updater.stream <- update.Progress{DownloadID: 3, Downloaded: 50, Total: 200, Status: update.StatusRunning}
	updater.stream <- update.Progress{DownloadID: 3, Downloaded: 200, Total: 200, Status: update.StatusSucceeded}
	close(updater.stream)

	scanner := bufio.NewScanner(resp.Body)

	var (
		events []string
		data   []ProgressEvent
	)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			var ev ProgressEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			data = append(data, ev)
		}
	}

	assert.Equal(t, []string{"downloadProgress", "downloadProgress"}, events)
	require.Len(t, data, 2)
	assert.Equal(t, 25, data[0].Percentage)
	assert.Equal(t, update.StatusRunning, data[0].Status)
	assert.Equal(t, 100, data[1].Percentage)
	assert.Equal(t, update.StatusSucceeded, data[1].Status)
}

func TestHandleCheck(t *testing.T) {
	checker := &fakeChecker{res: &updatecheck.Result{CurrentVersion: "1.0.0", LatestVersion: "1.1.0", UpdateAvailable: true}}
	h := NewUpdateHandler("", "", &fakeUpdater{}, checker, 0)

	rec := serve(h, http.MethodGet, "/update/check?force=true", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var res updatecheck.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.UpdateAvailable)

	rec = serve(h, http.MethodGet, "/update/check", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true, false}, checker.forced)

	rec = serve(h, http.MethodGet, "/update/check?force=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	checker.err = updatecheck.ErrCheckSkipped
	rec = serve(h, http.MethodGet, "/update/check", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	checker.err = errors.New("version manifest returned HTTP 500")
	rec = serve(h, http.MethodGet, "/update/check", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleCheckHistory(t *testing.T) {
	h := NewUpdateHandler("", "", &fakeUpdater{}, &fakeChecker{}, 0)

	rec := serve(h, http.MethodGet, "/update/check/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCheckRoutesNeedAChecker(t *testing.T) {
	rec := serve(NewUpdateHandler("", "", &fakeUpdater{}, nil, 0), http.MethodGet, "/update/check", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	h := NewUpdateHandler("admin", "secret", &fakeUpdater{}, nil, 0)

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		wantStatus int
	}{
		{name: "missing credentials", wantStatus: http.StatusUnauthorized},
		{name: "wrong password", user: "admin", pass: "nope", setAuth: true, wantStatus: http.StatusUnauthorized},
		{name: "valid credentials", user: "admin", pass: "secret", setAuth: true, wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/update/status", nil)

			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}

			mounted(h).ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}
