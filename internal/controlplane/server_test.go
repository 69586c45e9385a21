package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraiz/nusbot/internal/fetch"
	"github.com/kraiz/nusbot/internal/filelist"
	"github.com/kraiz/nusbot/internal/hub"
)

type fakeSource struct {
	since     time.Time
	fetchErrs map[string]error
	fetched   []string
}

func (f *fakeSource) Status(context.Context) (*Status, error) {
	return &Status{Status: "ok", Version: "1.0.0", Hub: HubStatus{Address: "hub:1511", State: "CONNECTED", Users: 2}}, nil
}

func (f *fakeSource) Users(context.Context) []User {
	return []User{{SID: "AAAC", CID: "CID1", Nick: "alice", Pending: true}}
}

func (f *fakeSource) Changes(_ context.Context, since time.Time) ([]Change, error) {
	f.since = since
	return []Change{{ID: 1, CID: "CID1", Nick: "alice", Added: []filelist.Record{{Path: "share/a.txt", Size: 3, TTH: "T"}}}}, nil
}

func (f *fakeSource) RequestFetch(_ context.Context, cid string) error {
	if err := f.fetchErrs[cid]; err != nil {
		return err
	}
	f.fetched = append(f.fetched, cid)
	return nil
}

func do(t *testing.T, h http.Handler, method, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPublicRoutes(t *testing.T) {
	h := New(Config{Token: "secret"}, &fakeSource{}).Handler()

	w := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = do(t, h, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodDelete, "/health")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestTokenAuth(t *testing.T) {
	h := New(Config{Token: "secret"}, &fakeSource{}).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/status").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/status", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/status", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/status?token=secret").Code)

	open := New(Config{}, &fakeSource{}).Handler()
	assert.Equal(t, http.StatusOK, do(t, open, http.MethodGet, "/v1/status").Code)
}

func TestStatusAndUsers(t *testing.T) {
	h := New(Config{}, &fakeSource{}).Handler()

	var st Status
	w := do(t, h, http.MethodGet, "/v1/status")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "CONNECTED", st.Hub.State)
	assert.Equal(t, 2, st.Hub.Users)

	var users []User
	w = do(t, h, http.MethodGet, "/v1/users")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &users))
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Nick)
	assert.True(t, users[0].Pending)
}

func TestFetch(t *testing.T) {
	src := &fakeSource{fetchErrs: map[string]error{
		"BUSY":    fmt.Errorf("%w: x", fetch.ErrAlreadyPending),
		"GHOST":   hub.ErrUnknownUser,
		"OFFLINE": hub.ErrNotConnected,
		"BROKEN":  errors.New("boom"),
	}}
	h := New(Config{}, src).Handler()

	tests := []struct {
		cid  string
		code int
	}{
		{"CID1", http.StatusAccepted},
		{"BUSY", http.StatusConflict},
		{"GHOST", http.StatusNotFound},
		{"OFFLINE", http.StatusServiceUnavailable},
		{"BROKEN", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.cid, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/v1/users/"+tt.cid+"/fetch")
			assert.Equal(t, tt.code, w.Code)
		})
	}
	assert.Equal(t, []string{"CID1"}, src.fetched)
}

func TestChanges(t *testing.T) {
	src := &fakeSource{}
	h := New(Config{}, src).Handler()

	w := do(t, h, http.MethodGet, "/v1/changes?since=2024-05-01T00:00:00Z")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, src.since.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))

	var resp ChangesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "share/a.txt", resp.Changes[0].Added[0].Path)

	w = do(t, h, http.MethodGet, "/v1/changes?days=2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, -2), src.since, time.Minute)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/changes?days=-1").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/changes?since=yesterday").Code)
}

func TestParseSince_DefaultsToAWeek(t *testing.T) {
	now := time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)
	got, err := parseSince("", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), got)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{Addr: ln.Addr().String()}, &fakeSource{})
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestStart_DisabledWithoutAddr(t *testing.T) {
	s := New(Config{}, &fakeSource{})
	assert.NoError(t, s.Start(context.Background()))
	assert.True(t, strings.HasPrefix(do(t, s.Handler(), http.MethodGet, "/").Body.String(), `{"name":"nusbot"`))
}

func TestRateLimit(t *testing.T) {
	h := New(Config{}, &fakeSource{}).Handler()

	for i := int64(0); i < apiRate.Limit; i++ {
		require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/status").Code)
	}
	w := do(t, h, http.MethodGet, "/v1/status")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limited")

	// public routes are not limited
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health").Code)
}

func TestCompressionAndCORS(t *testing.T) {
	h := New(Config{}, &fakeSource{}).Handler()

	w := do(t, h, http.MethodGet, "/v1/changes", "Accept-Encoding", "gzip", "Origin", "http://localhost:3000")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(t, h, http.MethodGet, "/health", "Accept-Encoding", "gzip")
	assert.Empty(t, w.Header().Get("Content-Encoding"))
}
