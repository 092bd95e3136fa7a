package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/posting-queue/internal/api"
	"github.com/notifyhub/posting-queue/internal/clock"
	"github.com/notifyhub/posting-queue/internal/dispatch"
	"github.com/notifyhub/posting-queue/internal/domain"
	"github.com/notifyhub/posting-queue/internal/fingerprint"
	"github.com/notifyhub/posting-queue/internal/lock"
	"github.com/notifyhub/posting-queue/internal/metrics"
	"github.com/notifyhub/posting-queue/internal/publisher"
	"github.com/notifyhub/posting-queue/internal/repository"
	"github.com/notifyhub/posting-queue/internal/retry"
	"github.com/notifyhub/posting-queue/internal/scheduler"
	"github.com/notifyhub/posting-queue/internal/service"
)

func newTestServer(t *testing.T) (*httptest.Server, *publisher.Fake) {
	t.Helper()
	logger := zap.NewNop()
	clk := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	repo := repository.NewMemoryQueueRepository()
	limits := map[domain.Channel]domain.ChannelLimits{
		domain.ChannelTelegram: {HourlyLimit: 10, DailyLimit: 50},
		domain.ChannelTwitter:  {HourlyLimit: 5, DailyLimit: 20, MinGap: 30 * time.Minute},
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	pub := publisher.NewFake()
	pubs := publisher.NewRegistry()
	for ch := range limits {
		pubs.Register(ch, pub)
	}

	sched := scheduler.New(repo, clk, scheduler.Options{Limits: limits, PromoteAfter: 24 * time.Hour, CandidateLimit: 100, StuckAfter: 2 * time.Hour}, logger)
	disp := dispatch.New(repo, pubs, nil, clk, dispatch.Options{
		Limits: limits, StuckAfter: 2 * time.Hour, PublishTimeout: time.Second,
		Retry: retry.NewPolicy(time.Minute, time.Hour, 0, 3),
	}, m.DispatchHooks(), logger)
	svc := service.NewPostingQueue(repo, fingerprint.NewEngine(repo, clk, 6*time.Hour), sched, disp, lock.NewLocal(), clk,
		service.Options{Limits: limits, DedupWindow: 6 * time.Hour, PromoteAfter: 24 * time.Hour, StuckAfter: 2 * time.Hour, MaxAttempts: 3, MaxParallel: 2},
		service.Hooks{OnEnqueue: m.OnEnqueue}, logger)

	srv := httptest.NewServer(api.NewRouter(svc, reg, api.Options{BatchSize: 5, RetentionDays: 7}, logger))
	t.Cleanup(srv.Close)
	return srv, pub
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if s, ok := body.(string); ok {
		rdr = bytes.NewReader([]byte(s))
	} else if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestPosts_Create(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/posts", map[string]any{
		"content": "Market up 2% today", "channel": "telegram", "priority": "high",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["item_id"])
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))

	resp, body = do(t, srv, http.MethodPost, "/api/v1/posts", map[string]any{
		"content": "market up 2%   TODAY", "channel": "twitter",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DUPLICATE", body["reason"])
}

func TestPosts_CreateInvalid(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"bad json", "{", http.StatusBadRequest},
		{"missing content", map[string]any{"channel": "telegram"}, http.StatusUnprocessableEntity},
		{"bad priority", map[string]any{"content": "x", "channel": "telegram", "priority": "asap"}, http.StatusUnprocessableEntity},
		{"unknown channel", map[string]any{"content": "x", "channel": "fax"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, srv, http.MethodPost, "/api/v1/posts", tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			if tc.status == http.StatusUnprocessableEntity {
				assert.Equal(t, "INVALID", body["reason"])
			}
		})
	}
}

func TestPosts_Lifecycle(t *testing.T) {
	srv, pub := newTestServer(t)

	_, body := do(t, srv, http.MethodPost, "/api/v1/posts", map[string]any{"content": "hello", "channel": "telegram"})
	id := body["item_id"].(string)

	resp, body := do(t, srv, http.MethodGet, "/api/v1/posts/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])

	resp, body = do(t, srv, http.MethodGet, "/api/v1/posts/"+id+"/position", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["position"])

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/posts/"+id+"/requeue", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, "/api/v1/process?max=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["posted"])
	assert.Len(t, pub.Calls(), 1)

	resp, body = do(t, srv, http.MethodDelete, "/api/v1/posts/"+id, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ALREADY_DISPATCHED", body["reason"])

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/posts/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPosts_Cancel(t *testing.T) {
	srv, _ := newTestServer(t)

	_, body := do(t, srv, http.MethodPost, "/api/v1/posts", map[string]any{"content": "draft", "channel": "twitter"})
	id := body["item_id"].(string)

	resp, _ := do(t, srv, http.MethodDelete, "/api/v1/posts/"+id+"?reason=off-brand", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = do(t, srv, http.MethodGet, "/api/v1/posts/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, "off-brand", body["last_error"])

	resp, body = do(t, srv, http.MethodDelete, "/api/v1/posts/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["reason"])
}

func TestPosts_List(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/posts", map[string]any{"content": "one", "channel": "telegram"})
	do(t, srv, http.MethodPost, "/api/v1/posts", map[string]any{"content": "two", "channel": "twitter"})

	resp, body := do(t, srv, http.MethodGet, "/api/v1/posts?channel=twitter", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["count"])

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/posts?status=bogus", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/posts?limit=0", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestOps(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, srv, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "channels")

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/cleanup?days=7", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/cleanup?days=zero", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	require.NoError(t, err)
	mresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}
