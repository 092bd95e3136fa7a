package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/posting-queue/internal/domain"
	"github.com/notifyhub/posting-queue/internal/publisher"
)

func TestIsRetryable(t *testing.T) {
	assert.False(t, publisher.IsRetryable(nil))
	assert.True(t, publisher.IsRetryable(errors.New("connection reset")))
	assert.True(t, publisher.IsRetryable(context.DeadlineExceeded))
	assert.True(t, publisher.IsRetryable(publisher.Transient(errors.New("x"))))
	assert.False(t, publisher.IsRetryable(publisher.Fatal(errors.New("x"))))
	assert.False(t, publisher.IsRetryable(domain.ErrNoPublisher))
}

func TestRegistry(t *testing.T) {
	r := publisher.NewRegistry()
	f := publisher.NewFake()
	r.Register(domain.ChannelTelegram, f)

	got, err := r.Get(domain.ChannelTelegram)
	require.NoError(t, err)
	assert.Same(t, f, got)

	_, err = r.Get(domain.ChannelTwitter)
	assert.ErrorIs(t, err, domain.ErrNoPublisher)
	assert.Equal(t, []domain.Channel{domain.ChannelTelegram}, r.Channels())
}

func TestWebhookPublisher_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		retryable bool
	}{
		{"ok", http.StatusOK, false, false},
		{"accepted", http.StatusAccepted, false, false},
		{"throttled", http.StatusTooManyRequests, true, true},
		{"server error", http.StatusBadGateway, true, true},
		{"bad request", http.StatusBadRequest, true, false},
		{"unauthorized", http.StatusUnauthorized, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got publisher.WebhookRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			p := publisher.NewWebhookPublisher(srv.URL, time.Second)
			err := p.Publish(context.Background(), domain.ChannelLinkedIn, "hello", map[string]string{"k": "v"})

			assert.Equal(t, "linkedin", got.Channel)
			assert.Equal(t, "hello", got.Content)
			assert.Equal(t, "v", got.Metadata["k"])
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.retryable, publisher.IsRetryable(err))
		})
	}
}

func TestWebhookPublisher_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := publisher.NewWebhookPublisher(srv.URL, 50*time.Millisecond)
	err := p.Publish(context.Background(), domain.ChannelTwitter, "hi", nil)
	require.Error(t, err)
	assert.True(t, publisher.IsRetryable(err))
}

func TestTelegramPublisher(t *testing.T) {
	var path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7}}`))
	}))
	defer srv.Close()

	p := publisher.NewTelegramPublisher(srv.URL+"/", "TOKEN", "@chan", time.Second)
	err := p.Publish(context.Background(), domain.ChannelTelegram, "hello", map[string]string{"parse_mode": "HTML"})
	require.NoError(t, err)
	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "@chan", body["chat_id"])
	assert.Equal(t, "hello", body["text"])
	assert.Equal(t, "HTML", body["parse_mode"])
}

func TestTelegramPublisher_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests"}`))
	}))
	defer srv.Close()

	p := publisher.NewTelegramPublisher(srv.URL, "T", "1", time.Second)
	err := p.Publish(context.Background(), domain.ChannelTelegram, "hello", nil)
	require.Error(t, err)
	assert.True(t, publisher.IsRetryable(err))

	long := make([]rune, 4097)
	for i := range long {
		long[i] = 'a'
	}
	err = p.Publish(context.Background(), domain.ChannelTelegram, string(long), nil)
	require.Error(t, err)
	assert.False(t, publisher.IsRetryable(err))
}

func TestFake_ScriptedResults(t *testing.T) {
	boom := errors.New("boom")
	f := publisher.NewFake(boom, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.Publish(ctx, domain.ChannelTelegram, "a", nil), boom)
	assert.NoError(t, f.Publish(ctx, domain.ChannelTelegram, "b", nil))
	assert.NoError(t, f.Publish(ctx, domain.ChannelTelegram, "c", nil))
	assert.Len(t, f.Calls(), 3)
}
