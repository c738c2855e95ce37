package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/italolelis/videoproxy/internal/cache"
	"github.com/italolelis/videoproxy/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &DiscordNotifier{WebhookURL: srv.URL}
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, "hello", got["content"])
}

func TestDiscordNotifier_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := (&DiscordNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "x")
	require.ErrorContains(t, err, "status 429")

	err = (&DiscordNotifier{}).Notify(context.Background(), "x")
	require.ErrorContains(t, err, "webhook URL is not set")
}

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Notify(_ context.Context, content string) error {
	r.messages = append(r.messages, content)

	return nil
}

func TestDownloadFailures(t *testing.T) {
	n := &recordingNotifier{}
	hook := DownloadFailures(n)

	hook(context.Background(), cache.FailureEvent{
		FileID: "1",
		Err:    &media.IntegrityError{FileID: "1", Expected: 10, Actual: 7},
	})
	hook(context.Background(), cache.FailureEvent{
		FileID: "2",
		Err:    &media.OriginError{Op: "open", Kind: media.KindTimeout},
	})
	hook(context.Background(), cache.FailureEvent{FileID: "3", Err: errors.New("disk full")})

	require.Len(t, n.messages, 3)
	assert.Contains(t, n.messages[0], "expected 10 bytes, got 7")
	assert.Contains(t, n.messages[1], "origin timeout error")
	assert.Contains(t, n.messages[2], "disk full")

	assert.NotPanics(t, func() {
		DownloadFailures(nil)(context.Background(), cache.FailureEvent{FileID: "4", Err: errors.New("x")})
	})
}
