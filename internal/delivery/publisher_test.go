package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/statusmirror/internal/models"
	"github.com/shohag/statusmirror/internal/provider"
)

func transformedFile(t *testing.T) *models.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transformed.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o644))
	return &models.Artifact{EventID: "evt_1", Stage: models.ArtifactTransformed, Path: path}
}

func TestPublishSendsIdempotencyKey(t *testing.T) {
	var uploads, posts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/media", func(w http.ResponseWriter, r *http.Request) {
		uploads.Add(1)
		assert.Equal(t, "evt_1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer target", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"media-1"}`))
	})
	mux.HandleFunc("/messages/status", func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		assert.Equal(t, "evt_1", r.Header.Get("Idempotency-Key"))
		var body provider.StatusPost
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "photo", body.Type)
		assert.Equal(t, "media-1", body.Media.ID)
		assert.Equal(t, "sunset", body.Caption)
		_, _ = w.Write([]byte(`{"id":"post-1"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	pub := NewStatusPublisher(provider.NewClient(srv.URL, "target", 5*time.Second), 5*time.Second)
	ev := &models.Event{ID: "evt_1", MediaKind: models.MediaPhoto, Caption: "  sunset "}
	receipt, err := pub.Publish(context.Background(), transformedFile(t), ev)
	require.NoError(t, err)
	assert.Equal(t, "post-1", receipt.PostID)
	assert.False(t, receipt.PostedAt.IsZero())
	assert.Equal(t, int32(1), uploads.Load())
	assert.Equal(t, int32(1), posts.Load())
}

func TestPublishErrorMapping(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		kind       models.ErrorKind
		wait       time.Duration
	}{
		{status: http.StatusTooManyRequests, retryAfter: "120", kind: models.ErrRateLimited, wait: 2 * time.Minute},
		{status: http.StatusUnauthorized, kind: models.ErrAuth},
		{status: http.StatusUnprocessableEntity, kind: models.ErrProviderRejected},
		{status: http.StatusBadGateway, kind: models.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			pub := NewStatusPublisher(provider.NewClient(srv.URL, "target", 5*time.Second), 5*time.Second)
			_, err := pub.Publish(context.Background(), transformedFile(t), &models.Event{ID: "evt_1", MediaKind: models.MediaPhoto})
			require.Error(t, err)

			var se *models.StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.kind, se.Kind)
			assert.Equal(t, tt.wait, se.RetryAfter)
		})
	}
}

func TestDryRunPublisher(t *testing.T) {
	receipt, err := DryRunPublisher{}.Publish(context.Background(), &models.Artifact{}, &models.Event{ID: "evt_9"})
	require.NoError(t, err)
	assert.Equal(t, "dry-run-evt_9", receipt.PostID)
}
