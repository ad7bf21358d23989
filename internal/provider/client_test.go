package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadByURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 5*time.Second)
	dl, err := c.Download(context.Background(), srv.URL+"/files/a.png")
	require.NoError(t, err)
	defer dl.Body.Close()

	body, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(body))
	assert.Equal(t, "image/png", dl.ContentType)
	assert.Equal(t, int64(9), dl.ContentLength)
}

func TestDownloadByMediaIDFollowsDescriptor(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/media/abc/download", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"link": srv.URL + "/blob/abc"})
	})
	mux.HandleFunc("/blob/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4"))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 5*time.Second)
	dl, err := c.Download(context.Background(), "abc")
	require.NoError(t, err)
	defer dl.Body.Close()
	body, _ := io.ReadAll(dl.Body)
	assert.Equal(t, "mp4", string(body))
	assert.Equal(t, "video/mp4", dl.ContentType)
}

func TestDownloadDoesNotLeakTokenToForeignHost(t *testing.T) {
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("x"))
	}))
	defer foreign.Close()

	c := NewClient("https://api.provider.example", "tok", 5*time.Second)
	dl, err := c.Download(context.Background(), foreign.URL+"/x")
	require.NoError(t, err)
	dl.Body.Close()
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 5*time.Second)
	_, err := c.Download(context.Background(), srv.URL+"/x")
	require.Error(t, err)

	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, he.StatusCode)
	assert.Equal(t, 7*time.Second, he.RetryAfter)
	assert.Equal(t, "slow down", he.Body)
}

func TestUploadAndPostStatus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg-data"), 0o644))

	mux := http.NewServeMux()
	mux.HandleFunc("/media", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "evt_1", r.Header.Get("Idempotency-Key"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "jpeg-data", string(data))
		assert.Equal(t, "out.jpg", hdr.Filename)
		_ = json.NewEncoder(w).Encode(map[string]any{"media": map[string]any{"id": "m-42"}})
	})
	mux.HandleFunc("/messages/status", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "evt_1", r.Header.Get("Idempotency-Key"))
		var post StatusPost
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&post))
		assert.Equal(t, StatusPost{Type: "image", Media: Media{ID: "m-42"}, Caption: "hi"}, post)
		_ = json.NewEncoder(w).Encode(map[string]any{"message_id": "post-9"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 5*time.Second)
	mediaID, err := c.Upload(context.Background(), path, "image/jpeg", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "m-42", mediaID)

	postID, err := c.PostStatus(context.Background(), StatusPost{Type: "image", Media: Media{ID: mediaID}, Caption: "hi"}, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "post-9", postID)
}

func TestPostStatusWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 5*time.Second)
	_, err := c.PostStatus(context.Background(), StatusPost{Type: "image"}, "evt_1")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-1", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}

func TestExtractMediaID(t *testing.T) {
	assert.Equal(t, "a", extractMediaID(map[string]any{"file": map[string]any{"media_id": "a"}}))
	assert.Equal(t, "b", extractMediaID(map[string]any{"id": "b"}))
	assert.Equal(t, "12", extractMediaID(map[string]any{"data": map[string]any{"id": float64(12)}}))
	assert.Equal(t, "", extractMediaID(map[string]any{}))
}
