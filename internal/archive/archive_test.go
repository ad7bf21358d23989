package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/statusmirror/internal/config"
	"github.com/shohag/statusmirror/internal/models"
)

type fakePutter struct {
	bucket string
	key    string
	body   []byte
	opts   minio.PutObjectOptions
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.bucket, f.key, f.body, f.opts = bucket, key, body, opts
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func fixture(t *testing.T) (*models.Event, *models.Artifact) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "transformed.jpg")
	require.NoError(t, os.WriteFile(p, []byte("jpeg bytes"), 0o644))
	ev := &models.Event{
		ID:            "evt_01",
		ExternalID:    "wamid.1",
		ReceivedAt:    time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		ReceiptPostID: "post-1",
	}
	return ev, &models.Artifact{EventID: ev.ID, Stage: models.ArtifactTransformed, Path: p, Checksum: "abc"}
}

func TestArchivePutsArtifact(t *testing.T) {
	putter := &fakePutter{}
	a := NewWithClient(putter, "mirror", "statuses")
	ev, art := fixture(t)

	key, err := a.Archive(context.Background(), ev, art)
	require.NoError(t, err)

	assert.Equal(t, "statuses/2026/03/04/evt_01/transformed.jpg", key)
	assert.Equal(t, "mirror", putter.bucket)
	assert.Equal(t, []byte("jpeg bytes"), putter.body)
	assert.Equal(t, "image/jpeg", putter.opts.ContentType)
	assert.Equal(t, "wamid.1", putter.opts.UserMetadata["external-id"])
}

func TestArchiveErrors(t *testing.T) {
	ev, art := fixture(t)

	_, err := NewWithClient(&fakePutter{err: errors.New("bucket gone")}, "mirror", "").Archive(context.Background(), ev, art)
	assert.ErrorContains(t, err, "bucket gone")

	art.Path = filepath.Join(t.TempDir(), "missing.jpg")
	_, err = NewWithClient(&fakePutter{}, "mirror", "").Archive(context.Background(), ev, art)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewBuildsMinioClient(t *testing.T) {
	a, err := New(config.ArchiveConfig{Enabled: true, Endpoint: "localhost:9000", Bucket: "mirror", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "mirror", a.bucket)
}
