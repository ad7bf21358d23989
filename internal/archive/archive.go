package archive

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/shohag/statusmirror/internal/config"
	"github.com/shohag/statusmirror/internal/models"
)

// ObjectPutter is the part of the object store client the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioArchiver copies delivered artifacts into an S3-compatible bucket.
type MinioArchiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

func New(cfg config.ArchiveConfig) (*MinioArchiver, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return NewWithClient(cl, cfg.Bucket, cfg.Prefix), nil
}

func NewWithClient(client ObjectPutter, bucket, prefix string) *MinioArchiver {
	return &MinioArchiver{client: client, bucket: bucket, prefix: prefix}
}

// Key is the object key for an artifact: <prefix>/<yyyy>/<mm>/<dd>/<event_id>/<file>.
func (m *MinioArchiver) Key(ev *models.Event, a *models.Artifact) string {
	day := ev.ReceivedAt.UTC().Format("2006/01/02")
	return path.Join(m.prefix, day, ev.ID, filepath.Base(a.Path))
}

func (m *MinioArchiver) Archive(ctx context.Context, ev *models.Event, a *models.Artifact) (string, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}

	key := m.Key(ev, a)
	_, err = m.client.PutObject(ctx, m.bucket, key, f, info.Size(), minio.PutObjectOptions{
		ContentType: mime.TypeByExtension(filepath.Ext(a.Path)),
		UserMetadata: map[string]string{
			"event-id":    ev.ID,
			"external-id": ev.ExternalID,
			"checksum":    a.Checksum,
			"post-id":     ev.ReceiptPostID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}
