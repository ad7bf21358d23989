package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/shohag/statusmirror/internal/models"
	"github.com/shohag/statusmirror/internal/provider"
)

// sniffLen matches the header size mimetype inspects by default.
const sniffLen = 3072

type Downloader interface {
	Download(ctx context.Context, ref string) (*provider.Download, error)
}

type Acquirer interface {
	Acquire(ctx context.Context, ev *models.Event) (*models.Artifact, error)
}

// HTTPAcquirer downloads SOURCE media through the provider API. It never touches the ledger.
type HTTPAcquirer struct {
	client   Downloader
	store    *FileStore
	maxBytes int64
	timeout  time.Duration
}

func NewAcquirer(client Downloader, store *FileStore, maxBytes int64, timeout time.Duration) *HTTPAcquirer {
	return &HTTPAcquirer{client: client, store: store, maxBytes: maxBytes, timeout: timeout}
}

func (a *HTTPAcquirer) Acquire(ctx context.Context, ev *models.Event) (*models.Artifact, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	dl, err := a.download(ctx, ev)
	if err != nil {
		return nil, classifyDownloadError(ctx, err)
	}
	defer dl.Body.Close()

	if a.maxBytes > 0 && dl.ContentLength > a.maxBytes {
		return nil, models.StageErrorf(models.ErrMediaTooLarge, "content length %d exceeds %d", dl.ContentLength, a.maxBytes)
	}

	br := bufio.NewReaderSize(dl.Body, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, classifyDownloadError(ctx, err)
	}
	mt := mimetype.Detect(head)
	ext := mt.Extension()
	if ext == "" {
		ext = ".bin"
	}

	var src io.Reader = br
	if a.maxBytes > 0 {
		src = io.LimitReader(br, a.maxBytes+1)
	}
	written, err := a.store.WriteAtomic(ev.ID, "raw"+ext, func(w io.Writer) error {
		n, err := io.Copy(w, src)
		if err != nil {
			return classifyDownloadError(ctx, err)
		}
		if a.maxBytes > 0 && n > a.maxBytes {
			return models.StageErrorf(models.ErrMediaTooLarge, "body exceeds %d bytes", a.maxBytes)
		}
		if ev.DeclaredSize > 0 && n != ev.DeclaredSize {
			return models.StageErrorf(models.ErrIntegrity, "declared size %d, received %d", ev.DeclaredSize, n)
		}
		return nil
	})
	if err != nil {
		var se *models.StageError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, models.NewStageError(models.ErrInternal, fmt.Errorf("write raw artifact: %w", err))
	}

	if ev.DeclaredChecksum != "" && !strings.EqualFold(ev.DeclaredChecksum, written.Checksum) {
		_ = a.store.Remove(written.Path)
		return nil, models.StageErrorf(models.ErrIntegrity, "declared checksum %s, received %s", ev.DeclaredChecksum, written.Checksum)
	}

	return &models.Artifact{
		EventID:   ev.ID,
		Stage:     models.ArtifactRaw,
		Path:      written.Path,
		Checksum:  written.Checksum,
		ByteSize:  written.Size,
		CodecInfo: mt.String(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// download fetches MediaRef, or MediaURL when the provider no longer knows the reference.
func (a *HTTPAcquirer) download(ctx context.Context, ev *models.Event) (*provider.Download, error) {
	dl, err := a.client.Download(ctx, ev.MediaRef)
	if err == nil || ev.MediaURL == "" || ev.MediaURL == ev.MediaRef {
		return dl, err
	}
	he, ok := provider.AsHTTPError(err)
	if !ok || (he.StatusCode != http.StatusNotFound && he.StatusCode != http.StatusGone) {
		return nil, err
	}
	return a.client.Download(ctx, ev.MediaURL)
}

// classifyDownloadError maps a SOURCE download failure onto the error taxonomy.
func classifyDownloadError(ctx context.Context, err error) error {
	if he, ok := provider.AsHTTPError(err); ok {
		switch {
		case he.StatusCode == http.StatusUnauthorized || he.StatusCode == http.StatusForbidden:
			return models.NewStageError(models.ErrAuth, err)
		case he.StatusCode == http.StatusNotFound || he.StatusCode == http.StatusGone:
			return models.NewStageError(models.ErrMediaGone, err)
		case he.StatusCode == http.StatusRequestEntityTooLarge:
			return models.NewStageError(models.ErrMediaTooLarge, err)
		case he.StatusCode == http.StatusTooManyRequests:
			return &models.StageError{Kind: models.ErrRateLimited, RetryAfter: he.RetryAfter, Err: err}
		default:
			return &models.StageError{Kind: models.ErrSourceUnavailable, RetryAfter: he.RetryAfter, Err: err}
		}
	}
	if ctx.Err() != nil {
		return models.NewStageError(models.ErrSourceUnavailable, fmt.Errorf("download timed out: %w", err))
	}
	return models.NewStageError(models.ErrSourceUnavailable, err)
}
