package delivery

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/shohag/statusmirror/internal/models"
	"github.com/shohag/statusmirror/internal/provider"
)

type Publisher interface {
	Publish(ctx context.Context, transformed *models.Artifact, ev *models.Event) (*models.Receipt, error)
}

type StatusClient interface {
	Upload(ctx context.Context, path, contentType, idempotencyKey string) (string, error)
	PostStatus(ctx context.Context, post provider.StatusPost, idempotencyKey string) (string, error)
}

// StatusPublisher uploads the prepared file to the TARGET account and posts it as a status.
// The event id is sent as the idempotency key on both calls.
type StatusPublisher struct {
	client  StatusClient
	timeout time.Duration
}

func NewStatusPublisher(client StatusClient, timeout time.Duration) *StatusPublisher {
	return &StatusPublisher{client: client, timeout: timeout}
}

func (p *StatusPublisher) Publish(ctx context.Context, transformed *models.Artifact, ev *models.Event) (*models.Receipt, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	contentType := mime.TypeByExtension(filepath.Ext(transformed.Path))
	mediaID, err := p.client.Upload(ctx, transformed.Path, contentType, ev.ID)
	if err != nil {
		return nil, classifyPublishError(err)
	}

	postID, err := p.client.PostStatus(ctx, provider.StatusPost{
		Type:    string(ev.MediaKind),
		Media:   provider.Media{ID: mediaID},
		Caption: strings.TrimSpace(ev.Caption),
	}, ev.ID)
	if err != nil {
		return nil, classifyPublishError(err)
	}
	return &models.Receipt{PostID: postID, PostedAt: time.Now().UTC()}, nil
}

// classifyPublishError maps a TARGET API failure onto the error taxonomy.
func classifyPublishError(err error) error {
	if he, ok := provider.AsHTTPError(err); ok {
		switch {
		case he.StatusCode == http.StatusUnauthorized || he.StatusCode == http.StatusForbidden:
			return models.NewStageError(models.ErrAuth, err)
		case he.StatusCode == http.StatusTooManyRequests:
			return &models.StageError{Kind: models.ErrRateLimited, RetryAfter: he.RetryAfter, Err: err}
		case he.StatusCode == http.StatusRequestTimeout:
			return models.NewStageError(models.ErrNetwork, err)
		case he.StatusCode >= 400 && he.StatusCode < 500:
			return models.NewStageError(models.ErrProviderRejected, err)
		default:
			return &models.StageError{Kind: models.ErrNetwork, RetryAfter: he.RetryAfter, Err: err}
		}
	}
	if errors.Is(err, provider.ErrMalformedResponse) {
		return models.NewStageError(models.ErrNetwork, err)
	}
	var se *models.StageError
	if errors.As(err, &se) {
		return err
	}
	return models.NewStageError(models.ErrNetwork, fmt.Errorf("publish: %w", err))
}

// DryRunPublisher acknowledges every post without contacting the provider.
type DryRunPublisher struct{}

func (DryRunPublisher) Publish(ctx context.Context, transformed *models.Artifact, ev *models.Event) (*models.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.NewStageError(models.ErrNetwork, err)
	}
	return &models.Receipt{PostID: "dry-run-" + ev.ID, PostedAt: time.Now().UTC()}, nil
}
