package selfcheck

import (
	"context"
	"fmt"
	"image/color"
	"io"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shohag/statusmirror/internal/delivery"
	"github.com/shohag/statusmirror/internal/media"
	"github.com/shohag/statusmirror/internal/models"
	"github.com/shohag/statusmirror/internal/pipeline"
	"github.com/shohag/statusmirror/internal/storage"
)

const (
	StageStorage  = "storage"
	StageMediaDir = "media_dir"
	StageIngest   = "ingest"
	StageVerify   = "verify"
)

type Result struct {
	Passed      bool          `json:"passed"`
	FailedStage string        `json:"failed_stage,omitempty"`
	Error       string        `json:"error,omitempty"`
	EventID     string        `json:"event_id,omitempty"`
	Took        time.Duration `json:"took"`
}

type Deps struct {
	Store       storage.Storage
	Files       *media.FileStore
	Transformer media.Transformer
	Retry       delivery.RetryPolicy
	Log         zerolog.Logger
}

// Run pushes one synthetic photo event through the real ledger and transformer
// with a generated source image and a dry-run publisher, then removes it.
func Run(ctx context.Context, d Deps) *Result {
	start := time.Now()
	res := check(ctx, d)
	res.Took = time.Since(start)
	return res
}

func check(ctx context.Context, d Deps) *Result {
	if err := d.Store.Migrate(ctx); err != nil {
		return failed(StageStorage, err, "")
	}
	if err := d.Files.Ensure(); err != nil {
		return failed(StageMediaDir, err, "")
	}

	ev, _, err := d.Store.InsertEventIfAbsent(ctx, models.NewEvent{
		ExternalID: "selfcheck-" + uuid.NewString(),
		Provider:   "selfcheck",
		MediaRef:   "synthetic",
		MediaKind:  models.MediaPhoto,
		Caption:    "selfcheck",
	})
	if err != nil {
		return failed(StageIngest, err, "")
	}
	defer func() {
		// The synthetic event never stays in the ledger, whatever the outcome.
		if err := d.Store.DeleteEvent(context.WithoutCancel(ctx), ev.ID); err != nil {
			d.Log.Warn().Err(err).Str("event_id", ev.ID).Msg("failed to delete selfcheck event")
		}
		if err := d.Files.RemoveEvent(ev.ID); err != nil {
			d.Log.Warn().Err(err).Str("event_id", ev.ID).Msg("failed to remove selfcheck files")
		}
	}()

	orch := pipeline.New(pipeline.Deps{
		Store:       d.Store,
		Acquirer:    &syntheticAcquirer{files: d.Files},
		Transformer: d.Transformer,
		Publisher:   delivery.DryRunPublisher{},
		Retry:       d.Retry,
		Files:       d.Files,
		Log:         d.Log,
	})
	if err := orch.Process(ctx, ev.ID); err != nil {
		return failed(StageVerify, err, ev.ID)
	}

	got, err := d.Store.GetEvent(ctx, ev.ID)
	if err != nil {
		return failed(StageVerify, err, ev.ID)
	}
	if got.State == models.StateDelivered && got.ReceiptPostID != "" {
		return &Result{Passed: true, EventID: ev.ID}
	}
	return failed(failedStage(ctx, d.Store, got), fmt.Errorf("event ended in %s: %s %s", got.State, got.LastErrorKind, got.LastError), ev.ID)
}

// failedStage names the stage of the last failed attempt.
func failedStage(ctx context.Context, store storage.Storage, ev *models.Event) string {
	attempts, err := store.ListAttempts(ctx, ev.ID)
	if err == nil {
		for i := len(attempts) - 1; i >= 0; i-- {
			if attempts[i].Status == models.AttemptFailed {
				return string(attempts[i].Stage)
			}
		}
	}
	return StageVerify
}

func failed(stage string, err error, eventID string) *Result {
	return &Result{FailedStage: stage, Error: err.Error(), EventID: eventID}
}

// syntheticAcquirer produces a small PNG instead of downloading one.
type syntheticAcquirer struct {
	files *media.FileStore
}

func (s *syntheticAcquirer) Acquire(ctx context.Context, ev *models.Event) (*models.Artifact, error) {
	img := imaging.New(640, 480, color.NRGBA{R: 30, G: 120, B: 200, A: 255})
	w, err := s.files.WriteAtomic(ev.ID, "raw.png", func(w io.Writer) error {
		return imaging.Encode(w, img, imaging.PNG)
	})
	if err != nil {
		return nil, models.NewStageError(models.ErrInternal, err)
	}
	return &models.Artifact{
		EventID:   ev.ID,
		Stage:     models.ArtifactRaw,
		Path:      w.Path,
		Checksum:  w.Checksum,
		ByteSize:  w.Size,
		CodecInfo: "image/png",
	}, nil
}
