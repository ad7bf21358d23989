package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shohag/statusmirror/internal/delivery"
	"github.com/shohag/statusmirror/internal/media"
	"github.com/shohag/statusmirror/internal/models"
	"github.com/shohag/statusmirror/internal/storage"
	"github.com/shohag/statusmirror/internal/tracing"
)

// errBusy means another driver holds the pending attempt for the event.
var errBusy = errors.New("pipeline: event busy")

// Archiver copies a delivered event's transformed artifact to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, ev *models.Event, a *models.Artifact) (string, error)
}

// Notifier announces that an event reached a terminal state.
type Notifier interface {
	Notify(ctx context.Context, ev *models.Event) error
}

type Deps struct {
	Store       storage.Storage
	Tasks       storage.TaskTable
	Acquirer    media.Acquirer
	Transformer media.Transformer
	Publisher   delivery.Publisher
	Retry       delivery.RetryPolicy
	Files       delivery.ArtifactFiles
	Archiver    Archiver
	Notifier    Notifier
	// KeepArtifacts leaves files of delivered events to the janitor, for
	// consumers of the task table that read prepared_path after delivery.
	KeepArtifacts bool
	Log           zerolog.Logger
}

// Orchestrator is the only component that requests ledger transitions. Every
// stage is bracketed by an attempt row, and every transition is a CAS.
type Orchestrator struct {
	store         storage.Storage
	tasks         storage.TaskTable
	acquirer      media.Acquirer
	transformer   media.Transformer
	publisher     delivery.Publisher
	retry         delivery.RetryPolicy
	files         delivery.ArtifactFiles
	archiver      Archiver
	notifier      Notifier
	keepArtifacts bool
	log           zerolog.Logger
	now           func() time.Time
}

func New(d Deps) *Orchestrator {
	tasks := d.Tasks
	if tasks == nil {
		tasks = storage.NoopTaskTable{}
	}
	return &Orchestrator{
		store:         d.Store,
		tasks:         tasks,
		acquirer:      d.Acquirer,
		transformer:   d.Transformer,
		publisher:     d.Publisher,
		retry:         d.Retry,
		files:         d.Files,
		archiver:      d.Archiver,
		notifier:      d.Notifier,
		keepArtifacts: d.KeepArtifacts,
		log:           d.Log.With().Str("component", "pipeline").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Process drives the event from whatever state the ledger holds until it is
// terminal, rescheduled, or owned by another driver. Losing a race is not an error.
func (o *Orchestrator) Process(ctx context.Context, eventID string) error {
	for {
		ev, err := o.store.GetEvent(ctx, eventID)
		if err != nil {
			return fmt.Errorf("load event: %w", err)
		}
		if ev == nil {
			return fmt.Errorf("event %s: %w", eventID, storage.ErrNotFound)
		}
		if ev.State.Terminal() {
			return nil
		}
		if ev.NextAttemptAt != nil && ev.NextAttemptAt.After(o.now()) {
			return nil
		}

		var advanced bool
		switch ev.State {
		case models.StateReceived:
			err = o.store.Transition(ctx, ev.ID, models.StateReceived, models.StateAcquiring)
			if errors.Is(err, storage.ErrConflict) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("start acquire: %w", err)
			}
			ev.State = models.StateAcquiring
			advanced, err = o.acquire(ctx, ev)
		case models.StateAcquiring:
			advanced, err = o.acquire(ctx, ev)
		case models.StateTransforming:
			advanced, err = o.transform(ctx, ev)
		case models.StatePublishing:
			advanced, err = o.publish(ctx, ev)
		default:
			return fmt.Errorf("event %s in unknown state %q", ev.ID, ev.State)
		}
		if errors.Is(err, errBusy) {
			o.log.Debug().Str("event_id", ev.ID).Str("state", string(ev.State)).Msg("event is driven elsewhere")
			return nil
		}
		if err != nil || !advanced {
			return err
		}
	}
}

func (o *Orchestrator) acquire(ctx context.Context, ev *models.Event) (bool, error) {
	return o.run(ctx, ev, models.StageAcquire, models.StateTransforming, func(ctx context.Context) ([]storage.TransitionOption, error) {
		raw, err := o.acquirer.Acquire(ctx, ev)
		if err != nil {
			return nil, err
		}
		return nil, o.record(ctx, raw)
	})
}

func (o *Orchestrator) transform(ctx context.Context, ev *models.Event) (bool, error) {
	return o.run(ctx, ev, models.StageTransform, models.StatePublishing, func(ctx context.Context) ([]storage.TransitionOption, error) {
		raw, err := o.current(ctx, ev.ID, models.ArtifactRaw)
		if err != nil {
			return nil, err
		}
		out, err := o.transformer.Transform(ctx, raw, ev.MediaKind)
		if err != nil {
			return nil, err
		}
		if err := o.record(ctx, out); err != nil {
			return nil, err
		}
		err = o.tasks.UpsertPrepared(ctx, storage.Handoff{
			UpstreamTaskID: ev.ID,
			MediaKind:      ev.MediaKind,
			Caption:        ev.Caption,
			SourcePath:     raw.Path,
			PreparedPath:   out.Path,
		})
		if err != nil {
			return nil, fmt.Errorf("task table handoff: %w", err)
		}
		return nil, nil
	})
}

func (o *Orchestrator) publish(ctx context.Context, ev *models.Event) (bool, error) {
	var receipt *models.Receipt
	delivered, err := o.run(ctx, ev, models.StagePublish, models.StateDelivered, func(ctx context.Context) ([]storage.TransitionOption, error) {
		out, err := o.current(ctx, ev.ID, models.ArtifactTransformed)
		if err != nil {
			return nil, err
		}
		receipt, err = o.publisher.Publish(ctx, out, ev)
		if err != nil {
			return nil, err
		}
		return []storage.TransitionOption{storage.WithReceipt(*receipt)}, nil
	})
	if err != nil || !delivered {
		return false, err
	}
	o.log.Info().Str("event_id", ev.ID).Str("post_id", receipt.PostID).Msg("event delivered")
	o.Finalize(ctx, ev.ID)
	return false, nil
}

type stageFunc func(ctx context.Context) ([]storage.TransitionOption, error)

// run executes one stage under a pending attempt inside a trace span. The
// attempt is closed by the same ledger write that moves the event on, so no
// other driver can begin the stage in between.
func (o *Orchestrator) run(ctx context.Context, ev *models.Event, stage models.Stage, to models.EventState, fn stageFunc) (bool, error) {
	att, err := o.store.BeginAttempt(ctx, ev.ID, stage, storage.InState(ev.State))
	if errors.Is(err, storage.ErrConflict) {
		return false, errBusy
	}
	if err != nil {
		return false, fmt.Errorf("begin %s attempt: %w", stage, err)
	}

	spanCtx, span := tracing.StartStage(ctx, string(stage), ev.ID)
	opts, stageErr := fn(spanCtx)
	tracing.End(span, stageErr, attribute.Int("statusmirror.attempt", att.AttemptNumber))
	if stageErr != nil {
		return false, o.failed(ctx, ev, att, stage, stageErr)
	}

	err = o.store.CompleteAttempt(ctx, att.ID, models.AttemptSuccess, "", "", ev.State, to, opts...)
	if errors.Is(err, storage.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete %s attempt: %w", stage, err)
	}
	return true, nil
}

// retryState is where a failed stage waits for its next attempt. Provider
// and tool failures retry the stage in place; an input artifact that failed
// verification sends the event back to the stage that produces it.
func retryState(stage models.Stage, kind models.ErrorKind) models.EventState {
	integrity := kind.Class() == models.ClassIntegrity
	switch stage {
	case models.StageAcquire:
		return models.StateReceived
	case models.StageTransform:
		if integrity {
			return models.StateReceived
		}
		return models.StateTransforming
	default:
		if integrity {
			return models.StateTransforming
		}
		return models.StatePublishing
	}
}

// failed closes the attempt and either reschedules the event or fails it
// permanently, in one ledger write.
func (o *Orchestrator) failed(ctx context.Context, ev *models.Event, att *models.Attempt, stage models.Stage, stageErr error) error {
	kind := models.KindOf(stageErr)
	log := o.log.With().Str("event_id", ev.ID).Str("stage", string(stage)).Str("error_kind", string(kind)).Logger()

	to := models.StateFailedPermanent
	var opts []storage.TransitionOption
	var delay time.Duration
	failures := 1

	if kind.Class() == models.ClassPermanent {
		log.Error().Err(stageErr).Msg("stage failed permanently")
		opts = append(opts, storage.WithError(kind, stageErr.Error()))
	} else {
		prior, err := o.failures(ctx, ev.ID, stage, kind)
		if err != nil {
			return err
		}
		failures += prior
		if o.retry.Exhausted(kind, failures) {
			log.Error().Err(stageErr).Int("failures", failures).Msg("retry ceiling reached")
			opts = append(opts, storage.WithError(kind, fmt.Sprintf("%v (gave up after %d attempts)", stageErr, failures)))
		} else {
			var hint time.Duration
			var se *models.StageError
			if errors.As(stageErr, &se) {
				hint = se.RetryAfter
			}
			delay = o.retry.Delay(failures, hint)
			to = retryState(stage, kind)
			opts = append(opts,
				storage.WithError(kind, stageErr.Error()),
				storage.WithNextAttempt(o.now().Add(delay)),
			)
		}
	}

	err := o.store.CompleteAttempt(ctx, att.ID, models.AttemptFailed, kind, stageErr.Error(), ev.State, to, opts...)
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("close failed %s attempt: %w", stage, err)
	}
	if to == models.StateFailedPermanent {
		o.Finalize(ctx, ev.ID)
		return nil
	}
	log.Warn().Err(stageErr).Int("failures", failures).Dur("retry_in", delay).Str("retry_state", string(to)).Msg("stage rescheduled")
	return nil
}

// failures counts closed failed attempts of stage that share kind's retry ceiling.
func (o *Orchestrator) failures(ctx context.Context, eventID string, stage models.Stage, kind models.ErrorKind) (int, error) {
	attempts, err := o.store.ListAttempts(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("list attempts: %w", err)
	}
	n := 0
	for _, a := range attempts {
		if a.Stage == stage && a.Status == models.AttemptFailed && sameCeiling(a.ErrorKind, kind) {
			n++
		}
	}
	return n, nil
}

func sameCeiling(a, b models.ErrorKind) bool {
	if a == models.ErrRateLimited || b == models.ErrRateLimited {
		return a == b
	}
	return (a.Class() == models.ClassIntegrity) == (b.Class() == models.ClassIntegrity)
}

// record stores the artifact and removes the file it replaces, if any.
func (o *Orchestrator) record(ctx context.Context, a *models.Artifact) error {
	prev, err := o.store.GetArtifact(ctx, a.EventID, a.Stage)
	if err != nil {
		return fmt.Errorf("load %s artifact: %w", a.Stage, err)
	}
	if err := o.store.RecordArtifact(ctx, a); err != nil {
		return fmt.Errorf("record %s artifact: %w", a.Stage, err)
	}
	if prev != nil && prev.Path != a.Path {
		if err := o.files.Remove(prev.Path); err != nil {
			o.log.Warn().Err(err).Str("event_id", a.EventID).Str("path", prev.Path).Msg("failed to remove replaced artifact")
		}
	}
	return nil
}

// current returns the recorded artifact for stage after checking the file on
// disk still matches it.
func (o *Orchestrator) current(ctx context.Context, eventID string, stage models.ArtifactStage) (*models.Artifact, error) {
	a, err := o.store.GetArtifact(ctx, eventID, stage)
	if err != nil {
		return nil, fmt.Errorf("load %s artifact: %w", stage, err)
	}
	if a == nil {
		return nil, models.StageErrorf(models.ErrIntegrity, "no %s artifact recorded", stage)
	}
	sum, _, err := media.FileChecksum(a.Path)
	if err != nil {
		return nil, models.StageErrorf(models.ErrIntegrity, "%s artifact unreadable: %v", stage, err)
	}
	if sum != a.Checksum {
		return nil, models.StageErrorf(models.ErrIntegrity, "%s artifact changed on disk", stage)
	}
	return a, nil
}

// Finalize runs the side effects of a terminal event: archive and cleanup for
// delivered events, and an outcome notification for both terminal states.
func (o *Orchestrator) Finalize(ctx context.Context, eventID string) {
	log := o.log.With().Str("event_id", eventID).Logger()

	ev, err := o.store.GetEvent(ctx, eventID)
	if err != nil || ev == nil {
		log.Error().Err(err).Msg("failed to load event for finalize")
		return
	}
	if !ev.State.Terminal() {
		return
	}

	if ev.State == models.StateDelivered {
		artifacts, err := o.store.ListArtifacts(ctx, ev.ID)
		if err != nil {
			log.Error().Err(err).Msg("failed to list artifacts")
		}
		if o.archiver != nil {
			for i := range artifacts {
				if artifacts[i].Stage != models.ArtifactTransformed {
					continue
				}
				key, err := o.archiver.Archive(ctx, ev, &artifacts[i])
				if err != nil {
					log.Error().Err(err).Msg("failed to archive artifact")
					continue
				}
				log.Debug().Str("key", key).Msg("artifact archived")
			}
		}
		if !o.keepArtifacts {
			o.cleanup(ctx, ev.ID, artifacts)
		}
	}

	if o.notifier != nil {
		if err := o.notifier.Notify(ctx, ev); err != nil {
			log.Error().Err(err).Str("state", string(ev.State)).Msg("failed to publish outcome")
		}
	}
}

func (o *Orchestrator) cleanup(ctx context.Context, eventID string, artifacts []models.Artifact) {
	for _, a := range artifacts {
		if err := o.files.Remove(a.Path); err != nil {
			o.log.Warn().Err(err).Str("event_id", eventID).Str("path", a.Path).Msg("failed to remove artifact")
			continue
		}
		if err := o.store.DeleteArtifact(ctx, a.ID); err != nil {
			o.log.Warn().Err(err).Str("event_id", eventID).Msg("failed to delete artifact row")
		}
	}
	if err := o.files.RemoveEvent(eventID); err != nil {
		o.log.Warn().Err(err).Str("event_id", eventID).Msg("failed to remove event directory")
	}
}
