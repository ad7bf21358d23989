package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/statusmirror/internal/delivery"
	"github.com/shohag/statusmirror/internal/media"
	"github.com/shohag/statusmirror/internal/models"
	"github.com/shohag/statusmirror/internal/storage"
)

// scripted returns the queued errors in order, then succeeds.
type scripted struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scripted) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	if len(s.errs) > 1 || !sticky(err) {
		s.errs = s.errs[1:]
	}
	return err
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stickyErr struct{ error }

func (e stickyErr) Unwrap() error { return e.error }

func sticky(err error) bool {
	var s stickyErr
	return errors.As(err, &s)
}

func always(err error) error { return stickyErr{err} }

type fakeAcquirer struct {
	scripted
	files *media.FileStore
}

func (f *fakeAcquirer) Acquire(ctx context.Context, ev *models.Event) (*models.Artifact, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	w, err := f.files.WriteAtomic(ev.ID, "raw.png", func(w io.Writer) error {
		_, err := w.Write([]byte("raw bytes for " + ev.ExternalID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &models.Artifact{EventID: ev.ID, Stage: models.ArtifactRaw, Path: w.Path, Checksum: w.Checksum, ByteSize: w.Size, CodecInfo: "image/png"}, nil
}

type fakeTransformer struct {
	scripted
	files *media.FileStore
}

func (f *fakeTransformer) Transform(ctx context.Context, raw *models.Artifact, kind models.MediaKind) (*models.Artifact, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	w, err := f.files.WriteAtomic(raw.EventID, "transformed.jpg", func(w io.Writer) error {
		_, err := w.Write([]byte("letterboxed"))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &models.Artifact{EventID: raw.EventID, Stage: models.ArtifactTransformed, Path: w.Path, Checksum: w.Checksum, ByteSize: w.Size}, nil
}

type fakePublisher struct {
	scripted
}

func (f *fakePublisher) Publish(ctx context.Context, transformed *models.Artifact, ev *models.Event) (*models.Receipt, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &models.Receipt{PostID: "post-" + ev.ExternalID, PostedAt: time.Now().UTC()}, nil
}

type recordingTasks struct {
	storage.NoopTaskTable
	mu       sync.Mutex
	handoffs []storage.Handoff
}

func (r *recordingTasks) UpsertPrepared(ctx context.Context, h storage.Handoff) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handoffs = append(r.handoffs, h)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	states []models.EventState
}

func (r *recordingNotifier) Notify(ctx context.Context, ev *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, ev.State)
	return nil
}

type recordingArchiver struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingArchiver) Archive(ctx context.Context, ev *models.Event, a *models.Artifact) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, a.Path)
	return "archive/" + ev.ID, nil
}

type harness struct {
	store    *storage.SQLiteStorage
	files    *media.FileStore
	acq      *fakeAcquirer
	tr       *fakeTransformer
	pub      *fakePublisher
	tasks    *recordingTasks
	notifier *recordingNotifier
	archiver *recordingArchiver
	orch     *Orchestrator
	clock    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLite(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	files := media.NewFileStore(filepath.Join(dir, "media"))
	h := &harness{
		store:    store,
		files:    files,
		acq:      &fakeAcquirer{files: files},
		tr:       &fakeTransformer{files: files},
		pub:      &fakePublisher{},
		tasks:    &recordingTasks{},
		notifier: &recordingNotifier{},
		archiver: &recordingArchiver{},
		clock:    time.Now().UTC(),
	}
	h.orch = h.newOrchestrator(store)
	return h
}

// newOrchestrator builds another driver over the harness fakes and clock.
func (h *harness) newOrchestrator(store storage.Storage) *Orchestrator {
	o := New(Deps{
		Store:       store,
		Tasks:       h.tasks,
		Acquirer:    h.acq,
		Transformer: h.tr,
		Publisher:   h.pub,
		Retry: delivery.RetryPolicy{
			InitialInterval:      time.Second,
			MaxInterval:          time.Minute,
			Multiplier:           2,
			MaxStageAttempts:     3,
			MaxRateLimitAttempts: 4,
			MaxIntegrityAttempts: 2,
		},
		Files:    h.files,
		Archiver: h.archiver,
		Notifier: h.notifier,
		Log:      zerolog.Nop(),
	})
	o.now = func() time.Time { return h.clock }
	return o
}

func (h *harness) ingest(t *testing.T, externalID string, kind models.MediaKind) *models.Event {
	t.Helper()
	ev, inserted, err := h.store.InsertEventIfAbsent(context.Background(), models.NewEvent{
		ExternalID: externalID, Provider: "whapi", MediaRef: "media-" + externalID, MediaKind: kind, Caption: "hello",
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return ev
}

// drive runs Process and moves the clock past any backoff, up to n times or
// until the event is terminal.
func (h *harness) drive(t *testing.T, id string, n int) *models.Event {
	t.Helper()
	ctx := context.Background()
	var ev *models.Event
	for i := 0; i < n; i++ {
		require.NoError(t, h.orch.Process(ctx, id))
		var err error
		ev, err = h.store.GetEvent(ctx, id)
		require.NoError(t, err)
		if ev.State.Terminal() {
			return ev
		}
		h.clock = h.clock.Add(time.Hour)
	}
	return ev
}

func attemptsFor(t *testing.T, store storage.Storage, id string, stage models.Stage) (failed, ok int) {
	t.Helper()
	attempts, err := store.ListAttempts(context.Background(), id)
	require.NoError(t, err)
	for _, a := range attempts {
		if a.Stage != stage {
			continue
		}
		switch a.Status {
		case models.AttemptFailed:
			failed++
		case models.AttemptSuccess:
			ok++
		}
	}
	return failed, ok
}

func TestPhotoDeliveredAndResendIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ev := h.ingest(t, "evt1", models.MediaPhoto)

	require.NoError(t, h.orch.Process(ctx, ev.ID))

	got, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, got.State)
	assert.Equal(t, "post-evt1", got.ReceiptPostID)
	require.NotNil(t, got.DeliveredAt)

	attempts, err := h.store.ListAttempts(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)

	require.Len(t, h.tasks.handoffs, 1)
	assert.Equal(t, ev.ID, h.tasks.handoffs[0].UpstreamTaskID)
	assert.Equal(t, h.files.Path(ev.ID, "transformed.jpg"), h.tasks.handoffs[0].PreparedPath)
	assert.Len(t, h.archiver.paths, 1)
	assert.Equal(t, []models.EventState{models.StateDelivered}, h.notifier.states)

	artifacts, err := h.store.ListArtifacts(ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
	assert.NoDirExists(t, h.files.EventDir(ev.ID))

	// Re-sent webhook: the ledger returns the stored event and nothing runs again.
	again, inserted, err := h.store.InsertEventIfAbsent(ctx, models.NewEvent{
		ExternalID: "evt1", Provider: "whapi", MediaRef: "media-evt1", MediaKind: models.MediaPhoto,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, h.orch.Process(ctx, again.ID))

	attempts, err = h.store.ListAttempts(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)
	assert.Equal(t, 1, h.pub.count())
}

func TestTransientFailureStopsAtCeiling(t *testing.T) {
	h := newHarness(t)
	h.acq.errs = []error{always(models.StageErrorf(models.ErrSourceUnavailable, "source down"))}
	ev := h.ingest(t, "flaky", models.MediaPhoto)

	got := h.drive(t, ev.ID, 2)
	assert.Equal(t, models.StateReceived, got.State)
	assert.Equal(t, models.ErrSourceUnavailable, got.LastErrorKind)
	require.NotNil(t, got.NextAttemptAt)

	got = h.drive(t, ev.ID, 10)
	assert.Equal(t, models.StateFailedPermanent, got.State)
	assert.Equal(t, models.ErrSourceUnavailable, got.LastErrorKind)

	failed, ok := attemptsFor(t, h.store, ev.ID, models.StageAcquire)
	assert.Equal(t, 3, failed)
	assert.Equal(t, 0, ok)
	assert.Equal(t, 3, h.acq.count())
	assert.Equal(t, []models.EventState{models.StateFailedPermanent}, h.notifier.states)
}

func TestBackoffIsRespected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.acq.errs = []error{models.StageErrorf(models.ErrSourceUnavailable, "blip")}
	ev := h.ingest(t, "blip", models.MediaPhoto)

	require.NoError(t, h.orch.Process(ctx, ev.ID))
	require.NoError(t, h.orch.Process(ctx, ev.ID))
	assert.Equal(t, 1, h.acq.count(), "second pass must wait for next_attempt_at")

	h.clock = h.clock.Add(time.Hour)
	require.NoError(t, h.orch.Process(ctx, ev.ID))
	got, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, got.State)
}

func TestRateLimitedThreeTimesThenDelivered(t *testing.T) {
	h := newHarness(t)
	limited := &models.StageError{Kind: models.ErrRateLimited, RetryAfter: 30 * time.Second, Err: errors.New("429")}
	h.pub.errs = []error{limited, limited, limited}
	ev := h.ingest(t, "busy", models.MediaPhoto)

	got := h.drive(t, ev.ID, 10)
	assert.Equal(t, models.StateDelivered, got.State)

	failed, ok := attemptsFor(t, h.store, ev.ID, models.StagePublish)
	assert.Equal(t, 3, failed)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, h.acq.count())
	assert.Equal(t, 1, h.tr.count())
}

func TestRateLimitCeilingIsSeparate(t *testing.T) {
	h := newHarness(t)
	limited := &models.StageError{Kind: models.ErrRateLimited, Err: errors.New("429")}
	network := models.StageErrorf(models.ErrNetwork, "reset")
	// Two network failures and three rate limits stay under both ceilings.
	h.pub.errs = []error{network, limited, limited, network, limited}
	ev := h.ingest(t, "mixed", models.MediaPhoto)

	got := h.drive(t, ev.ID, 10)
	assert.Equal(t, models.StateDelivered, got.State)
}

func TestDurationExceededFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.tr.errs = []error{always(models.StageErrorf(models.ErrDurationExceeded, "95s exceeds 60s"))}
	ev := h.ingest(t, "long-video", models.MediaVideo)

	got := h.drive(t, ev.ID, 5)
	assert.Equal(t, models.StateFailedPermanent, got.State)
	assert.Equal(t, models.ErrDurationExceeded, got.LastErrorKind)

	failed, _ := attemptsFor(t, h.store, ev.ID, models.StageTransform)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 0, h.pub.count())

	artifacts, err := h.store.ListArtifacts(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1, "failed events keep their artifacts until retention")
}

func TestIntegrityErrorRetriedOnce(t *testing.T) {
	h := newHarness(t)
	h.acq.errs = []error{always(models.StageErrorf(models.ErrIntegrity, "checksum mismatch"))}
	ev := h.ingest(t, "corrupt", models.MediaPhoto)

	got := h.drive(t, ev.ID, 5)
	assert.Equal(t, models.StateFailedPermanent, got.State)
	assert.Equal(t, models.ErrIntegrity, got.LastErrorKind)
	assert.Equal(t, 2, h.acq.count())
}

func TestTamperedArtifactIsRebuilt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.pub.errs = []error{models.StageErrorf(models.ErrNetwork, "reset")}
	ev := h.ingest(t, "tamper", models.MediaPhoto)

	require.NoError(t, h.orch.Process(ctx, ev.ID))
	got, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatePublishing, got.State)

	w, err := h.files.WriteAtomic(ev.ID, "transformed.jpg", func(w io.Writer) error {
		_, err := w.Write([]byte("something else"))
		return err
	})
	require.NoError(t, err)
	require.NotEmpty(t, w.Checksum)

	h.clock = h.clock.Add(time.Hour)
	require.NoError(t, h.orch.Process(ctx, ev.ID))
	got, err = h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateTransforming, got.State, "publish goes back to transform")
	assert.Equal(t, models.ErrIntegrity, got.LastErrorKind)

	got = h.drive(t, ev.ID, 5)
	assert.Equal(t, models.StateDelivered, got.State)
	assert.Equal(t, 1, h.acq.count())
	assert.Equal(t, 2, h.tr.count())
	assert.Equal(t, 2, h.pub.count(), "the tampered file is never published")
}

func TestMissingRawArtifactIsReacquired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.tr.errs = []error{models.StageErrorf(models.ErrToolUnavailable, "ffmpeg restarting")}
	ev := h.ingest(t, "vanished", models.MediaPhoto)

	require.NoError(t, h.orch.Process(ctx, ev.ID))
	got, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateTransforming, got.State)

	require.NoError(t, os.Remove(h.files.Path(ev.ID, "raw.png")))

	h.clock = h.clock.Add(time.Hour)
	require.NoError(t, h.orch.Process(ctx, ev.ID))
	got, err = h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateReceived, got.State, "transform goes back to acquire")

	got = h.drive(t, ev.ID, 5)
	assert.Equal(t, models.StateDelivered, got.State)
	assert.Equal(t, 2, h.acq.count())
	assert.Equal(t, 2, h.tr.count())
	assert.Equal(t, 1, h.pub.count())
}

// hookStore runs a callback just before an attempt is closed, while the
// stage still holds its pending attempt.
type hookStore struct {
	*storage.SQLiteStorage
	beforeComplete func(to models.EventState)
}

func (s *hookStore) CompleteAttempt(ctx context.Context, attemptID string, status models.AttemptStatus, kind models.ErrorKind, msg string, from, to models.EventState, opts ...storage.TransitionOption) error {
	if s.beforeComplete != nil {
		s.beforeComplete(to)
	}
	return s.SQLiteStorage.CompleteAttempt(ctx, attemptID, status, kind, msg, from, to, opts...)
}

func TestSecondDriverCannotRepeatAStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ev := h.ingest(t, "contended", models.MediaPhoto)

	other := h.newOrchestrator(h.store)
	var seen []models.EventState
	hooked := &hookStore{SQLiteStorage: h.store}
	hooked.beforeComplete = func(to models.EventState) {
		seen = append(seen, to)
		require.NoError(t, other.Process(ctx, ev.ID))
	}
	first := h.newOrchestrator(hooked)

	require.NoError(t, first.Process(ctx, ev.ID))

	got, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, got.State)
	assert.Equal(t, []models.EventState{models.StateTransforming, models.StatePublishing, models.StateDelivered}, seen)
	assert.Equal(t, 1, h.acq.count())
	assert.Equal(t, 1, h.tr.count())
	assert.Equal(t, 1, h.pub.count())

	_, ok := attemptsFor(t, h.store, ev.ID, models.StagePublish)
	assert.Equal(t, 1, ok)
}

func TestConcurrentDriversDeliverOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ev := h.ingest(t, "stampede", models.MediaPhoto)
	drivers := []*Orchestrator{h.orch, h.newOrchestrator(h.store)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			assert.NoError(t, o.Process(ctx, ev.ID))
		}(drivers[i%len(drivers)])
	}
	wg.Wait()
	require.NoError(t, h.orch.Process(ctx, ev.ID))

	got, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, got.State)

	for _, stage := range []models.Stage{models.StageAcquire, models.StageTransform, models.StagePublish} {
		failed, ok := attemptsFor(t, h.store, ev.ID, stage)
		assert.Equal(t, 0, failed, stage)
		assert.Equal(t, 1, ok, stage)
	}
	assert.Equal(t, 1, h.acq.count())
	assert.Equal(t, 1, h.tr.count())
	assert.Equal(t, 1, h.pub.count())
	assert.Equal(t, []models.EventState{models.StateDelivered}, h.notifier.states)
}

func TestIntegrityRollbackHonoursCeiling(t *testing.T) {
	h := newHarness(t)
	ev := h.ingest(t, "rotting-disk", models.MediaPhoto)

	// The transformed file rots every time, right after it is recorded.
	hooked := &hookStore{SQLiteStorage: h.store}
	hooked.beforeComplete = func(to models.EventState) {
		if to == models.StatePublishing {
			require.NoError(t, os.WriteFile(h.files.Path(ev.ID, "transformed.jpg"), []byte("bit rot"), 0o644))
		}
	}
	h.orch = h.newOrchestrator(hooked)

	got := h.drive(t, ev.ID, 5)
	assert.Equal(t, models.StateFailedPermanent, got.State)
	assert.Equal(t, models.ErrIntegrity, got.LastErrorKind)
	assert.Equal(t, 2, h.tr.count())
	assert.Equal(t, 0, h.pub.count())

	failed, _ := attemptsFor(t, h.store, ev.ID, models.StagePublish)
	assert.Equal(t, 2, failed)
}
