package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/statusmirror/internal/config"
	"github.com/shohag/statusmirror/internal/storage"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull   = errors.New("delivery: queue full")
	ErrPoolStopped = errors.New("delivery: pool stopped")
)

// Processor drives one event towards a terminal state.
type Processor interface {
	Process(ctx context.Context, eventID string) error
	// Finalize runs the terminal side effects for an event failed outside Process.
	Finalize(ctx context.Context, eventID string)
}

// ArtifactFiles removes artifact files from disk.
type ArtifactFiles interface {
	Remove(path string) error
	RemoveEvent(eventID string) error
}

type Pool struct {
	store     storage.Storage
	proc      Processor
	files     ArtifactFiles
	cfg       config.DeliveryConfig
	retention config.RetentionConfig
	log       zerolog.Logger

	queue    chan string
	mu       sync.Mutex
	inflight map[string]struct{}
	stopped  bool

	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

func NewPool(cfg config.DeliveryConfig, retention config.RetentionConfig, store storage.Storage, proc Processor, files ArtifactFiles, log zerolog.Logger) *Pool {
	return &Pool{
		store:     store,
		proc:      proc,
		files:     files,
		cfg:       cfg,
		retention: retention,
		log:       log.With().Str("component", "pool").Logger(),
		queue:     make(chan string, cfg.QueueSize),
		inflight:  make(map[string]struct{}),
		stop:      make(chan struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("workers", p.cfg.Workers).Int("queue_size", p.cfg.QueueSize).Msg("starting worker pool")

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.tickLoop(ctx, p.cfg.SweepInterval, "sweep", func(ctx context.Context) error {
			_, err := p.Sweep(ctx)
			return err
		})
	}()

	if p.retention.JanitorInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.tickLoop(ctx, p.retention.JanitorInterval, "janitor", func(ctx context.Context) error {
				_, err := p.Janitor(ctx)
				return err
			})
		}()
	}
}

// Stop lets running events finish and drops whatever is still queued. Queued
// events are durable in the ledger and the next sweep picks them up again.
func (p *Pool) Stop() {
	p.log.Info().Msg("stopping worker pool")
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	p.log.Info().Msg("worker pool stopped")
}

// Submit enqueues an event without blocking. An event already queued or
// running is not enqueued twice.
func (p *Pool) Submit(eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if _, ok := p.inflight[eventID]; ok {
		return nil
	}
	select {
	case p.queue <- eventID:
		p.inflight[eventID] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth returns the number of events waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// Busy returns the number of events queued or running.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Pool) done(eventID string) {
	p.mu.Lock()
	delete(p.inflight, eventID)
	p.mu.Unlock()
}

func (p *Pool) tickLoop(ctx context.Context, every time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Error().Err(err).Str("loop", name).Msg("background pass failed")
			}
		}
	}
}

type SweepResult struct {
	Abandoned int64 `json:"abandoned"`
	Exhausted int   `json:"exhausted"`
	Enqueued  int   `json:"enqueued"`
	Deferred  int   `json:"deferred"`
}

// Sweep recovers work the ledger says is unfinished: it abandons attempts whose
// worker vanished, fails events past the attempt ceiling and re-enqueues the rest.
func (p *Pool) Sweep(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{}
	now := p.now()

	abandoned, err := p.store.AbandonStaleAttempts(ctx, now.Add(-p.cfg.StaleAfter))
	if err != nil {
		return nil, err
	}
	res.Abandoned = abandoned
	if abandoned > 0 {
		p.log.Warn().Int64("count", abandoned).Msg("abandoned stale attempts")
	}

	exhausted, err := p.store.FailExhausted(ctx, p.cfg.MaxAttempts)
	if err != nil {
		return nil, err
	}
	res.Exhausted = len(exhausted)
	for _, id := range exhausted {
		p.log.Warn().Str("event_id", id).Int("max_attempts", p.cfg.MaxAttempts).Msg("event exhausted its attempts")
		p.proc.Finalize(ctx, id)
	}

	events, err := p.store.ListRetryable(ctx, now.Add(-p.cfg.IdleGrace), p.cfg.MaxAttempts, p.cfg.SweepBatch)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if err := p.Submit(ev.ID); err != nil {
			res.Deferred = len(events) - res.Enqueued
			p.log.Debug().Err(err).Int("deferred", res.Deferred).Msg("sweep stopped enqueueing")
			break
		}
		res.Enqueued++
	}
	if res.Enqueued > 0 {
		p.log.Info().Int("enqueued", res.Enqueued).Msg("sweep re-enqueued events")
	}
	return res, nil
}

type JanitorResult struct {
	ArtifactsRemoved int   `json:"artifacts_removed"`
	EventsPurged     int64 `json:"events_purged"`
}

// Janitor applies retention. Files of terminal events are removed after the
// artifact TTL; delivered events are purged after the delivered TTL. Failed
// events are kept.
func (p *Pool) Janitor(ctx context.Context) (*JanitorResult, error) {
	res := &JanitorResult{}
	now := p.now()

	expired, err := p.store.ListExpiredArtifacts(ctx, now.Add(-p.retention.ArtifactTTL))
	if err != nil {
		return nil, err
	}
	touched := map[string]struct{}{}
	for _, a := range expired {
		if err := p.files.Remove(a.Path); err != nil {
			p.log.Error().Err(err).Str("event_id", a.EventID).Str("path", a.Path).Msg("failed to remove artifact file")
			continue
		}
		if err := p.store.DeleteArtifact(ctx, a.ID); err != nil {
			return nil, err
		}
		touched[a.EventID] = struct{}{}
		res.ArtifactsRemoved++
	}
	for id := range touched {
		if err := p.files.RemoveEvent(id); err != nil {
			p.log.Error().Err(err).Str("event_id", id).Msg("failed to remove event directory")
		}
	}

	purged, err := p.store.PurgeDelivered(ctx, now.Add(-p.retention.DeliveredTTL))
	if err != nil {
		return nil, err
	}
	res.EventsPurged = purged
	if res.ArtifactsRemoved > 0 || purged > 0 {
		p.log.Info().Int("artifacts_removed", res.ArtifactsRemoved).Int64("events_purged", purged).Msg("retention applied")
	}
	return res, nil
}
