package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/statusmirror/internal/models"
)

var (
	// ErrConflict reports a lost compare-and-swap or a second in-flight attempt for one event.
	ErrConflict = errors.New("storage: conflict")
	// ErrInvalidTransition reports a state change the event lifecycle does not allow.
	ErrInvalidTransition = errors.New("storage: invalid transition")
	ErrNotFound          = errors.New("storage: not found")
)

// Storage is the ledger. It is the single writer of event, attempt and artifact state.
type Storage interface {
	// Events
	InsertEventIfAbsent(ctx context.Context, ev models.NewEvent) (*models.Event, bool, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	GetEventByExternalID(ctx context.Context, externalID string) (*models.Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]models.Event, error)
	Transition(ctx context.Context, eventID string, from, to models.EventState, opts ...TransitionOption) error
	DeleteEvent(ctx context.Context, id string) error

	// Attempts
	BeginAttempt(ctx context.Context, eventID string, stage models.Stage, opts ...AttemptOption) (*models.Attempt, error)
	FinishAttempt(ctx context.Context, attemptID string, status models.AttemptStatus, kind models.ErrorKind, msg string) error
	CompleteAttempt(ctx context.Context, attemptID string, status models.AttemptStatus, kind models.ErrorKind, msg string, from, to models.EventState, opts ...TransitionOption) error
	ListAttempts(ctx context.Context, eventID string) ([]models.Attempt, error)

	// Artifacts
	RecordArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, eventID string, stage models.ArtifactStage) (*models.Artifact, error)
	ListArtifacts(ctx context.Context, eventID string) ([]models.Artifact, error)
	DeleteArtifact(ctx context.Context, id string) error

	// Sweep and retention
	ListRetryable(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]models.Event, error)
	AbandonStaleAttempts(ctx context.Context, startedBefore time.Time) (int64, error)
	FailExhausted(ctx context.Context, maxAttempts int) ([]string, error)
	ListExpiredArtifacts(ctx context.Context, cutoff time.Time) ([]models.Artifact, error)
	PurgeDelivered(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type EventFilter struct {
	State  models.EventState
	Limit  int
	Offset int
}

type Stats struct {
	TotalEvents     int64                       `json:"total_events"`
	ByState         map[models.EventState]int64 `json:"by_state"`
	TotalAttempts   int64                       `json:"total_attempts"`
	FailedAttempts  int64                       `json:"failed_attempts"`
	PendingAttempts int64                       `json:"pending_attempts"`
	SuccessRate     float64                     `json:"success_rate"`
}

type transitionUpdate struct {
	receipt       *models.Receipt
	errKind       models.ErrorKind
	errMsg        string
	setError      bool
	nextAttemptAt *time.Time
}

type TransitionOption func(*transitionUpdate)

// WithReceipt stores the provider receipt in the same write as the state change.
func WithReceipt(r models.Receipt) TransitionOption {
	return func(u *transitionUpdate) { u.receipt = &r }
}

// WithError records the failure that caused the state change.
func WithError(kind models.ErrorKind, msg string) TransitionOption {
	return func(u *transitionUpdate) {
		u.setError = true
		u.errKind = kind
		u.errMsg = msg
	}
}

// WithNextAttempt delays sweep pickup until t. Without it the event is eligible immediately.
func WithNextAttempt(t time.Time) TransitionOption {
	return func(u *transitionUpdate) {
		t = t.UTC()
		u.nextAttemptAt = &t
	}
}

type attemptGuard struct {
	state models.EventState
}

type AttemptOption func(*attemptGuard)

// InState refuses the attempt unless the event is still in state. A driver
// acting on a stale read loses instead of repeating a finished stage.
func InState(state models.EventState) AttemptOption {
	return func(g *attemptGuard) { g.state = state }
}

// Rolling back from transforming and publishing rebuilds an artifact that
// failed verification.
var allowedTransitions = map[models.EventState][]models.EventState{
	models.StateReceived:     {models.StateAcquiring},
	models.StateAcquiring:    {models.StateReceived, models.StateTransforming},
	models.StateTransforming: {models.StateReceived, models.StateTransforming, models.StatePublishing},
	models.StatePublishing:   {models.StateTransforming, models.StatePublishing, models.StateDelivered},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to models.EventState) bool {
	if from.Terminal() {
		return false
	}
	if to == models.StateFailedPermanent {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
