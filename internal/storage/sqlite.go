package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/shohag/statusmirror/internal/models"
	"github.com/shohag/statusmirror/internal/storage/migrations"
)

type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=FULL&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return NewSQLiteFromDB(db), nil
}

// NewSQLiteFromDB wraps an already opened handle.
func NewSQLiteFromDB(db *sql.DB) *SQLiteStorage {
	return &SQLiteStorage{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, migrations.FS)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// --- Events ---

const eventColumns = `id, external_id, provider, media_ref, media_url, media_kind, caption, declared_checksum, declared_size,
	state, attempts, last_error_kind, last_error, next_attempt_at, receipt_post_id, delivered_at, received_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var ev models.Event
	err := row.Scan(&ev.ID, &ev.ExternalID, &ev.Provider, &ev.MediaRef, &ev.MediaURL, &ev.MediaKind, &ev.Caption,
		&ev.DeclaredChecksum, &ev.DeclaredSize, &ev.State, &ev.Attempts, &ev.LastErrorKind, &ev.LastError,
		&ev.NextAttemptAt, &ev.ReceiptPostID, &ev.DeliveredAt, &ev.ReceivedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func collectEvents(rows *sql.Rows) ([]models.Event, error) {
	defer rows.Close()
	var events []models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// InsertEventIfAbsent records a new event in state received. When the external id
// is already known the stored event is returned with inserted=false and nothing changes.
func (s *SQLiteStorage) InsertEventIfAbsent(ctx context.Context, ne models.NewEvent) (*models.Event, bool, error) {
	var (
		ev       *models.Event
		inserted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, external_id, provider, media_ref, media_url, media_kind, caption, declared_checksum, declared_size,
				state, received_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(external_id) DO NOTHING`,
			models.NewID("evt"), ne.ExternalID, ne.Provider, ne.MediaRef, ne.MediaURL, ne.MediaKind, ne.Caption,
			strings.ToLower(ne.DeclaredChecksum), ne.DeclaredSize, models.StateReceived, now, now,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		ev, err = scanEvent(tx.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM events WHERE external_id = ?`, ne.ExternalID))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return ev, inserted, nil
}

func (s *SQLiteStorage) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (s *SQLiteStorage) GetEventByExternalID(ctx context.Context, externalID string) (*models.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE external_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (s *SQLiteStorage) ListEvents(ctx context.Context, filter EventFilter) ([]models.Event, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	var args []any
	if filter.State != "" {
		query += ` WHERE state = ?`
		args = append(args, filter.State)
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// Transition moves an event from one state to another if and only if it is
// currently in from. Losing the race returns ErrConflict.
func (s *SQLiteStorage) Transition(ctx context.Context, eventID string, from, to models.EventState, opts ...TransitionOption) error {
	return s.transition(ctx, s.db, eventID, from, to, opts...)
}

func (s *SQLiteStorage) transition(ctx context.Context, ex execer, eventID string, from, to models.EventState, opts ...TransitionOption) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	var u transitionUpdate
	for _, opt := range opts {
		opt(&u)
	}

	now := s.now()
	sets := []string{"state = ?", "updated_at = ?", "next_attempt_at = ?"}
	args := []any{to, now, u.nextAttemptAt}
	if u.setError {
		sets = append(sets, "last_error_kind = ?", "last_error = ?")
		args = append(args, u.errKind, u.errMsg)
	}
	if u.receipt != nil {
		postedAt := u.receipt.PostedAt.UTC()
		if postedAt.IsZero() {
			postedAt = now
		}
		sets = append(sets, "receipt_post_id = ?", "delivered_at = ?")
		args = append(args, u.receipt.PostID, postedAt)
	}
	args = append(args, eventID, from)

	res, err := ex.ExecContext(ctx,
		`UPDATE events SET `+strings.Join(sets, ", ")+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStorage) DeleteEvent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	return err
}

// --- Attempts ---

const attemptColumns = `id, event_id, attempt_number, stage, status, error_kind, error, started_at, finished_at`

func scanAttempt(row rowScanner) (*models.Attempt, error) {
	var a models.Attempt
	if err := row.Scan(&a.ID, &a.EventID, &a.AttemptNumber, &a.Stage, &a.Status, &a.ErrorKind, &a.Error,
		&a.StartedAt, &a.FinishedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// BeginAttempt opens a pending attempt. The partial unique index on pending
// attempts makes a second concurrent driver fail with ErrConflict, and so does
// an event that has left the state required by InState.
func (s *SQLiteStorage) BeginAttempt(ctx context.Context, eventID string, stage models.Stage, opts ...AttemptOption) (*models.Attempt, error) {
	var guard attemptGuard
	for _, opt := range opts {
		opt(&guard)
	}
	var attempt *models.Attempt
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var state models.EventState
		err := tx.QueryRowContext(ctx, `SELECT state FROM events WHERE id = ?`, eventID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if state.Terminal() {
			return ErrConflict
		}
		if guard.state != "" && state != guard.state {
			return ErrConflict
		}

		var last int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(attempt_number), 0) FROM delivery_attempts WHERE event_id = ?`, eventID,
		).Scan(&last); err != nil {
			return err
		}

		now := s.now()
		a := &models.Attempt{
			ID:            models.NewID("att"),
			EventID:       eventID,
			AttemptNumber: last + 1,
			Stage:         stage,
			Status:        models.AttemptPending,
			StartedAt:     now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO delivery_attempts (id, event_id, attempt_number, stage, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.EventID, a.AttemptNumber, a.Stage, a.Status, a.StartedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET attempts = attempts + 1, updated_at = ? WHERE id = ?`, now, eventID,
		); err != nil {
			return err
		}
		attempt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

// FinishAttempt closes a pending attempt exactly once.
func (s *SQLiteStorage) FinishAttempt(ctx context.Context, attemptID string, status models.AttemptStatus, kind models.ErrorKind, msg string) error {
	return s.finishAttempt(ctx, s.db, attemptID, status, kind, msg)
}

func (s *SQLiteStorage) finishAttempt(ctx context.Context, ex execer, attemptID string, status models.AttemptStatus, kind models.ErrorKind, msg string) error {
	if status != models.AttemptSuccess && status != models.AttemptFailed {
		return fmt.Errorf("finish attempt: invalid status %q", status)
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE delivery_attempts SET status = ?, error_kind = ?, error = ?, finished_at = ? WHERE id = ? AND status = ?`,
		status, kind, msg, s.now(), attemptID, models.AttemptPending,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// CompleteAttempt closes a pending attempt and moves its event from -> to in
// one transaction, so the event stays single-flight until its next state is
// durable. When the event is no longer in from, the attempt is still closed
// and ErrConflict is returned.
func (s *SQLiteStorage) CompleteAttempt(ctx context.Context, attemptID string, status models.AttemptStatus, kind models.ErrorKind, msg string, from, to models.EventState, opts ...TransitionOption) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	lost := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var eventID string
		err := tx.QueryRowContext(ctx, `SELECT event_id FROM delivery_attempts WHERE id = ?`, attemptID).Scan(&eventID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := s.finishAttempt(ctx, tx, attemptID, status, kind, msg); err != nil {
			return err
		}
		err = s.transition(ctx, tx, eventID, from, to, opts...)
		if errors.Is(err, ErrConflict) {
			lost = true
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if lost {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStorage) ListAttempts(ctx context.Context, eventID string) ([]models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM delivery_attempts WHERE event_id = ? ORDER BY attempt_number`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// --- Artifacts ---

const artifactColumns = `id, event_id, stage, path, checksum, byte_size, duration_seconds, codec_info, created_at`

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	var a models.Artifact
	if err := row.Scan(&a.ID, &a.EventID, &a.Stage, &a.Path, &a.Checksum, &a.ByteSize, &a.DurationSeconds,
		&a.CodecInfo, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func collectArtifacts(rows *sql.Rows) ([]models.Artifact, error) {
	defer rows.Close()
	var artifacts []models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}

// RecordArtifact stores the artifact for (event, stage), replacing any earlier one.
func (s *SQLiteStorage) RecordArtifact(ctx context.Context, a *models.Artifact) error {
	if a.ID == "" {
		a.ID = models.NewID("art")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media_artifacts (id, event_id, stage, path, checksum, byte_size, duration_seconds, codec_info, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, stage) DO UPDATE SET
			path = excluded.path,
			checksum = excluded.checksum,
			byte_size = excluded.byte_size,
			duration_seconds = excluded.duration_seconds,
			codec_info = excluded.codec_info,
			created_at = excluded.created_at`,
		a.ID, a.EventID, a.Stage, a.Path, a.Checksum, a.ByteSize, a.DurationSeconds, a.CodecInfo, a.CreatedAt,
	)
	return err
}

func (s *SQLiteStorage) GetArtifact(ctx context.Context, eventID string, stage models.ArtifactStage) (*models.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM media_artifacts WHERE event_id = ? AND stage = ?`, eventID, stage))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *SQLiteStorage) ListArtifacts(ctx context.Context, eventID string) ([]models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM media_artifacts WHERE event_id = ? ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	return collectArtifacts(rows)
}

func (s *SQLiteStorage) DeleteArtifact(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM media_artifacts WHERE id = ?`, id)
	return err
}

// --- Sweep and retention ---

// ListRetryable returns non-terminal events that nobody is driving: no pending
// attempt, untouched since olderThan, backoff elapsed and attempts below the ceiling.
func (s *SQLiteStorage) ListRetryable(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events e
		WHERE e.state IN (?, ?, ?, ?)
			AND e.attempts < ?
			AND e.updated_at <= ?
			AND (e.next_attempt_at IS NULL OR e.next_attempt_at <= ?)
			AND NOT EXISTS (
				SELECT 1 FROM delivery_attempts a WHERE a.event_id = e.id AND a.status = ?
			)
		ORDER BY e.received_at
		LIMIT ?`,
		models.StateReceived, models.StateAcquiring, models.StateTransforming, models.StatePublishing,
		maxAttempts, olderThan.UTC(), now, models.AttemptPending, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// AbandonStaleAttempts fails pending attempts left behind by a crashed or hung worker.
func (s *SQLiteStorage) AbandonStaleAttempts(ctx context.Context, startedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_attempts SET status = ?, error_kind = ?, error = ?, finished_at = ?
		WHERE status = ? AND started_at < ?`,
		models.AttemptFailed, models.ErrAbandoned, "attempt was not finished by its worker", s.now(),
		models.AttemptPending, startedBefore.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FailExhausted moves idle events that reached the attempt ceiling to failed_permanent.
func (s *SQLiteStorage) FailExhausted(ctx context.Context, maxAttempts int) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT e.id FROM events e
			WHERE e.state IN (?, ?, ?, ?)
				AND e.attempts >= ?
				AND NOT EXISTS (
					SELECT 1 FROM delivery_attempts a WHERE a.event_id = e.id AND a.status = ?
				)`,
			models.StateReceived, models.StateAcquiring, models.StateTransforming, models.StatePublishing,
			maxAttempts, models.AttemptPending,
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := s.now()
		msg := fmt.Sprintf("attempt ceiling of %d reached", maxAttempts)
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE events SET state = ?, last_error_kind = ?, last_error = ?, next_attempt_at = NULL, updated_at = ?
				WHERE id = ?`,
				models.StateFailedPermanent, models.ErrAttemptsExhausted, msg, now, id,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListExpiredArtifacts returns artifacts of terminal events last touched before cutoff.
func (s *SQLiteStorage) ListExpiredArtifacts(ctx context.Context, cutoff time.Time) ([]models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.event_id, m.stage, m.path, m.checksum, m.byte_size, m.duration_seconds, m.codec_info, m.created_at
		FROM media_artifacts m JOIN events e ON e.id = m.event_id
		WHERE e.state IN (?, ?) AND e.updated_at < ?
		ORDER BY m.created_at`,
		models.StateDelivered, models.StateFailedPermanent, cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	return collectArtifacts(rows)
}

// PurgeDelivered removes delivered events older than cutoff. Failed events are kept for inspection.
func (s *SQLiteStorage) PurgeDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE state = ? AND updated_at < ?`, models.StateDelivered, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Stats ---

func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByState: map[models.EventState]int64{}}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM events GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state models.EventState
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		stats.ByState[state] = n
		stats.TotalEvents += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0)
		FROM delivery_attempts`,
	).Scan(&stats.TotalAttempts, &stats.FailedAttempts, &stats.PendingAttempts)
	if err != nil {
		return nil, err
	}

	terminal := stats.ByState[models.StateDelivered] + stats.ByState[models.StateFailedPermanent]
	if terminal > 0 {
		stats.SuccessRate = float64(stats.ByState[models.StateDelivered]) / float64(terminal) * 100
	}
	return stats, nil
}
