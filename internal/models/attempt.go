package models

import "time"

type Stage string

const (
	StageAcquire   Stage = "acquire"
	StageTransform Stage = "transform"
	StagePublish   Stage = "publish"
)

type AttemptStatus string

const (
	AttemptPending AttemptStatus = "pending"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

type Attempt struct {
	ID            string        `json:"id"`
	EventID       string        `json:"event_id"`
	AttemptNumber int           `json:"attempt_number"`
	Stage         Stage         `json:"stage"`
	Status        AttemptStatus `json:"status"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}
