package models

import "time"

type ArtifactStage string

const (
	ArtifactRaw         ArtifactStage = "raw"
	ArtifactTransformed ArtifactStage = "transformed"
)

// Artifact is a media file on local disk owned by exactly one event.
type Artifact struct {
	ID              string        `json:"id"`
	EventID         string        `json:"event_id"`
	Stage           ArtifactStage `json:"stage"`
	Path            string        `json:"path"`
	Checksum        string        `json:"checksum"`
	ByteSize        int64         `json:"byte_size"`
	DurationSeconds float64       `json:"duration_seconds,omitempty"`
	CodecInfo       string        `json:"codec_info,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}
