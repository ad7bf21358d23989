package models

import "time"

type EventState string

const (
	StateReceived        EventState = "received"
	StateAcquiring       EventState = "acquiring"
	StateTransforming    EventState = "transforming"
	StatePublishing      EventState = "publishing"
	StateDelivered       EventState = "delivered"
	StateFailedPermanent EventState = "failed_permanent"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s EventState) Terminal() bool {
	return s == StateDelivered || s == StateFailedPermanent
}

type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaPhoto || k == MediaVideo
}

type Event struct {
	ID               string     `json:"id"`
	ExternalID       string     `json:"external_id"`
	Provider         string     `json:"provider"`
	MediaRef         string     `json:"media_ref"`
	MediaURL         string     `json:"media_url,omitempty"`
	MediaKind        MediaKind  `json:"media_kind"`
	Caption          string     `json:"caption,omitempty"`
	DeclaredChecksum string     `json:"declared_checksum,omitempty"`
	DeclaredSize     int64      `json:"declared_size,omitempty"`
	State            EventState `json:"state"`
	Attempts         int        `json:"attempts"`
	LastErrorKind    ErrorKind  `json:"last_error_kind,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	NextAttemptAt    *time.Time `json:"next_attempt_at,omitempty"`
	ReceiptPostID    string     `json:"receipt_post_id,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	ReceivedAt       time.Time  `json:"received_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewEvent is what the ingress knows about an event before the ledger assigns it an id.
type NewEvent struct {
	ExternalID       string    `json:"external_id" validate:"required,max=256"`
	Provider         string    `json:"provider" validate:"required"`
	MediaRef         string    `json:"media_ref" validate:"required"`
	// MediaURL is a direct link used when MediaRef is a provider id that no longer resolves.
	MediaURL         string    `json:"media_url,omitempty" validate:"omitempty,url"`
	MediaKind        MediaKind `json:"media_kind" validate:"required,oneof=photo video"`
	Caption          string    `json:"caption,omitempty" validate:"max=4096"`
	DeclaredChecksum string    `json:"declared_checksum,omitempty" validate:"omitempty,hexadecimal,len=64"`
	DeclaredSize     int64     `json:"declared_size,omitempty" validate:"gte=0"`
}

// Receipt is the TARGET provider's acknowledgement of a posted status.
type Receipt struct {
	PostID   string    `json:"post_id"`
	PostedAt time.Time `json:"posted_at"`
}
