package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/shohag/statusmirror/internal/models"
)

var ErrMalformed = errors.New("webhook: malformed payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Batch is what one webhook delivery contributes to the ledger.
type Batch struct {
	Events []models.NewEvent
	// Skipped counts messages that looked like own statuses but failed validation.
	Skipped int
}

// Parse extracts the caller's own photo and video statuses from a provider
// payload. Messages from other senders, non-status messages and messages
// without usable media are ignored.
func Parse(provider string, body []byte) (*Batch, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	batch := &Batch{}
	for _, msg := range messages(payload) {
		if !fromMe(msg) || !isStatus(msg) {
			continue
		}
		ref, fallback, kind, media := extractMedia(msg)
		if kind == "" || ref == "" {
			continue
		}

		ne := models.NewEvent{
			ExternalID: externalID(msg),
			Provider:   provider,
			MediaRef:   ref,
			MediaURL:   fallback,
			MediaKind:  kind,
			Caption:    firstString(msg, "caption", "text"),
		}
		if media != nil {
			ne.DeclaredChecksum = strings.ToLower(firstString(media, "sha256", "checksum"))
			ne.DeclaredSize = firstInt(media, "file_size", "size")
		}
		if err := validate.Struct(ne); err != nil {
			batch.Skipped++
			continue
		}
		batch.Events = append(batch.Events, ne)
	}
	return batch, nil
}

func messages(payload map[string]any) []map[string]any {
	var out []map[string]any
	if list, ok := payload["messages"].([]any); ok {
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	for _, key := range []string{"message", "status"} {
		if m, ok := payload[key].(map[string]any); ok {
			return []map[string]any{m}
		}
	}
	return nil
}

func fromMe(msg map[string]any) bool {
	for _, key := range []string{"from_me", "fromMe"} {
		if v, ok := msg[key]; ok {
			return truthy(v)
		}
	}
	sender := firstString(msg, "from", "author")
	switch strings.ToLower(sender) {
	case "me", "self":
		return true
	}
	return false
}

func isStatus(msg map[string]any) bool {
	for _, key := range []string{"type", "chat_type"} {
		switch firstString(msg, key) {
		case "status", "story":
			return true
		}
	}
	return truthy(msg["is_status"]) || truthy(msg["isStatus"])
}

// extractMedia returns the media reference (provider id preferred over URL),
// the direct URL to fall back on when both are present, the media kind and the
// media object itself.
func extractMedia(msg map[string]any) (string, string, models.MediaKind, map[string]any) {
	var media map[string]any
	for _, key := range []string{"media", "file", "data", "image", "video"} {
		if m, ok := msg[key].(map[string]any); ok {
			media = m
			break
		}
	}

	var kind models.MediaKind
	switch {
	case isObject(msg["image"]):
		kind = models.MediaPhoto
	case isObject(msg["video"]):
		kind = models.MediaVideo
	default:
		kind = kindOf(firstString(msg, "media_type"))
		if kind == "" && media != nil {
			kind = kindOf(firstString(media, "mime_type", "mimetype"))
		}
		if kind == "" {
			kind = kindOf(firstString(msg, "type"))
		}
	}

	if media == nil {
		return "", "", kind, nil
	}
	ref := firstString(media, "id", "media_id")
	link := firstString(media, "url", "link")
	if ref == "" {
		return link, "", kind, media
	}
	return ref, link, kind, media
}

func kindOf(v string) models.MediaKind {
	v = strings.ToLower(v)
	switch {
	case v == "image" || v == "photo" || strings.HasPrefix(v, "image/"):
		return models.MediaPhoto
	case v == "video" || strings.HasPrefix(v, "video/"):
		return models.MediaVideo
	}
	return ""
}

// externalID is the provider's status id, or a digest of the message when the
// provider sent none.
func externalID(msg map[string]any) string {
	if id := firstString(msg, "id", "status_id"); id != "" {
		return id
	}
	canonical, _ := json.Marshal(map[string]any{"event": msg})
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func isObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	case float64:
		return t != 0
	}
	return false
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func firstInt(m map[string]any, keys ...string) int64 {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}
