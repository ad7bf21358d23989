// Package provider talks to the status provider HTTP API: media download,
// media upload and status posting.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// HTTPError is a non-2xx answer from the provider.
type HTTPError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s failed: %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s failed: %d: %s", e.Op, e.StatusCode, e.Body)
}

// AsHTTPError unwraps err to an *HTTPError if there is one.
func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// ErrMalformedResponse is returned when a 2xx body lacks the expected identifiers.
var ErrMalformedResponse = errors.New("provider: malformed response")

type Client struct {
	baseURL   string
	baseHost  string
	token     string
	userAgent string
	client    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	var host string
	if u, err := url.Parse(baseURL); err == nil {
		host = u.Host
	}
	return &Client{
		baseURL:   baseURL,
		baseHost:  host,
		token:     token,
		userAgent: "StatusMirror/1.0",
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Download is an open media body. The caller must close Body.
type Download struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Download fetches the media behind ref, which is either an absolute URL or a
// provider media id. A JSON answer for a media id is followed to its url/link.
func (c *Client) Download(ctx context.Context, ref string) (*Download, error) {
	if ref == "" {
		return nil, errors.New("provider: missing media reference")
	}
	direct := isURL(ref)
	target := ref
	if !direct {
		target = c.baseURL + "/media/" + url.PathEscape(ref) + "/download"
	}

	resp, err := c.get(ctx, target)
	if err != nil {
		return nil, err
	}
	contentType := resp.Header.Get("Content-Type")
	if !direct && strings.HasPrefix(contentType, "application/json") {
		var body struct {
			URL  string `json:"url"`
			Link string `json:"link"`
		}
		err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: media descriptor: %v", ErrMalformedResponse, err)
		}
		resolved := body.URL
		if resolved == "" {
			resolved = body.Link
		}
		if resolved == "" {
			return nil, fmt.Errorf("%w: media descriptor has no url", ErrMalformedResponse)
		}
		if resp, err = c.get(ctx, resolved); err != nil {
			return nil, err
		}
		contentType = resp.Header.Get("Content-Type")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Download{Body: resp.Body, ContentType: contentType, ContentLength: resp.ContentLength}, nil
}

func (c *Client) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, newHTTPError("media download", resp)
	}
	return resp, nil
}

// Upload streams the file at path as multipart field "file" and returns the provider media id.
func (c *Client) Upload(ctx context.Context, path, contentType, idempotencyKey string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreatePart(fileHeader(filepath.Base(path), contentType))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/media", pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Idempotency-Key", idempotencyKey)
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", newHTTPError("media upload", resp)
	}

	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: upload: %v", ErrMalformedResponse, err)
	}
	id := extractMediaID(payload)
	if id == "" {
		return "", fmt.Errorf("%w: upload returned no media id", ErrMalformedResponse)
	}
	return id, nil
}

type StatusPost struct {
	Type    string `json:"type"`
	Media   Media  `json:"media"`
	Caption string `json:"caption,omitempty"`
}

type Media struct {
	ID string `json:"id"`
}

// PostStatus publishes an uploaded media item as a status and returns the post id.
func (c *Client) PostStatus(ctx context.Context, post StatusPost, idempotencyKey string) (string, error) {
	body, err := json.Marshal(post)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages/status", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", newHTTPError("status post", resp)
	}

	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: status post: %v", ErrMalformedResponse, err)
	}
	for _, key := range []string{"id", "message_id", "status_id"} {
		if id := stringValue(payload[key]); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: status post returned no id", ErrMalformedResponse)
}

// authorize attaches the bearer token, but never to hosts other than the API's own.
func (c *Client) authorize(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" && req.URL.Host == c.baseHost {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func newHTTPError(op string, resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &HTTPError{
		Op:         op,
		StatusCode: resp.StatusCode,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Body:       strings.TrimSpace(string(body)),
	}
}

// ParseRetryAfter accepts delta-seconds or an HTTP date. Unparseable values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func extractMediaID(payload map[string]any) string {
	for _, key := range []string{"media", "file", "data"} {
		if nested, ok := payload[key].(map[string]any); ok {
			if id := stringValue(nested["id"]); id != "" {
				return id
			}
			if id := stringValue(nested["media_id"]); id != "" {
				return id
			}
		}
	}
	if id := stringValue(payload["id"]); id != "" {
		return id
	}
	return stringValue(payload["media_id"])
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func fileHeader(name, contentType string) textproto.MIMEHeader {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, name)},
		"Content-Type":        {contentType},
	}
}
