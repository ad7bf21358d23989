package media

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/shohag/statusmirror/internal/models"
)

const (
	CanvasWidth  = 1080
	CanvasHeight = 1920
	JPEGQuality  = 92

	// TransformerVersion changes whenever output bytes for the same input may change.
	TransformerVersion = "letterbox-v1"
)

type Transformer interface {
	Transform(ctx context.Context, raw *models.Artifact, kind models.MediaKind) (*models.Artifact, error)
}

// Letterboxer fits media onto a black 1080x1920 canvas.
type Letterboxer struct {
	store            *FileStore
	video            VideoTool
	maxVideoDuration time.Duration
	timeout          time.Duration
}

func NewLetterboxer(store *FileStore, video VideoTool, maxVideoDuration, timeout time.Duration) *Letterboxer {
	return &Letterboxer{store: store, video: video, maxVideoDuration: maxVideoDuration, timeout: timeout}
}

func (l *Letterboxer) Transform(ctx context.Context, raw *models.Artifact, kind models.MediaKind) (*models.Artifact, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	switch kind {
	case models.MediaPhoto:
		if raw.CodecInfo != "" && !strings.HasPrefix(raw.CodecInfo, "image/") {
			return nil, models.StageErrorf(models.ErrUnsupportedFormat, "photo event carries %s", raw.CodecInfo)
		}
		return l.transformPhoto(ctx, raw)
	case models.MediaVideo:
		if raw.CodecInfo != "" && !strings.HasPrefix(raw.CodecInfo, "video/") {
			return nil, models.StageErrorf(models.ErrUnsupportedFormat, "video event carries %s", raw.CodecInfo)
		}
		return l.transformVideo(ctx, raw)
	default:
		return nil, models.StageErrorf(models.ErrUnsupportedFormat, "unknown media kind %q", kind)
	}
}

// FitDimensions scales w x h to the largest size that fits the canvas with the
// aspect ratio preserved. Small inputs are scaled up.
func FitDimensions(w, h int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	scale := math.Min(float64(CanvasWidth)/float64(w), float64(CanvasHeight)/float64(h))
	nw := clamp(int(math.Round(float64(w)*scale)), 1, CanvasWidth)
	nh := clamp(int(math.Round(float64(h)*scale)), 1, CanvasHeight)
	return nw, nh
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (l *Letterboxer) transformPhoto(ctx context.Context, raw *models.Artifact) (*models.Artifact, error) {
	type result struct {
		written *Written
		err     error
	}
	done := make(chan result, 1)

	go func() {
		f, err := os.Open(raw.Path)
		if err != nil {
			done <- result{err: models.NewStageError(models.ErrInternal, err)}
			return
		}
		defer f.Close()

		img, err := imaging.Decode(f, imaging.AutoOrientation(true))
		if err != nil {
			done <- result{err: models.NewStageError(models.ErrUnsupportedFormat, err)}
			return
		}
		b := img.Bounds()
		nw, nh := FitDimensions(b.Dx(), b.Dy())
		if nw == 0 {
			done <- result{err: models.StageErrorf(models.ErrUnsupportedFormat, "empty image")}
			return
		}
		fitted := imaging.Resize(img, nw, nh, imaging.Lanczos)
		canvas := imaging.New(CanvasWidth, CanvasHeight, color.Black)
		canvas = imaging.PasteCenter(canvas, fitted)

		if ctx.Err() != nil {
			done <- result{err: ctx.Err()}
			return
		}
		written, err := l.store.WriteAtomic(raw.EventID, "transformed.jpg", func(w io.Writer) error {
			return imaging.Encode(w, canvas, imaging.JPEG, imaging.JPEGQuality(JPEGQuality))
		})
		done <- result{written: written, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, models.NewStageError(models.ErrTransformTimeout, ctx.Err())
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, context.Canceled) {
				return nil, models.NewStageError(models.ErrTransformTimeout, r.err)
			}
			var se *models.StageError
			if errors.As(r.err, &se) {
				return nil, r.err
			}
			return nil, models.NewStageError(models.ErrInternal, r.err)
		}
		return &models.Artifact{
			EventID:   raw.EventID,
			Stage:     models.ArtifactTransformed,
			Path:      r.written.Path,
			Checksum:  r.written.Checksum,
			ByteSize:  r.written.Size,
			CodecInfo: fmt.Sprintf("image/jpeg q%d %dx%d %s", JPEGQuality, CanvasWidth, CanvasHeight, TransformerVersion),
			CreatedAt: time.Now().UTC(),
		}, nil
	}
}

func (l *Letterboxer) transformVideo(ctx context.Context, raw *models.Artifact) (*models.Artifact, error) {
	if l.video == nil {
		return nil, models.StageErrorf(models.ErrToolUnavailable, "no video tool configured")
	}
	probe, err := l.video.Probe(ctx, raw.Path)
	if err != nil {
		return nil, l.videoError(ctx, err)
	}
	if !probe.HasVideo {
		return nil, models.StageErrorf(models.ErrUnsupportedFormat, "no video stream")
	}
	if l.maxVideoDuration > 0 && probe.Duration > l.maxVideoDuration {
		return nil, models.StageErrorf(models.ErrDurationExceeded, "duration %s exceeds %s",
			probe.Duration.Round(time.Millisecond), l.maxVideoDuration)
	}

	dest := l.store.Path(raw.EventID, "transformed.mp4")
	tmp := dest + ".tmp.mp4"
	defer os.Remove(tmp)
	if err := l.video.Encode(ctx, raw.Path, tmp, probe.HasAudio); err != nil {
		return nil, l.videoError(ctx, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return nil, models.NewStageError(models.ErrInternal, err)
	}
	sum, size, err := FileChecksum(dest)
	if err != nil {
		return nil, models.NewStageError(models.ErrInternal, err)
	}

	audio := "aac 128k"
	if !probe.HasAudio {
		audio = "no audio"
	}
	return &models.Artifact{
		EventID:         raw.EventID,
		Stage:           models.ArtifactTransformed,
		Path:            dest,
		Checksum:        sum,
		ByteSize:        size,
		DurationSeconds: probe.Duration.Seconds(),
		CodecInfo:       fmt.Sprintf("video/mp4 h264 high yuv420p 30fps %s %dx%d %s", audio, CanvasWidth, CanvasHeight, TransformerVersion),
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func (l *Letterboxer) videoError(ctx context.Context, err error) error {
	var se *models.StageError
	if errors.As(err, &se) {
		return err
	}
	if ctx.Err() != nil {
		return models.NewStageError(models.ErrTransformTimeout, err)
	}
	return models.NewStageError(models.ErrInternal, err)
}
