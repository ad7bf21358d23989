package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"time"

	"github.com/shohag/statusmirror/internal/models"
)

type ProbeResult struct {
	Duration time.Duration
	HasVideo bool
	HasAudio bool
	Width    int
	Height   int
}

// VideoTool inspects and re-encodes video files.
type VideoTool interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	Encode(ctx context.Context, in, out string, withAudio bool) error
}

// FFmpeg shells out to the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
}

func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

// Available reports whether both binaries resolve on PATH.
func (f *FFmpeg) Available() error {
	for _, bin := range []string{f.FFmpegPath, f.FFprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return models.NewStageError(models.ErrToolUnavailable, err)
		}
	}
	return nil
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, f.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, toolError(ctx, "ffprobe", err, stderr.Bytes())
	}

	var out ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, models.NewStageError(models.ErrUnsupportedFormat, fmt.Errorf("ffprobe output: %w", err))
	}

	res := &ProbeResult{}
	seconds, _ := strconv.ParseFloat(out.Format.Duration, 64)
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if !res.HasVideo {
				res.HasVideo = true
				res.Width, res.Height = s.Width, s.Height
				if seconds == 0 {
					seconds, _ = strconv.ParseFloat(s.Duration, 64)
				}
			}
		case "audio":
			res.HasAudio = true
		}
	}
	res.Duration = time.Duration(seconds * float64(time.Second))
	return res, nil
}

// EncodeArgs builds the ffmpeg invocation. Bit-exact flags and stripped
// metadata keep the output stable for identical input.
func EncodeArgs(in, out string, withAudio bool) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", in,
		"-map", "0:v:0",
	}
	if withAudio {
		args = append(args, "-map", "0:a:0")
	}
	args = append(args,
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1",
			CanvasWidth, CanvasHeight, CanvasWidth, CanvasHeight),
		"-r", "30",
		"-c:v", "libx264",
		"-profile:v", "high",
		"-pix_fmt", "yuv420p",
		"-preset", "fast",
		"-threads", "1",
	)
	if withAudio {
		args = append(args, "-c:a", "aac", "-b:a", "128k")
	} else {
		args = append(args, "-an")
	}
	return append(args,
		"-movflags", "+faststart",
		"-map_metadata", "-1",
		"-fflags", "+bitexact",
		"-flags:v", "+bitexact",
		"-flags:a", "+bitexact",
		"-f", "mp4",
		out,
	)
}

func (f *FFmpeg) Encode(ctx context.Context, in, out string, withAudio bool) error {
	cmd := exec.CommandContext(ctx, f.FFmpegPath, EncodeArgs(in, out, withAudio)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return toolError(ctx, "ffmpeg", err, stderr.Bytes())
	}
	return nil
}

// outputFailures are stderr fragments that blame the host rather than the input.
var outputFailures = []string{"No space left on device", "Permission denied", "Read-only file system", "Cannot allocate memory"}

// toolError classifies a failed ffprobe or ffmpeg run. A tool that exits on
// its own with a non-zero status could not read the input, unless stderr shows
// a host problem. A tool killed by a signal is retried.
func toolError(ctx context.Context, tool string, err error, stderr []byte) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return models.NewStageError(models.ErrToolUnavailable, fmt.Errorf("%s: %w", tool, err))
	}
	if ctx.Err() != nil {
		return models.NewStageError(models.ErrTransformTimeout, fmt.Errorf("%s: %w", tool, ctx.Err()))
	}
	msg := bytes.TrimSpace(stderr)
	if len(msg) > 512 {
		msg = msg[len(msg)-512:]
	}
	wrapped := fmt.Errorf("%s: %w: %s", tool, err, msg)

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() < 0 {
		return models.NewStageError(models.ErrInternal, wrapped)
	}
	for _, f := range outputFailures {
		if bytes.Contains(msg, []byte(f)) {
			return models.NewStageError(models.ErrInternal, wrapped)
		}
	}
	return models.NewStageError(models.ErrUnsupportedFormat, wrapped)
}
