package media

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os/exec"
	"strconv"
	"strings"

	"github.com/filegram-io/filegram/core/infra/logging"
)

const component = "media"

// Runner executes one transform against a local input file.
type Runner interface {
	Transform(ctx context.Context, inputPath string, spec Spec, outputPath string) error
}

// FFmpeg runs transforms through the ffmpeg/ffprobe CLI tools.
type FFmpeg struct {
	Binary      string
	ProbeBinary string

	// randSecond is swapped out in tests for deterministic timestamps.
	randSecond func(max int) int
}

// NewFFmpeg builds a runner using binaries on PATH.
func NewFFmpeg() *FFmpeg {
	return &FFmpeg{
		Binary:      "ffmpeg",
		ProbeBinary: "ffprobe",
		randSecond:  rand.Intn,
	}
}

// Transform builds the argument list for the operation and runs the
// tool. A non-zero exit surfaces as ProcessingError with trimmed
// stderr; context expiry kills the process.
func (f *FFmpeg) Transform(ctx context.Context, inputPath string, spec Spec, outputPath string) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	at := spec.AtSecond
	if spec.Kind == KindRandomScreenshot {
		at = f.randomTimestamp(ctx, inputPath)
	}
	args := buildArgs(spec, inputPath, outputPath, at)

	cmd := exec.CommandContext(ctx, f.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProcessingError{Operation: spec.Kind, Detail: trimDetail(stderr.String())}
	}
	return nil
}

// randomTimestamp probes the input duration and picks a second inside
// it. Probe failures fall back to the first frame.
func (f *FFmpeg) randomTimestamp(ctx context.Context, inputPath string) int {
	out, err := exec.CommandContext(ctx, f.ProbeBinary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		inputPath,
	).Output()
	if err != nil {
		logging.Warn(component, "duration probe failed", "input", inputPath, "error", err)
		return 0
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || seconds < 1 {
		return 0
	}
	return f.randSecond(int(seconds))
}

func buildArgs(spec Spec, inputPath, outputPath string, at int) []string {
	switch spec.Kind {
	case KindScreenshot, KindRandomScreenshot:
		return []string{
			"-y",
			"-ss", strconv.Itoa(at),
			"-i", inputPath,
			"-frames:v", "1",
			"-q:v", "2",
			outputPath,
		}
	case KindClip:
		return []string{
			"-y",
			"-ss", strconv.Itoa(spec.StartSecond),
			"-t", strconv.Itoa(spec.DurationSeconds),
			"-i", inputPath,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-c:a", "copy",
			outputPath,
		}
	case KindWatermark:
		filter := fmt.Sprintf("drawtext=text='%s':x=10:y=H-th-10:fontsize=24:fontcolor=white:box=1:boxcolor=black@0.4",
			escapeDrawtext(spec.Text))
		return []string{
			"-y",
			"-i", inputPath,
			"-vf", filter,
			"-c:a", "copy",
			outputPath,
		}
	}
	return nil
}

// escapeDrawtext neutralizes the characters the drawtext filter parses.
func escapeDrawtext(text string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
		`%`, `\%`,
	)
	return r.Replace(text)
}

func trimDetail(stderr string) string {
	s := strings.TrimSpace(stderr)
	const max = 500
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	if s == "" {
		s = "no tool output"
	}
	return s
}
