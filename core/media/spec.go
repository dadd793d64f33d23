// Package media defines the transform operations a session can run
// against its local copy and the runner that executes them.
package media

import (
	"fmt"
	"time"
)

// Kind discriminates the closed set of supported transforms.
type Kind string

const (
	KindScreenshot       Kind = "screenshot"
	KindRandomScreenshot Kind = "random_screenshot"
	KindClip             Kind = "clip"
	KindWatermark        Kind = "watermark"
)

// MaxClipSeconds is the hard ceiling on clip length.
const MaxClipSeconds = 60

// Spec is one transform request. Only the fields for its Kind are read.
type Spec struct {
	Kind            Kind   `json:"kind"`
	AtSecond        int    `json:"at_second,omitempty"`
	StartSecond     int    `json:"start_second,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Text            string `json:"text,omitempty"`
}

// Validate checks the spec's parameters against their bounds. The
// switch is exhaustive over Kind; unknown kinds are rejected.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindScreenshot:
		if s.AtSecond < 0 {
			return fmt.Errorf("screenshot: at_second must be >= 0, got %d", s.AtSecond)
		}
		return nil
	case KindRandomScreenshot:
		return nil
	case KindClip:
		if s.StartSecond < 0 {
			return fmt.Errorf("clip: start_second must be >= 0, got %d", s.StartSecond)
		}
		if s.DurationSeconds < 1 || s.DurationSeconds > MaxClipSeconds {
			return fmt.Errorf("clip: duration_seconds must be in [1,%d], got %d", MaxClipSeconds, s.DurationSeconds)
		}
		return nil
	case KindWatermark:
		if s.Text == "" {
			return fmt.Errorf("watermark: text required")
		}
		return nil
	default:
		return fmt.Errorf("unknown operation kind %q", s.Kind)
	}
}

// OutputExt returns the file extension the transform's output carries.
func (s Spec) OutputExt() string {
	switch s.Kind {
	case KindScreenshot, KindRandomScreenshot:
		return ".jpg"
	default:
		return ".mp4"
	}
}

// ProcessingError reports a non-zero exit from the external media tool.
// The session stays usable; the consumer may retry another operation.
type ProcessingError struct {
	Operation Kind
	Detail    string
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing %s failed: %s", e.Operation, e.Detail)
}

// ProcessingTimeoutError reports a transform killed at the hard ceiling.
type ProcessingTimeoutError struct {
	Operation Kind
	Limit     time.Duration
}

func (e *ProcessingTimeoutError) Error() string {
	return fmt.Sprintf("processing %s exceeded %s and was killed", e.Operation, e.Limit)
}
