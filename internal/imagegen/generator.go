// Package imagegen talks to text-to-image backends.
package imagegen

import (
	"context"
	"fmt"
)

// Image is a generated artifact.
type Image struct {
	Data        []byte
	ContentType string
	Model       string
}

// Generator turns a prompt into an image. Implementations do not retry.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*Image, error)
}

// Error is a backend failure. Temporary marks failures worth retrying later
// (rate limits, model cold starts, 5xx).
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Temporary  bool
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Extension returns the file extension for the image content type.
func (img *Image) Extension() string {
	switch img.ContentType {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}
