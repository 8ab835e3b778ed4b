// Package artifacts stores generated images and hands out URLs for them.
package artifacts

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
)

// Artifact is a stored image. Ref is persisted with the generation record;
// URL is what the client receives.
type Artifact struct {
	Ref         string
	URL         string
	Size        int64
	ContentType string
}

// Store persists artifact bytes.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (*Artifact, error)
	// URL resolves a stored Ref into a client URL.
	URL(ctx context.Context, ref string) (string, error)
}

var ErrUnknownRef = errors.New("unknown artifact reference")

// DataURLStore inlines the image as a base64 data URL. Nothing leaves the process.
type DataURLStore struct{}

var _ Store = DataURLStore{}

func (DataURLStore) Put(_ context.Context, _ string, data []byte, contentType string) (*Artifact, error) {
	if contentType == "" {
		contentType = "image/png"
	}
	u := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
	return &Artifact{Ref: u, URL: u, Size: int64(len(data)), ContentType: contentType}, nil
}

func (DataURLStore) URL(_ context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "data:") {
		return "", ErrUnknownRef
	}
	return ref, nil
}
