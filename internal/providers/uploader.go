package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

type Uploader interface {
	UploadBytes(ctx context.Context, objectPath string, contentType string, data []byte) (string, error)
}

type localUploader struct {
	rootDir string
}

func NewLocalUploader(rootDir string) Uploader {
	return &localUploader{rootDir: rootDir}
}

func (u *localUploader) UploadBytes(ctx context.Context, objectPath string, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean := filepath.Clean("/" + objectPath)
	dst := filepath.Join(u.rootDir, clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		return "", err
	}
	abs, _ := filepath.Abs(dst)
	return "file://" + abs, nil
}

// ImageRef is a parsed image reference from a generation result.
type ImageRef struct {
	URL         string
	Data        []byte
	ContentType string
}

// Inline reports whether the image bytes travelled with the result.
func (r ImageRef) Inline() bool { return len(r.Data) > 0 }

// Ext is the file extension matching ContentType.
func (r ImageRef) Ext() string {
	switch r.ContentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// ParseImageRef accepts an http(s) URL, a data URI or bare base64.
func ParseImageRef(ref string) (ImageRef, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return ImageRef{}, errors.New("empty image reference")
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "file://"):
		return ImageRef{URL: ref}, nil
	case strings.HasPrefix(ref, "data:"):
		meta, payload, ok := strings.Cut(ref[len("data:"):], ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return ImageRef{}, errors.New("unsupported data uri")
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return ImageRef{}, fmt.Errorf("decode data uri: %w", err)
		}
		return ImageRef{Data: data, ContentType: strings.TrimSuffix(meta, ";base64")}, nil
	default:
		data, err := base64.StdEncoding.DecodeString(ref)
		if err != nil {
			return ImageRef{}, fmt.Errorf("image reference is neither url nor base64: %w", err)
		}
		return ImageRef{Data: data, ContentType: http.DetectContentType(data)}, nil
	}
}
