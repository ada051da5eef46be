package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// MaxImageBytes caps attachment size before compression.
	MaxImageBytes = 5 << 20
	// MaxEdge is the longest-edge bound images are fit into before upload.
	MaxEdge = 1920
)

var (
	ErrUnsupportedImage = errors.New("unsupported image type")
	ErrImageTooLarge    = errors.New("image exceeds 5MB")
	// ErrUploadFailed blocks the send; a message is never silently persisted
	// without its attachment.
	ErrUploadFailed = errors.New("image upload failed")
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Uploader puts a blob into object storage and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Processor validates, compresses and uploads message image attachments.
type Processor struct {
	up  Uploader
	log *zap.Logger
}

func NewProcessor(up Uploader, log *zap.Logger) *Processor {
	return &Processor{up: up, log: log}
}

// Prepare validates the attachment and downscales jpeg/png to the longest
// edge bound. gif and webp pass through untouched: re-encoding would drop
// animation frames and the decoder does not cover them anyway.
func (p *Processor) Prepare(data []byte, contentType string) ([]byte, string, error) {
	ext, ok := extensions[contentType]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedImage, contentType)
	}
	if sniffed := http.DetectContentType(data); sniffed != contentType {
		return nil, "", fmt.Errorf("%w: content does not match %s", ErrUnsupportedImage, contentType)
	}
	if len(data) > MaxImageBytes {
		return nil, "", ErrImageTooLarge
	}
	if contentType == "image/gif" || contentType == "image/webp" {
		return data, ext, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	bounds := img.Bounds()
	if bounds.Dx() > MaxEdge || bounds.Dy() > MaxEdge {
		img = imaging.Fit(img, MaxEdge, MaxEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	format := imaging.JPEG
	if contentType == "image/png" {
		format = imaging.PNG
	}
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), ext, nil
}

// UploadImage runs the pipeline for a sender's attachment and returns the
// stored object's URL. Failures wrap ErrUploadFailed only for the storage
// leg; validation errors keep their own identity.
func (p *Processor) UploadImage(ctx context.Context, senderID string, data []byte, contentType string) (string, error) {
	prepared, ext, err := p.Prepare(data, contentType)
	if err != nil {
		return "", err
	}
	key := path.Join("chat", senderID, uuid.NewString()+ext)
	url, err := p.up.Upload(ctx, key, contentType, prepared)
	if err != nil {
		p.log.Error("attachment upload failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return url, nil
}
