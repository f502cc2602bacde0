package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/wb-go/wbf/zlog"

	"github.com/eventphoto/photo-pipeline/internal/model"
	"github.com/eventphoto/photo-pipeline/internal/pipeline"
	imagerepo "github.com/eventphoto/photo-pipeline/internal/repository/image"
)

const (
	// ThumbnailMaxSize bounds both thumbnail dimensions.
	ThumbnailMaxSize = 400

	thumbnailJPEGQuality = 85
)

// ThumbnailGenerator produces a bounded-dimension JPEG preview of the
// original image.
type ThumbnailGenerator struct {
	blob    blobStore
	records imageRecords
}

// NewThumbnailGenerator creates a thumbnail generator over the given storage
// backend and image record store.
func NewThumbnailGenerator(blob blobStore, records imageRecords) *ThumbnailGenerator {
	return &ThumbnailGenerator{blob: blob, records: records}
}

// Kind implements pipeline.Processor.
func (p *ThumbnailGenerator) Kind() model.TaskKind { return model.TaskThumbnail }

// Process reads the original, renders the thumbnail, stores it under the
// deterministic derived key, and records the key on the image row.
func (p *ThumbnailGenerator) Process(ctx context.Context, t model.ProcessingTask) error {
	img, err := p.records.GetImage(ctx, t.ImageID)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			return nil
		}

		return fmt.Errorf("thumbnail: failed to load image record: %w", err)
	}

	data, err := p.blob.ReadAll(ctx, img.OriginalKey)
	if err != nil {
		return fmt.Errorf("thumbnail: failed to read original: %w", err)
	}

	encoded, err := RenderThumbnail(data)
	if err != nil {
		return err
	}

	key := ThumbnailKey(img.OriginalKey)
	if err := p.blob.Write(ctx, key, encoded, "image/jpeg"); err != nil {
		return fmt.Errorf("thumbnail: failed to store thumbnail: %w", err)
	}

	if err := p.records.SetThumbnailKey(ctx, t.ImageID, key); err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			zlog.Logger.Info().Str("image_id", t.ImageID.String()).Msg("image deleted mid-flight, discarding thumbnail")
			return nil
		}

		return fmt.Errorf("thumbnail: failed to write back: %w", err)
	}

	return nil
}

// RenderThumbnail decodes raw image bytes and re-encodes a JPEG preview
// bounded to ThumbnailMaxSize on its longest side. Aspect ratio is preserved
// and images already within bounds are not upscaled. Transparency is
// flattened onto a white background for the JPEG encoding.
func RenderThumbnail(data []byte) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, pipeline.Permanent(fmt.Errorf("thumbnail: failed to decode image: %w", err))
	}

	thumb := imaging.Fit(src, ThumbnailMaxSize, ThumbnailMaxSize, imaging.Lanczos)

	var buf bytes.Buffer
	err = imaging.Encode(&buf, flattenOnWhite(thumb), imaging.JPEG, imaging.JPEGQuality(thumbnailJPEGQuality))
	if err != nil {
		return nil, fmt.Errorf("thumbnail: failed to encode jpeg: %w", err)
	}

	return buf.Bytes(), nil
}

// flattenOnWhite composites an image over a white canvas, removing any alpha
// channel before encoding to a format without transparency.
func flattenOnWhite(src image.Image) image.Image {
	bounds := src.Bounds()

	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, &image.Uniform{C: image.White}, image.Point{}, draw.Src)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Over)

	return dst
}
