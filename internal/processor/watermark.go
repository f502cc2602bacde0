package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/wb-go/wbf/zlog"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/eventphoto/photo-pipeline/internal/model"
	"github.com/eventphoto/photo-pipeline/internal/pipeline"
	imagerepo "github.com/eventphoto/photo-pipeline/internal/repository/image"
)

const (
	watermarkMargin      = 20.0
	watermarkJPEGQuality = 95

	// Caption size relative to image width, with a floor for tiny images.
	watermarkFontScale   = 0.05
	watermarkMinFontSize = 12.0
)

// WatermarkCompositor renders a fixed caption semi-transparently near the
// bottom-right corner of the original image. The watermark is an independent
// artifact derived from the original, not from the thumbnail.
type WatermarkCompositor struct {
	blob    blobStore
	records imageRecords
	caption string
	font    *truetype.Font
}

// NewWatermarkCompositor creates a compositor with the given caption. When
// fontPath is empty the embedded Go Regular face is used, so the compositor
// works without any on-disk assets.
func NewWatermarkCompositor(blob blobStore, records imageRecords, caption, fontPath string) (*WatermarkCompositor, error) {
	fontBytes := goregular.TTF
	if fontPath != "" {
		b, err := os.ReadFile(fontPath)
		if err != nil {
			return nil, fmt.Errorf("watermark: failed to read font %s: %w", fontPath, err)
		}
		fontBytes = b
	}

	f, err := truetype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("watermark: failed to parse font: %w", err)
	}

	return &WatermarkCompositor{
		blob:    blob,
		records: records,
		caption: caption,
		font:    f,
	}, nil
}

// Kind implements pipeline.Processor.
func (p *WatermarkCompositor) Kind() model.TaskKind { return model.TaskWatermark }

// Process reads the original, composites the caption, stores the marked copy
// under the deterministic derived key, and records the key on the image row.
func (p *WatermarkCompositor) Process(ctx context.Context, t model.ProcessingTask) error {
	img, err := p.records.GetImage(ctx, t.ImageID)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			return nil
		}

		return fmt.Errorf("watermark: failed to load image record: %w", err)
	}

	data, err := p.blob.ReadAll(ctx, img.OriginalKey)
	if err != nil {
		return fmt.Errorf("watermark: failed to read original: %w", err)
	}

	encoded, err := p.Render(data)
	if err != nil {
		return err
	}

	key := WatermarkKey(img.OriginalKey)
	if err := p.blob.Write(ctx, key, encoded, "image/jpeg"); err != nil {
		return fmt.Errorf("watermark: failed to store watermarked copy: %w", err)
	}

	if err := p.records.SetWatermarkKey(ctx, t.ImageID, key); err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			zlog.Logger.Info().Str("image_id", t.ImageID.String()).Msg("image deleted mid-flight, discarding watermarked copy")
			return nil
		}

		return fmt.Errorf("watermark: failed to write back: %w", err)
	}

	return nil
}

// Render decodes raw image bytes and returns a JPEG copy with the caption
// drawn in white at half opacity, inset from the bottom-right corner, sized
// relative to the image width. Inputs without an alpha channel are converted
// for compositing and flattened back afterward.
func (p *WatermarkCompositor) Render(data []byte) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, pipeline.Permanent(fmt.Errorf("watermark: failed to decode image: %w", err))
	}

	// Clone yields an NRGBA canvas, giving palette and opaque inputs an
	// alpha channel to composite onto.
	canvas := imaging.Clone(src)

	dc := gg.NewContextForImage(canvas)

	fontSize := float64(dc.Width()) * watermarkFontScale
	if fontSize < watermarkMinFontSize {
		fontSize = watermarkMinFontSize
	}

	dc.SetFontFace(truetype.NewFace(p.font, &truetype.Options{Size: fontSize}))
	dc.SetRGBA(1, 1, 1, 0.5)

	tw, th := dc.MeasureString(p.caption)
	x := float64(dc.Width()) - tw - watermarkMargin
	y := float64(dc.Height()) - th - watermarkMargin
	dc.DrawStringAnchored(p.caption, x, y, 0, 1)

	var buf bytes.Buffer
	err = imaging.Encode(&buf, flattenOnWhite(dc.Image()), imaging.JPEG, imaging.JPEGQuality(watermarkJPEGQuality))
	if err != nil {
		return nil, fmt.Errorf("watermark: failed to encode jpeg: %w", err)
	}

	return buf.Bytes(), nil
}
