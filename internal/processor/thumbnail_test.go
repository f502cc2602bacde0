package processor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventphoto/photo-pipeline/internal/model"
	"github.com/eventphoto/photo-pipeline/internal/pipeline"
)

func decodeJPEG(t *testing.T, data []byte) image.Image {
	t.Helper()

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err, "output must be a valid jpeg")
	return img
}

func TestRenderThumbnailBoundsAndAspect(t *testing.T) {
	tests := []struct {
		name  string
		srcW  int
		srcH  int
		wantW int
		wantH int
	}{
		{name: "wide landscape", srcW: 800, srcH: 500, wantW: 400, wantH: 250},
		{name: "tall portrait", srcW: 500, srcH: 1000, wantW: 200, wantH: 400},
		{name: "square", srcW: 600, srcH: 600, wantW: 400, wantH: 400},
		{name: "exactly at bound", srcW: 400, srcH: 400, wantW: 400, wantH: 400},
		{name: "small image is not upscaled", srcW: 200, srcH: 120, wantW: 200, wantH: 120},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src := solidPNG(t, tc.srcW, tc.srcH, color.NRGBA{R: 80, G: 120, B: 160, A: 255})

			out, err := RenderThumbnail(src)
			require.NoError(t, err)

			thumb := decodeJPEG(t, out)
			bounds := thumb.Bounds()
			assert.Equal(t, tc.wantW, bounds.Dx())
			assert.Equal(t, tc.wantH, bounds.Dy())
		})
	}
}

func TestRenderThumbnailFlattensTransparency(t *testing.T) {
	// Fully transparent source: the jpeg has no alpha channel, so the
	// background must come out white rather than black.
	src := solidPNG(t, 100, 100, color.NRGBA{})

	out, err := RenderThumbnail(src)
	require.NoError(t, err)

	thumb := decodeJPEG(t, out)
	r, g, b, _ := thumb.At(50, 50).RGBA()
	assert.Greater(t, r, uint32(0xf000))
	assert.Greater(t, g, uint32(0xf000))
	assert.Greater(t, b, uint32(0xf000))
}

func TestRenderThumbnailCorruptInput(t *testing.T) {
	_, err := RenderThumbnail([]byte("definitely not an image"))

	require.Error(t, err)
	assert.True(t, pipeline.IsPermanent(err))
}

func TestThumbnailProcess(t *testing.T) {
	imageID := uuid.New()
	blob := newMemBlob()
	records := newMemRecords(model.Image{ID: imageID, OriginalKey: "original/party.png"})
	require.NoError(t, blob.Write(context.Background(), "original/party.png", solidPNG(t, 640, 480, color.NRGBA{R: 200, A: 255}), "image/png"))

	p := NewThumbnailGenerator(blob, records)
	err := p.Process(context.Background(), model.ProcessingTask{ImageID: imageID, Kind: model.TaskThumbnail})
	require.NoError(t, err)

	// Stored under the derived key and recorded on the image row.
	stored, err := blob.ReadAll(context.Background(), "thumbnails/thumb_party.jpg")
	require.NoError(t, err)
	assert.Equal(t, 400, decodeJPEG(t, stored).Bounds().Dx())

	img, err := records.GetImage(context.Background(), imageID)
	require.NoError(t, err)
	require.NotNil(t, img.ThumbnailKey)
	assert.Equal(t, "thumbnails/thumb_party.jpg", *img.ThumbnailKey)
}

func TestThumbnailProcessDeletedImage(t *testing.T) {
	p := NewThumbnailGenerator(newMemBlob(), newMemRecords())

	err := p.Process(context.Background(), model.ProcessingTask{ImageID: uuid.New(), Kind: model.TaskThumbnail})
	assert.NoError(t, err)
}

func TestArtifactKeys(t *testing.T) {
	assert.Equal(t, "thumbnails/thumb_abc.jpg", ThumbnailKey("original/abc.png"))
	assert.Equal(t, "watermarked/watermarked_abc.jpg", WatermarkKey("original/abc.png"))

	// Extension is always replaced with .jpg, whatever the original was.
	assert.Equal(t, "thumbnails/thumb_photo.jpg", ThumbnailKey("original/photo.jpeg"))
	assert.Equal(t, "watermarked/watermarked_photo.jpg", WatermarkKey("original/photo.gif"))
}
