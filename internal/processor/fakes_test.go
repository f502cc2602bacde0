package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/eventphoto/photo-pipeline/internal/model"
	imagerepo "github.com/eventphoto/photo-pipeline/internal/repository/image"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

// solidPNG encodes a w x h image filled with c as PNG bytes.
func solidPNG(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	return buf.Bytes()
}

// memBlob is an in-memory blob store.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlob() *memBlob {
	return &memBlob{objects: map[string][]byte{}}
}

func (b *memBlob) ReadAll(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.objects[key]
	if !ok {
		return nil, errors.New("object not found: " + key)
	}

	return data, nil
}

func (b *memBlob) Write(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[key] = data
	return nil
}

// memRecords is an in-memory image record store.
type memRecords struct {
	mu       sync.Mutex
	images   map[uuid.UUID]model.Image
	metadata map[uuid.UUID]model.CameraMetadata
}

func newMemRecords(images ...model.Image) *memRecords {
	r := &memRecords{
		images:   map[uuid.UUID]model.Image{},
		metadata: map[uuid.UUID]model.CameraMetadata{},
	}
	for _, img := range images {
		r.images[img.ID] = img
	}

	return r
}

func (r *memRecords) GetImage(_ context.Context, id uuid.UUID) (model.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	img, ok := r.images[id]
	if !ok {
		return model.Image{}, imagerepo.ErrImageNotFound
	}

	return img, nil
}

func (r *memRecords) SetThumbnailKey(_ context.Context, id uuid.UUID, key string) error {
	return r.set(id, func(img *model.Image) { img.ThumbnailKey = &key })
}

func (r *memRecords) SetWatermarkKey(_ context.Context, id uuid.UUID, key string) error {
	return r.set(id, func(img *model.Image) { img.WatermarkKey = &key })
}

func (r *memRecords) SetMetadata(_ context.Context, id uuid.UUID, meta model.CameraMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.images[id]; !ok {
		return imagerepo.ErrImageNotFound
	}

	r.metadata[id] = meta
	return nil
}

func (r *memRecords) set(id uuid.UUID, update func(*model.Image)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	img, ok := r.images[id]
	if !ok {
		return imagerepo.ErrImageNotFound
	}

	update(&img)
	r.images[id] = img
	return nil
}
