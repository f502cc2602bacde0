package processor

import (
	"context"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/eventphoto/photo-pipeline/internal/model"
)

// blobStore is the object storage backend as the processors see it.
// Writes under the same key overwrite, which keeps reprocessing idempotent.
type blobStore interface {
	ReadAll(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte, contentType string) error
}

// imageRecords exposes the image row plus the per-task-owned write-backs.
type imageRecords interface {
	GetImage(ctx context.Context, id uuid.UUID) (model.Image, error)
	SetThumbnailKey(ctx context.Context, id uuid.UUID, key string) error
	SetWatermarkKey(ctx context.Context, id uuid.UUID, key string) error
	SetMetadata(ctx context.Context, id uuid.UUID, meta model.CameraMetadata) error
}

// tagRegistry is the canonical tag store used by the auto-tag classifier.
type tagRegistry interface {
	GetOrCreate(ctx context.Context, name string) (model.Tag, error)
	GetOrCreateAssociation(ctx context.Context, imageID, tagID uuid.UUID, provenance model.Provenance, addedBy *uuid.UUID) (model.TagAssociation, bool, error)
}

// tagPredictor is the external inference backend contract.
type tagPredictor interface {
	PredictTags(ctx context.Context, image []byte) ([]string, error)
}

// ThumbnailKey derives the deterministic thumbnail object key from the
// original's key, e.g. "original/abc.png" -> "thumbnails/thumb_abc.jpg".
func ThumbnailKey(originalKey string) string {
	return path.Join("thumbnails", "thumb_"+baseName(originalKey)+".jpg")
}

// WatermarkKey derives the deterministic watermarked-copy object key from the
// original's key, e.g. "original/abc.png" -> "watermarked/watermarked_abc.jpg".
func WatermarkKey(originalKey string) string {
	return path.Join("watermarked", "watermarked_"+baseName(originalKey)+".jpg")
}

func baseName(key string) string {
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base))
}
