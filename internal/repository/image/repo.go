package image

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/eventphoto/photo-pipeline/internal/model"
)

var ErrImageNotFound = errors.New("image not found")

// Repository provides CRUD operations for image records. The write-back
// methods each touch only the columns owned by one task kind, so concurrent
// tasks on the same image never overwrite each other's fields.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// SaveImage inserts a new image record.
func (r *Repository) SaveImage(ctx context.Context, img model.Image) error {
	query := `
		INSERT INTO images (id, original_key)
		VALUES ($1, $2)
	`

	if _, err := r.db.ExecContext(ctx, query, img.ID, img.OriginalKey); err != nil {
		return fmt.Errorf("save: failed to save image: %w", err)
	}

	return nil
}

// GetImage retrieves an image record by ID.
func (r *Repository) GetImage(ctx context.Context, id uuid.UUID) (model.Image, error) {
	query := `
		SELECT id, original_key, thumbnail_key, watermark_key,
		       camera_model, aperture, shutter_speed, iso, focal_length,
		       gps_latitude, gps_longitude, capture_time, created_at, updated_at
		FROM images
		WHERE id = $1
	`

	var img model.Image
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&img.ID, &img.OriginalKey, &img.ThumbnailKey, &img.WatermarkKey,
		&img.CameraModel, &img.Aperture, &img.ShutterSpeed, &img.ISO, &img.FocalLength,
		&img.GPSLatitude, &img.GPSLongitude, &img.CaptureTime, &img.CreatedAt, &img.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Image{}, ErrImageNotFound
		}

		return model.Image{}, fmt.Errorf("get: failed to get image: %w", err)
	}

	return img, nil
}

// SetThumbnailKey records the thumbnail object key. Owned by the thumbnail task.
func (r *Repository) SetThumbnailKey(ctx context.Context, id uuid.UUID, key string) error {
	return r.setKey(ctx, id, "thumbnail_key", key)
}

// SetWatermarkKey records the watermarked-copy object key. Owned by the watermark task.
func (r *Repository) SetWatermarkKey(ctx context.Context, id uuid.UUID, key string) error {
	return r.setKey(ctx, id, "watermark_key", key)
}

func (r *Repository) setKey(ctx context.Context, id uuid.UUID, column, key string) error {
	query := fmt.Sprintf(`
		UPDATE images
		SET %s = $1, updated_at = now()
		WHERE id = $2
	`, column)

	res, err := r.db.ExecContext(ctx, query, key, id)
	if err != nil {
		return fmt.Errorf("update: failed to set %s: %w", column, err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrImageNotFound
	}

	return nil
}

// SetMetadata writes the structured camera metadata fields. Owned by the
// metadata task; nil fields are stored as NULL.
func (r *Repository) SetMetadata(ctx context.Context, id uuid.UUID, meta model.CameraMetadata) error {
	query := `
		UPDATE images
		SET camera_model  = $1,
		    aperture      = $2,
		    shutter_speed = $3,
		    iso           = $4,
		    focal_length  = $5,
		    gps_latitude  = $6,
		    gps_longitude = $7,
		    capture_time  = $8,
		    updated_at    = now()
		WHERE id = $9
	`

	res, err := r.db.ExecContext(ctx, query,
		meta.CameraModel, meta.Aperture, meta.ShutterSpeed, meta.ISO,
		meta.FocalLength, meta.GPSLatitude, meta.GPSLongitude, meta.CaptureTime, id,
	)
	if err != nil {
		return fmt.Errorf("update: failed to set metadata: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrImageNotFound
	}

	return nil
}

// DeleteImage deletes an image record by ID. Processing tasks and tag
// associations cascade; tags themselves are never deleted.
func (r *Repository) DeleteImage(ctx context.Context, id uuid.UUID) error {
	query := `
		DELETE FROM images WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete: failed to delete image: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete: failed to get number of rows affected: %w", err)
	}

	if n == 0 {
		return ErrImageNotFound
	}

	return nil
}
