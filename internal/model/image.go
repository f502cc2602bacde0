package model

import (
	"time"

	"github.com/google/uuid"
)

// Image represents one uploaded photograph. OriginalKey is immutable once the
// record exists; every derived field is owned by exactly one task kind and is
// only ever written by that task's processor, so concurrent tasks never race
// on the same column.
type Image struct {
	ID           uuid.UUID  `json:"id"`
	OriginalKey  string     `json:"original_key"`
	ThumbnailKey *string    `json:"thumbnail_key,omitempty"`
	WatermarkKey *string    `json:"watermark_key,omitempty"`
	CameraModel  *string    `json:"camera_model,omitempty"`
	Aperture     *string    `json:"aperture,omitempty"`
	ShutterSpeed *string    `json:"shutter_speed,omitempty"`
	ISO          *int       `json:"iso,omitempty"`
	FocalLength  *float64   `json:"focal_length,omitempty"`
	GPSLatitude  *float64   `json:"gps_latitude,omitempty"`
	GPSLongitude *float64   `json:"gps_longitude,omitempty"`
	CaptureTime  *time.Time `json:"capture_time,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CameraMetadata is the field subset owned by the metadata task. Every field
// is optional; a missing or unparseable EXIF tag leaves its field nil.
type CameraMetadata struct {
	CameraModel  *string
	Aperture     *string
	ShutterSpeed *string
	ISO          *int
	FocalLength  *float64
	GPSLatitude  *float64
	GPSLongitude *float64
	CaptureTime  *time.Time
}
