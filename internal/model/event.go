package model

import "github.com/google/uuid"

// UploadedEvent is published when a new original has been persisted. The
// consumer reacts by enqueuing the four processing tasks for the image.
type UploadedEvent struct {
	ImageID     uuid.UUID `json:"image_id"`
	OriginalKey string    `json:"original_key"`
}
