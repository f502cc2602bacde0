package model

import (
	"time"

	"github.com/google/uuid"
)

// Provenance records where a tag association came from: a human or the
// auto-tag classifier.
type Provenance string

const (
	ProvenanceUser   Provenance = "user"
	ProvenanceSystem Provenance = "system"
)

// Tag is a canonical, case-normalized tag name shared across images.
type Tag struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TagAssociation links a tag to an image. Unique per (image, tag); duplicate
// association attempts are no-ops. AddedBy is nil for classifier-derived
// associations.
type TagAssociation struct {
	ImageID    uuid.UUID  `json:"image_id"`
	TagID      uuid.UUID  `json:"tag_id"`
	Provenance Provenance `json:"provenance"`
	AddedBy    *uuid.UUID `json:"added_by,omitempty"`
	AddedAt    time.Time  `json:"added_at"`
}
