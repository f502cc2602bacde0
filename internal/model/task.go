package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskKind identifies one of the four derivation tasks fanned out per image.
type TaskKind string

const (
	TaskMetadata  TaskKind = "metadata"
	TaskThumbnail TaskKind = "thumbnail"
	TaskWatermark TaskKind = "watermark"
	TaskAutotag   TaskKind = "autotag"
)

// AllTaskKinds lists every kind enqueued for a newly uploaded image.
var AllTaskKinds = []TaskKind{TaskMetadata, TaskThumbnail, TaskWatermark, TaskAutotag}

// TaskStatus is the lifecycle state of a ProcessingTask.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
)

// ProcessingTask tracks the execution state of one (image, kind) pair.
// The pair is unique: re-enqueuing updates the existing row.
type ProcessingTask struct {
	ID           uuid.UUID  `json:"id"`
	ImageID      uuid.UUID  `json:"image_id"`
	Kind         TaskKind   `json:"kind"`
	Status       TaskStatus `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`
	RunAt        time.Time  `json:"run_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
