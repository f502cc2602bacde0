package image

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/eventphoto/photo-pipeline/internal/model"
)

// service defines the interface for fanning an uploaded image out into its
// processing tasks.
type service interface {
	EnqueueProcessing(ctx context.Context, imageID uuid.UUID) error
}

// UploadedHandler handles Kafka messages for newly uploaded images by
// enqueuing the processing pipeline. Enqueue is idempotent, so redelivered
// messages are harmless.
type UploadedHandler struct {
	service service
}

// NewUploadedHandler creates a new handler with the given service.
func NewUploadedHandler(s service) *UploadedHandler {
	return &UploadedHandler{service: s}
}

// Handle unmarshals an uploaded event and enqueues the image's tasks.
func (h *UploadedHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var event model.UploadedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("unmarshal uploaded event: %w", err)
	}

	if err := h.service.EnqueueProcessing(ctx, event.ImageID); err != nil {
		return fmt.Errorf("enqueue processing: %w", err)
	}

	zlog.Logger.Info().
		Str("image_id", event.ImageID.String()).
		Msg("processing pipeline enqueued")

	return nil
}
