package image

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/eventphoto/photo-pipeline/internal/model"
)

// blobStorage is the object store as the ingestion gateway sees it.
type blobStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// imageRepo provides the image record CRUD the gateway needs.
type imageRepo interface {
	SaveImage(ctx context.Context, img model.Image) error
	GetImage(ctx context.Context, id uuid.UUID) (model.Image, error)
	DeleteImage(ctx context.Context, id uuid.UUID) error
}

// taskStatuses reports per-task processing state for an image.
type taskStatuses interface {
	StatusByImage(ctx context.Context, imageID uuid.UUID) ([]model.ProcessingTask, error)
}

// tagReader lists the tags currently associated with an image.
type tagReader interface {
	TagsByImage(ctx context.Context, imageID uuid.UUID) ([]model.Tag, error)
}

// producer publishes uploaded events to the message broker.
type producer interface {
	Produce(ctx context.Context, event model.UploadedEvent) error
}

// enqueuer fans an image out into its processing tasks.
type enqueuer interface {
	EnqueuePipeline(ctx context.Context, imageID uuid.UUID) error
}

// Service is the thin ingestion gateway: it persists originals, creates image
// records, and hands everything else to the asynchronous pipeline. Uploads
// return as soon as the record exists; derived fields fill in later.
type Service struct {
	blob       blobStorage
	images     imageRepo
	tasks      taskStatuses
	tags       tagReader
	producer   producer
	dispatcher enqueuer
}

// NewService wires the ingestion gateway.
func NewService(blob blobStorage, images imageRepo, tasks taskStatuses, tags tagReader, p producer, d enqueuer) *Service {
	return &Service{
		blob:       blob,
		images:     images,
		tasks:      tasks,
		tags:       tags,
		producer:   p,
		dispatcher: d,
	}
}

// UploadImage stores the original bytes, creates the image record, and
// publishes the uploaded event that triggers the pipeline. It does not block
// on any processing.
func (s *Service) UploadImage(ctx context.Context, filename string, file io.Reader) (model.Image, error) {
	id := uuid.New()

	ext := strings.ToLower(path.Ext(filename))
	key, err := s.blob.Save(ctx, "original", id.String()+ext, file)
	if err != nil {
		return model.Image{}, fmt.Errorf("upload: failed to save original: %w", err)
	}

	img := model.Image{ID: id, OriginalKey: key}
	if err := s.images.SaveImage(ctx, img); err != nil {
		return model.Image{}, fmt.Errorf("upload: failed to save image record: %w", err)
	}

	event := model.UploadedEvent{ImageID: id, OriginalKey: key}
	if err := s.producer.Produce(ctx, event); err != nil {
		return model.Image{}, fmt.Errorf("upload: failed to publish uploaded event: %w", err)
	}

	return img, nil
}

// EnqueueProcessing fans the image out into its four tasks. Called by the
// uploaded-event consumer; also reachable directly for reprocessing.
func (s *Service) EnqueueProcessing(ctx context.Context, imageID uuid.UUID) error {
	return s.dispatcher.EnqueuePipeline(ctx, imageID)
}

// GetImage returns the image record by ID.
func (s *Service) GetImage(ctx context.Context, id uuid.UUID) (model.Image, error) {
	return s.images.GetImage(ctx, id)
}

// GetImageTags returns the tags associated with the image.
func (s *Service) GetImageTags(ctx context.Context, id uuid.UUID) ([]model.Tag, error) {
	return s.tags.TagsByImage(ctx, id)
}

// ProcessingStatus reports the state of every task for an image so clients
// can distinguish "still processing" from "failed" from "done".
func (s *Service) ProcessingStatus(ctx context.Context, imageID uuid.UUID) ([]model.ProcessingTask, error) {
	return s.tasks.StatusByImage(ctx, imageID)
}

// LoadArtifact streams an object (original or derived) from blob storage.
func (s *Service) LoadArtifact(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.blob.Load(ctx, key)
}

// DeleteImage removes the record and its blobs. Task rows and tag
// associations cascade with the record; in-flight tasks notice the missing
// row on write-back and discard their results.
func (s *Service) DeleteImage(ctx context.Context, id uuid.UUID) error {
	img, err := s.images.GetImage(ctx, id)
	if err != nil {
		return err
	}

	if err := s.images.DeleteImage(ctx, id); err != nil {
		return err
	}

	// Blob cleanup is best effort; orphaned objects are harmless.
	keys := []string{img.OriginalKey}
	if img.ThumbnailKey != nil {
		keys = append(keys, *img.ThumbnailKey)
	}
	if img.WatermarkKey != nil {
		keys = append(keys, *img.WatermarkKey)
	}

	for _, key := range keys {
		if err := s.blob.Delete(ctx, key); err != nil {
			zlog.Logger.Err(err).Str("key", key).Msg("failed to delete blob")
		}
	}

	return nil
}
