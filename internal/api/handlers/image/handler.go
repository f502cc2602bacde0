package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/eventphoto/photo-pipeline/internal/api/respond"
	"github.com/eventphoto/photo-pipeline/internal/model"
	imagerepo "github.com/eventphoto/photo-pipeline/internal/repository/image"
)

// service defines the interface for image-related operations.
type service interface {
	UploadImage(ctx context.Context, filename string, file io.Reader) (model.Image, error)
	GetImage(ctx context.Context, id uuid.UUID) (model.Image, error)
	GetImageTags(ctx context.Context, id uuid.UUID) ([]model.Tag, error)
	ProcessingStatus(ctx context.Context, imageID uuid.UUID) ([]model.ProcessingTask, error)
	LoadArtifact(ctx context.Context, key string) (io.ReadCloser, error)
	DeleteImage(ctx context.Context, id uuid.UUID) error
}

// Handler provides HTTP handlers for image-related endpoints.
// It depends on a service interface to perform the business logic.
type Handler struct {
	service service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// imageResponse is the image record plus its current tag set.
type imageResponse struct {
	model.Image
	Tags []model.Tag `json:"tags"`
}

// Upload accepts a multipart image upload, persists the original, and
// triggers the processing pipeline. It responds as soon as the record
// exists; derived artifacts appear asynchronously.
func (h *Handler) Upload(c *ginext.Context) {
	// Parse the multipart form with a 10MB max memory limit.
	if err := c.Request.ParseMultipartForm(10 << 20); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("parse multipart form failed: %v", err))
		return
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to retrieve the file")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to retrieve the file"))
		return
	}
	defer file.Close()

	img, err := h.service.UploadImage(c.Request.Context(), header.Filename, file)
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to save the image")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to save the image: %v", err))
		return
	}

	respond.Created(c, img)
}

// Get returns the image record with its tags. Derived fields are optional:
// a nil thumbnail or watermark key means that artifact is still processing
// or failed terminally; the status endpoint tells which.
func (h *Handler) Get(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	img, err := h.service.GetImage(c.Request.Context(), id)
	if err != nil {
		h.failGet(c, err)
		return
	}

	tags, err := h.service.GetImageTags(c.Request.Context(), id)
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to get image tags")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get image tags"))
		return
	}

	respond.OK(c, imageResponse{Image: img, Tags: tags})
}

// Status reports the processing state of each task for the image.
func (h *Handler) Status(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	// Confirm the image exists so an unknown ID is a 404, not an empty list.
	if _, err := h.service.GetImage(c.Request.Context(), id); err != nil {
		h.failGet(c, err)
		return
	}

	tasks, err := h.service.ProcessingStatus(c.Request.Context(), id)
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to get processing status")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get processing status"))
		return
	}

	respond.OK(c, tasks)
}

// Thumbnail streams the thumbnail bytes, 404 until the artifact exists.
func (h *Handler) Thumbnail(c *ginext.Context) {
	h.serveArtifact(c, func(img model.Image) *string { return img.ThumbnailKey })
}

// Watermarked streams the watermarked copy, 404 until the artifact exists.
func (h *Handler) Watermarked(c *ginext.Context) {
	h.serveArtifact(c, func(img model.Image) *string { return img.WatermarkKey })
}

func (h *Handler) serveArtifact(c *ginext.Context, key func(model.Image) *string) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	img, err := h.service.GetImage(c.Request.Context(), id)
	if err != nil {
		h.failGet(c, err)
		return
	}

	k := key(img)
	if k == nil {
		respond.Fail(c, http.StatusNotFound, fmt.Errorf("artifact not ready"))
		return
	}

	reader, err := h.service.LoadArtifact(c.Request.Context(), *k)
	if err != nil {
		zlog.Logger.Err(err).Str("key", *k).Msg("failed to load artifact")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to load artifact"))
		return
	}
	defer reader.Close()

	respond.JPEG(c, http.StatusOK, reader)
}

// Delete removes an image by ID.
func (h *Handler) Delete(c *ginext.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	if err := h.service.DeleteImage(c.Request.Context(), id); err != nil {
		h.failGet(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) parseID(c *ginext.Context) (uuid.UUID, bool) {
	idStr := c.Param("id")
	if idStr == "" {
		zlog.Logger.Warn().Msg("missing id")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("missing id"))
		return uuid.Nil, false
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to parse id")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return uuid.Nil, false
	}

	return id, true
}

func (h *Handler) failGet(c *ginext.Context, err error) {
	if errors.Is(err, imagerepo.ErrImageNotFound) {
		respond.Fail(c, http.StatusNotFound, fmt.Errorf("image not found"))
		return
	}

	zlog.Logger.Err(err).Msg("image request failed")
	respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("internal error"))
}
