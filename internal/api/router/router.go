package router

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wb-go/wbf/ginext"

	"github.com/eventphoto/photo-pipeline/internal/api/handlers/image"
	"github.com/eventphoto/photo-pipeline/internal/middleware"
)

func Setup(h *image.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	api := r.Group("/api")

	api.POST("/upload", h.Upload)                       // uploading image
	api.GET("/images/:id", h.Get)                       // image record with tags
	api.GET("/images/:id/status", h.Status)             // per-task processing state
	api.GET("/images/:id/thumbnail", h.Thumbnail)       // derived preview
	api.GET("/images/:id/watermarked", h.Watermarked)   // derived marked copy
	api.DELETE("/images/:id", h.Delete)                 // deleting image by id

	metricsHandler := promhttp.Handler()
	r.GET("/metrics", func(c *ginext.Context) {
		metricsHandler.ServeHTTP(c.Writer, c.Request)
	})

	return r
}
