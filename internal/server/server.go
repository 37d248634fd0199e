// Package server exposes the appraiser over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmarusak/appraiser/internal/llm"
	"github.com/jmarusak/appraiser/internal/objectstore"
	"github.com/rs/zerolog/log"
)

const DefaultUploadTimeout = 30 * time.Second

// Options configures the HTTP server.
type Options struct {
	Addr string
	// IndexHTMLPath overrides the embedded root page when set.
	IndexHTMLPath string
	// MaxUploadBytes limits /upload-image file size. Zero or less disables the limit.
	MaxUploadBytes int64
	UploadTimeout  time.Duration
}

// Server serves the root page, image upload and appraisal endpoints.
type Server struct {
	httpServer *http.Server
	appraiser  llm.Appraiser
	uploader   objectstore.Uploader
	opts       Options
}

// New creates a server. uploader may be nil, in which case uploads are not
// persisted and image_uri is returned as null.
func New(opts Options, appraiser llm.Appraiser, uploader objectstore.Uploader) *Server {
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = DefaultUploadTimeout
	}

	s := &Server{
		appraiser: appraiser,
		uploader:  uploader,
		opts:      opts,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(), recovery())

	router.GET("/", s.handleRoot)
	router.GET("/healthz", s.handleHealth)
	router.POST("/upload-image", s.handleUploadImage)
	router.POST("/appraise", s.handleAppraise)

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run listens and serves until Shutdown is called.
func (s *Server) Run() error {
	log.Info().
		Str("addr", s.httpServer.Addr).
		Bool("uploads", s.uploader != nil).
		Msg("server is running")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")
	return s.httpServer.Shutdown(ctx)
}
