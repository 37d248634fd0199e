package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmarusak/appraiser/internal/api"
	"github.com/jmarusak/appraiser/internal/dataurl"
	"github.com/jmarusak/appraiser/internal/llm"
	"github.com/rs/zerolog/log"
)

// Room for multipart boundaries and headers on top of the file itself.
const multipartOverhead = 1 << 20

//go:embed web/index.html
var indexHTML []byte

var (
	errUnsupportedMedia = errors.New("file must be an image")
	errMissingFile      = errors.New("missing file field 'file'")
)

func (s *Server) handleRoot(c *gin.Context) {
	if s.opts.IndexHTMLPath == "" {
		c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
		return
	}

	page, err := os.ReadFile(s.opts.IndexHTMLPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.fail(c, http.StatusNotFound, fmt.Errorf("index page not found: %s", s.opts.IndexHTMLPath))
			return
		}
		s.fail(c, http.StatusInternalServerError, fmt.Errorf("failed to read index page: %w", err))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", page)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{Status: "ok"})
}

func (s *Server) handleUploadImage(c *gin.Context) {
	limit := s.opts.MaxUploadBytes
	if limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		if isTooLarge(err) {
			s.fail(c, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds %d bytes", limit))
			return
		}
		s.fail(c, http.StatusBadRequest, fmt.Errorf("%w: %v", errMissingFile, err))
		return
	}
	if limit > 0 && fh.Size > limit {
		s.fail(c, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds %d bytes", limit))
		return
	}

	f, err := fh.Open()
	if err != nil {
		s.fail(c, http.StatusInternalServerError, fmt.Errorf("failed to open uploaded file: %w", err))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, fmt.Errorf("failed to read uploaded file: %w", err))
		return
	}

	contentType := declaredMediaType(fh.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "image/") {
		s.fail(c, http.StatusBadRequest, fmt.Errorf("%w, got %q", errUnsupportedMedia, contentType))
		return
	}

	resp := api.UploadImageResponse{
		ImageData:   dataurl.Encode(data, contentType),
		ContentType: contentType,
	}

	if s.uploader != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.UploadTimeout)
		defer cancel()

		uri, err := s.uploader.Upload(ctx, data, contentType, fh.Filename)
		if err != nil {
			s.fail(c, http.StatusInternalServerError, &llm.UpstreamError{Op: "image upload", Err: err})
			return
		}
		resp.ImageURI = &uri
	}

	log.Info().
		Str("filename", fh.Filename).
		Str("contentType", contentType).
		Int("size", len(data)).
		Bool("persisted", resp.ImageURI != nil).
		Msg("image received")

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAppraise(c *gin.Context) {
	var body api.AppraiseRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		s.fail(c, http.StatusBadRequest, fmt.Errorf("%w: invalid request body: %v", llm.ErrInvalidInput, err))
		return
	}

	req, err := toValuationRequest(&body)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}

	result, err := s.appraiser.Appraise(c.Request.Context(), req)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}

	v := result.Valuation
	urls := v.SearchURLs
	if urls == nil {
		urls = []string{}
	}
	log.Info().
		Str("productName", v.ProductName).
		Float64("estimatedValue", v.EstimatedValue).
		Bool("cached", result.Cached).
		Float64("costUSD", result.Usage.CostUSD).
		Msg("appraisal served")

	c.JSON(http.StatusOK, api.ValuationResponse{
		EstimatedValue:     v.EstimatedValue,
		ProductName:        v.ProductName,
		ProductDescription: v.ProductDescription,
		SearchURLs:         urls,
	})
}

// toValuationRequest decodes the inline image, if any. A non-empty
// content_type overrides the media type declared in the data URL.
func toValuationRequest(body *api.AppraiseRequest) (*llm.ValuationRequest, error) {
	req := &llm.ValuationRequest{Description: body.Description}

	if body.ImageData != nil && strings.TrimSpace(*body.ImageData) != "" {
		data, mediaType, err := dataurl.Decode(*body.ImageData)
		if err != nil {
			return nil, err
		}
		if body.ContentType != nil && strings.TrimSpace(*body.ContentType) != "" {
			mediaType = strings.TrimSpace(*body.ContentType)
		}
		req.Image.Data = data
		req.Image.MediaType = mediaType
	}
	if body.ImageURI != nil {
		req.Image.URI = strings.TrimSpace(*body.ImageURI)
	}
	return req, nil
}

func statusFor(err error) int {
	var malformed *dataurl.MalformedInputError
	switch {
	case errors.Is(err, llm.ErrInvalidInput),
		errors.Is(err, errUnsupportedMedia),
		errors.As(err, &malformed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail logs err and writes it as {"detail": ...}.
func (s *Server) fail(c *gin.Context, status int, err error) {
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).
		Str("path", c.Request.URL.Path).
		Int("status", status).
		Msg("request failed")
	c.AbortWithStatusJSON(status, api.ErrorResponse{Detail: err.Error()})
}

func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large")
}

func declaredMediaType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return mt
}
