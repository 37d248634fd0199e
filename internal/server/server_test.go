package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmarusak/appraiser/internal/api"
	"github.com/jmarusak/appraiser/internal/dataurl"
	"github.com/jmarusak/appraiser/internal/llm"
	"github.com/jmarusak/appraiser/internal/objectstore"
	"github.com/jmarusak/appraiser/internal/prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// mockAppraiser implements llm.Appraiser for testing
type mockAppraiser struct {
	mock.Mock
}

func (m *mockAppraiser) Appraise(ctx context.Context, req *llm.ValuationRequest) (*llm.AppraisalResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.AppraisalResult), args.Error(1)
}

// mockUploader implements objectstore.Uploader for testing
type mockUploader struct {
	mock.Mock
}

func (m *mockUploader) Upload(ctx context.Context, data []byte, contentType, filename string) (string, error) {
	args := m.Called(ctx, data, contentType, filename)
	return args.String(0), args.Error(1)
}

var jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

func cameraResult() *llm.AppraisalResult {
	return &llm.AppraisalResult{
		Valuation: &llm.ValuationResponse{
			EstimatedValue:     120.5,
			ProductName:        "Leica M3",
			ProductDescription: "A 1950s rangefinder camera.",
			SearchURLs:         []string{"https://example.com/leica-m3"},
		},
	}
}

func doRequest(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

func multipartRequest(t *testing.T, field, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload-image", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, body any) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/appraise", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func strPtr(s string) *string { return &s }

func TestHealth(t *testing.T) {
	s := New(Options{}, new(mockAppraiser), nil)
	rec := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRoot(t *testing.T) {
	t.Run("embedded", func(t *testing.T) {
		s := New(Options{}, new(mockAppraiser), nil)
		rec := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rec.Body.String(), "/upload-image")
	})

	t.Run("configured file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "index.html")
		require.NoError(t, os.WriteFile(path, []byte("<h1>custom</h1>"), 0o644))
		s := New(Options{IndexHTMLPath: path}, new(mockAppraiser), nil)
		rec := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "<h1>custom</h1>", rec.Body.String())
	})

	t.Run("missing file", func(t *testing.T) {
		s := New(Options{IndexHTMLPath: filepath.Join(t.TempDir(), "nope.html")}, new(mockAppraiser), nil)
		rec := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, decodeDetail(t, rec), "index page not found")
	})
}

func TestUploadImage(t *testing.T) {
	uploader := new(mockUploader)
	uploader.On("Upload", mock.Anything, jpegBytes, "image/jpeg", "camera.jpg").
		Return("gs://images/uploads/20240101T000000Z-id-camera.jpg", nil).Once()
	s := New(Options{MaxUploadBytes: 1 << 20}, new(mockAppraiser), uploader)

	rec := doRequest(t, s, multipartRequest(t, "file", "camera.jpg", "image/jpeg", jpegBytes))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	uploader.AssertExpectations(t)

	var resp api.UploadImageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "image/jpeg", resp.ContentType)
	assert.Equal(t, dataurl.Encode(jpegBytes, "image/jpeg"), resp.ImageData)
	require.NotNil(t, resp.ImageURI)
	assert.Equal(t, "gs://images/uploads/20240101T000000Z-id-camera.jpg", *resp.ImageURI)
}

func TestUploadImage_NoUploader(t *testing.T) {
	s := New(Options{}, new(mockAppraiser), nil)

	rec := doRequest(t, s, multipartRequest(t, "file", "camera.jpg", "image/jpeg", jpegBytes))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"image_uri":null`)
}

func TestUploadImage_NonImageTypesRejected(t *testing.T) {
	for _, contentType := range []string{"application/octet-stream", "", "text/plain"} {
		t.Run(contentType, func(t *testing.T) {
			uploader := new(mockUploader)
			s := New(Options{}, new(mockAppraiser), uploader)

			// JPEG bytes do not rescue a part that is not declared as an image.
			rec := doRequest(t, s, multipartRequest(t, "file", "blob", contentType, jpegBytes))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeDetail(t, rec), "file must be an image")
			uploader.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestUploadImage_TextPlainRejected(t *testing.T) {
	uploader := new(mockUploader)
	s := New(Options{}, new(mockAppraiser), uploader)

	rec := doRequest(t, s, multipartRequest(t, "file", "notes.txt", "text/plain", []byte("not an image")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeDetail(t, rec), "file must be an image")
	uploader.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUploadImage_MissingFile(t *testing.T) {
	s := New(Options{}, new(mockAppraiser), nil)

	rec := doRequest(t, s, multipartRequest(t, "image", "camera.jpg", "image/jpeg", jpegBytes))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeDetail(t, rec), "missing file field")
}

func TestUploadImage_TooLarge(t *testing.T) {
	s := New(Options{MaxUploadBytes: 8}, new(mockAppraiser), nil)

	rec := doRequest(t, s, multipartRequest(t, "file", "camera.jpg", "image/jpeg", jpegBytes))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, decodeDetail(t, rec), "exceeds 8 bytes")
}

func TestUploadImage_UploadFailure(t *testing.T) {
	uploader := new(mockUploader)
	uploader.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("bucket not found")).Once()
	s := New(Options{}, new(mockAppraiser), uploader)

	rec := doRequest(t, s, multipartRequest(t, "file", "camera.jpg", "image/jpeg", jpegBytes))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeDetail(t, rec), "bucket not found")
}

func TestAppraise_InlineImage(t *testing.T) {
	appraiser := new(mockAppraiser)
	appraiser.On("Appraise", mock.Anything, mock.MatchedBy(func(req *llm.ValuationRequest) bool {
		return req.Description == "vintage camera" &&
			bytes.Equal(req.Image.Data, jpegBytes) &&
			req.Image.MediaType == "image/jpeg" &&
			req.Image.URI == "gs://images/a.jpg"
	})).Return(cameraResult(), nil).Once()
	s := New(Options{}, appraiser, nil)

	rec := doRequest(t, s, jsonRequest(t, api.AppraiseRequest{
		Description: "vintage camera",
		ImageData:   strPtr(dataurl.Encode(jpegBytes, "image/jpeg")),
		ImageURI:    strPtr("gs://images/a.jpg"),
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	appraiser.AssertExpectations(t)

	assert.JSONEq(t, `{
		"estimated_value": 120.5,
		"product_name": "Leica M3",
		"product_description": "A 1950s rangefinder camera.",
		"search_urls": ["https://example.com/leica-m3"]
	}`, rec.Body.String())
}

func TestAppraise_ContentTypeOverridesDataURL(t *testing.T) {
	appraiser := new(mockAppraiser)
	appraiser.On("Appraise", mock.Anything, mock.MatchedBy(func(req *llm.ValuationRequest) bool {
		return req.Image.MediaType == "image/png"
	})).Return(cameraResult(), nil).Once()
	s := New(Options{}, appraiser, nil)

	rec := doRequest(t, s, jsonRequest(t, api.AppraiseRequest{
		ImageData:   strPtr(dataurl.Encode(jpegBytes, "application/octet-stream")),
		ContentType: strPtr("image/png"),
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	appraiser.AssertExpectations(t)
}

func TestAppraise_EmptySearchURLs(t *testing.T) {
	result := cameraResult()
	result.Valuation.SearchURLs = nil
	appraiser := new(mockAppraiser)
	appraiser.On("Appraise", mock.Anything, mock.Anything).Return(result, nil).Once()
	s := New(Options{}, appraiser, nil)

	rec := doRequest(t, s, jsonRequest(t, api.AppraiseRequest{ImageURI: strPtr("gs://images/a.jpg")}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"search_urls":[]`)
}

func TestAppraise_EmptyBody(t *testing.T) {
	appraiser := new(mockAppraiser)
	appraiser.On("Appraise", mock.Anything, mock.Anything).Return(nil, llm.ErrMissingImage).Once()
	s := New(Options{}, appraiser, nil)

	req := httptest.NewRequest(http.MethodPost, "/appraise", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/json")
	rec := doRequest(t, s, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeDetail(t, rec), "missing image reference")
}

func TestAppraise_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		status   int
		contains string
	}{
		{
			name:     "malformed data url",
			body:     `{"image_data": "no comma here"}`,
			status:   http.StatusBadRequest,
			contains: "malformed data url",
		},
		{
			name:     "invalid json",
			body:     `{"description": 12}`,
			status:   http.StatusBadRequest,
			contains: "invalid request body",
		},
		{
			name:     "upstream failure",
			body:     `{"image_uri": "gs://images/a.jpg"}`,
			err:      &llm.UpstreamError{Op: "valuation call", Err: errors.New("quota exceeded")},
			status:   http.StatusInternalServerError,
			contains: "valuation call failed: quota exceeded",
		},
		{
			name:     "schema failure",
			body:     `{"image_uri": "gs://images/a.jpg"}`,
			err:      &llm.SchemaValidationError{Field: "estimated_value", Reason: "must be >= 0"},
			status:   http.StatusInternalServerError,
			contains: "estimated_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appraiser := new(mockAppraiser)
			if tt.err != nil {
				appraiser.On("Appraise", mock.Anything, mock.Anything).Return(nil, tt.err).Once()
			}
			s := New(Options{}, appraiser, nil)

			req := httptest.NewRequest(http.MethodPost, "/appraise", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := doRequest(t, s, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, decodeDetail(t, rec), tt.contains)
		})
	}
}

// unreachableModel fails the test if the appraiser gets as far as the model.
type unreachableModel struct {
	t *testing.T
}

func (m unreachableModel) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.t.Errorf("model called for a rejected image uri")
	return nil, errors.New("unreachable")
}

func TestAppraise_ImageURIOutsideStorageRejected(t *testing.T) {
	var hits int
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header()["Content-Type"] = nil
		w.Write([]byte("secret-metadata"))
	}))
	defer internal.Close()
	internalURL, err := url.Parse(internal.URL)
	require.NoError(t, err)

	prompts, err := prompt.Load("")
	require.NoError(t, err)
	router := objectstore.NewRouter().
		Register(objectstore.NewHTTPFetcher(internalURL.Hostname()), "http", "https").
		Allow("gs", "images", "uploads/")
	appraiser, err := llm.NewGeminiAppraiser(unreachableModel{t: t}, prompts, llm.Options{Fetcher: router, URIPolicy: router})
	require.NoError(t, err)
	s := New(Options{}, appraiser, nil)

	for _, uri := range []string{
		"gs://other-bucket/uploads/a.jpg",
		"gs://images/private/a.jpg",
		internal.URL + "/latest/meta-data/iam",
		"http://169.254.169.254/latest/meta-data/",
		"file:///etc/passwd",
	} {
		t.Run(uri, func(t *testing.T) {
			rec := doRequest(t, s, jsonRequest(t, api.AppraiseRequest{ImageURI: strPtr(uri)}))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeDetail(t, rec), "image uri not allowed")
		})
	}
	assert.Zero(t, hits)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(llm.ErrMissingImage))
	assert.Equal(t, http.StatusBadRequest, statusFor(&dataurl.MalformedInputError{Reason: "x"}))
	assert.Equal(t, http.StatusBadRequest, statusFor(errUnsupportedMedia))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
