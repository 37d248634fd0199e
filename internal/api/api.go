// Package api contains the JSON bodies exchanged over the HTTP API.
package api

// AppraiseRequest is the body of POST /appraise. At least one of ImageData
// (a data URL) or ImageURI must be set.
type AppraiseRequest struct {
	Description string  `json:"description"`
	ImageURI    *string `json:"image_uri,omitempty"`
	ImageData   *string `json:"image_data,omitempty"`
	ContentType *string `json:"content_type,omitempty"`
}

// ValuationResponse is the body returned by POST /appraise.
type ValuationResponse struct {
	EstimatedValue     float64  `json:"estimated_value"`
	ProductName        string   `json:"product_name"`
	ProductDescription string   `json:"product_description"`
	SearchURLs         []string `json:"search_urls"`
}

// UploadImageResponse is the body returned by POST /upload-image. ImageURI is
// null when no object store is configured.
type UploadImageResponse struct {
	ImageData   string  `json:"image_data"`
	ImageURI    *string `json:"image_uri"`
	ContentType string  `json:"content_type"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}
