package llm

import "context"

// ImageRef points at the image being appraised, either as inline bytes or as
// a URI. Inline bytes take precedence when both are set.
type ImageRef struct {
	Data      []byte // Raw image bytes
	MediaType string // Declared media type of Data (e.g. "image/jpeg")
	URI       string // Storage or web URI (gs://, s3://, https://)
}

// HasInline reports whether inline bytes are present.
func (r ImageRef) HasInline() bool {
	return len(r.Data) > 0
}

// ValuationRequest is a single appraisal request.
type ValuationRequest struct {
	Description string
	Image       ImageRef
}

// ValuationResponse is the structured valuation returned to callers.
type ValuationResponse struct {
	EstimatedValue     float64  `json:"estimated_value" validate:"gte=0"`
	ProductName        string   `json:"product_name" validate:"required"`
	ProductDescription string   `json:"product_description"`
	SearchURLs         []string `json:"search_urls" validate:"dive,url"`
}

// Usage contains token usage and cost information.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

func (u Usage) add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
		CostUSD:      u.CostUSD + o.CostUSD,
	}
}

// AppraisalResult contains the valuation and usage information.
type AppraisalResult struct {
	Valuation *ValuationResponse
	Usage     Usage
	Cached    bool
}

// Appraiser turns a description and an image into a valuation.
type Appraiser interface {
	Appraise(ctx context.Context, req *ValuationRequest) (*AppraisalResult, error)
}

// URIPolicy decides which image URIs may be sent to the model or fetched.
type URIPolicy interface {
	CheckURI(uri string) error
}

// ImageFetcher downloads images behind URIs the model cannot read itself.
type ImageFetcher interface {
	Handles(uri string) bool
	Fetch(ctx context.Context, uri string) ([]byte, string, error)
}
