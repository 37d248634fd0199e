// Package client is a Go client for the appraiser HTTP API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jmarusak/appraiser/internal/api"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 2 * time.Minute
)

type Opts struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	httpClient *resty.Client
	baseURL    string
}

func New(opts Opts) *Client {
	c := Client{baseURL: DefaultBaseURL}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.httpClient = resty.New().
		SetDebug(false).
		SetBaseURL(c.baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &c
}

func (c *Client) req(ctx context.Context, result any) *resty.Request {
	request := c.httpClient.
		NewRequest().
		SetContext(ctx).
		SetError(&api.ErrorResponse{})

	if result != nil {
		request.SetResult(result)
	}

	return request
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	_, err := handleError(c.req(ctx, nil).Get("/healthz"))
	return err
}

// UploadImage posts an image to /upload-image.
func (c *Client) UploadImage(ctx context.Context, filename, contentType string, data []byte) (*api.UploadImageResponse, error) {
	result := &api.UploadImageResponse{}

	_, err := handleError(c.req(ctx, result).
		SetMultipartField("file", filename, contentType, bytes.NewReader(data)).
		Post("/upload-image"))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Appraise posts an appraisal request to /appraise.
func (c *Client) Appraise(ctx context.Context, req *api.AppraiseRequest) (*api.ValuationResponse, error) {
	result := &api.ValuationResponse{}

	_, err := handleError(c.req(ctx, result).
		SetBody(req).
		Post("/appraise"))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// handleError is a generic error handler for failing response (>399 status
// code). Without this, failing responses would have nil error.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		if e, ok := res.Error().(*api.ErrorResponse); ok && e.Detail != "" {
			return res, fmt.Errorf("request failed: %s %s (status: %d): %s", res.Request.Method, res.Request.URL, res.StatusCode(), e.Detail)
		}
		return res, fmt.Errorf("request failed: %s %s (status: %d)", res.Request.Method, res.Request.URL, res.StatusCode())
	}

	return res, nil
}
