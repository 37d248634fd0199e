package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"google.golang.org/genai"
)

var minValue = 0.0

// valuationSchema is the structured-output schema requested in phase 2.
var valuationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"estimated_value": {
			Type:        genai.TypeNumber,
			Description: "Estimated market value of the item as a single non-negative number.",
			Minimum:     &minValue,
		},
		"product_name": {
			Type:        genai.TypeString,
			Description: "Short name of the item, including maker and model when known.",
		},
		"product_description": {
			Type:        genai.TypeString,
			Description: "One or two sentences describing the item and its condition.",
		},
		"search_urls": {
			Type:        genai.TypeArray,
			Description: "Source URLs referenced by the valuation.",
			Items:       &genai.Schema{Type: genai.TypeString},
		},
	},
	Required:         []string{"estimated_value", "product_name", "product_description", "search_urls"},
	PropertyOrdering: []string{"estimated_value", "product_name", "product_description", "search_urls"},
}

// valuationSchemaJSON renders the response schema for the parsing prompt.
func valuationSchemaJSON() (string, error) {
	b, err := json.MarshalIndent(valuationSchema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal valuation schema: %w", err)
	}
	return string(b), nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func responseValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// extractJSONObject extracts a JSON object from text that may contain markdown
// code blocks or other formatting.
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response: %s", text)
	}
	return text[start : end+1], nil
}

// decodeValuation parses the phase-2 output, checks it against the valuation
// schema and normalizes search_urls. Grounding URIs not already listed are
// appended.
func decodeValuation(text string, grounding []string) (*ValuationResponse, error) {
	jsonStr, err := extractJSONObject(text)
	if err != nil {
		return nil, &SchemaValidationError{Reason: err.Error(), Raw: text}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &fields); err != nil {
		return nil, &SchemaValidationError{Reason: fmt.Sprintf("invalid JSON: %v", err), Raw: text}
	}

	var resp ValuationResponse
	if err := decodeField(fields, "estimated_value", &resp.EstimatedValue, false, text); err != nil {
		return nil, err
	}
	if err := decodeField(fields, "product_name", &resp.ProductName, false, text); err != nil {
		return nil, err
	}
	if err := decodeField(fields, "product_description", &resp.ProductDescription, false, text); err != nil {
		return nil, err
	}
	var rawURLs []string
	if err := decodeField(fields, "search_urls", &rawURLs, true, text); err != nil {
		return nil, err
	}

	resp.ProductName = strings.TrimSpace(resp.ProductName)
	resp.ProductDescription = strings.TrimSpace(resp.ProductDescription)
	resp.SearchURLs = mergeURLs(rawURLs, grounding)

	if err := responseValidator().Struct(&resp); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, &SchemaValidationError{Field: fe.Field(), Reason: validationReason(fe), Raw: text}
		}
		return nil, &SchemaValidationError{Reason: err.Error(), Raw: text}
	}

	return &resp, nil
}

func decodeField(fields map[string]json.RawMessage, name string, dst any, nullable bool, raw string) error {
	v, ok := fields[name]
	if !ok {
		return &SchemaValidationError{Field: name, Reason: "missing", Raw: raw}
	}
	if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		if nullable {
			return nil
		}
		return &SchemaValidationError{Field: name, Reason: "must not be null", Raw: raw}
	}
	if err := json.Unmarshal(v, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &SchemaValidationError{Field: name, Reason: "unexpected " + typeErr.Value, Raw: raw}
		}
		return &SchemaValidationError{Field: name, Reason: err.Error(), Raw: raw}
	}
	return nil
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gte":
		return "must be >= " + fe.Param()
	case "required":
		return "must not be empty"
	case "url":
		return "must be a URL"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// mergeURLs keeps absolute http(s) URLs in order, then appends grounding
// URIs that are not already present. The result is never nil.
func mergeURLs(urls, grounding []string) []string {
	out := make([]string, 0, len(urls)+len(grounding))
	seen := make(map[string]bool, len(urls)+len(grounding))
	for _, list := range [][]string{urls, grounding} {
		for _, u := range list {
			u = strings.TrimSpace(u)
			if !isWebURL(u) || seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

func isWebURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
