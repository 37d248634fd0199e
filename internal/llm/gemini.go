package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jmarusak/appraiser/internal/objectstore"
	"github.com/jmarusak/appraiser/internal/prompt"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const (
	DefaultModel       = "gemini-2.5-flash"
	DefaultCurrency    = "USD"
	DefaultCallTimeout = 60 * time.Second
)

// Gemini pricing (per million tokens)
const (
	geminiInputPricePerMillion  = 0.30 // $0.30 per 1M input tokens (text/image/video)
	geminiOutputPricePerMillion = 2.50 // $2.50 per 1M output tokens (including thinking)
)

// noValuationText replaces the phase-1 answer when the model returns no text.
const noValuationText = "Failed to obtain a valuation from the model."

const fallbackMediaType = "application/octet-stream"

// ContentGenerator is the subset of *genai.Models used by the appraiser.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Options configures a GeminiAppraiser.
type Options struct {
	Model         string
	Currency      string
	SearchEnabled bool
	CallTimeout   time.Duration
	// Fetcher downloads images whose URI the model cannot read directly.
	Fetcher ImageFetcher
	// URIPolicy rejects image URIs before they are fetched or passed on.
	// Rejections are reported as ErrInvalidInput.
	URIPolicy URIPolicy
}

// GeminiAppraiser runs the two-phase valuation flow against Gemini.
type GeminiAppraiser struct {
	models     ContentGenerator
	prompts    *prompt.Store
	opts       Options
	schemaJSON string
}

// ClientConfig selects the Gemini backend.
type ClientConfig struct {
	APIKey   string
	Project  string
	Location string
}

// NewClient creates a genai client. A configured project selects Vertex AI,
// otherwise the Gemini API is used with the API key.
func NewClient(ctx context.Context, cfg ClientConfig) (*genai.Client, error) {
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.Project != "" {
		cc = &genai.ClientConfig{
			Backend:  genai.BackendVertexAI,
			Project:  cfg.Project,
			Location: cfg.Location,
		}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client, nil
}

// NewGeminiAppraiser creates an appraiser. The parsing template is rendered
// once up front so a template with unknown placeholders fails at startup.
func NewGeminiAppraiser(models ContentGenerator, prompts *prompt.Store, opts Options) (*GeminiAppraiser, error) {
	if models == nil {
		return nil, errors.New("content generator is required")
	}
	if prompts == nil {
		return nil, errors.New("prompt store is required")
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Currency == "" {
		opts.Currency = DefaultCurrency
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}

	schemaJSON, err := valuationSchemaJSON()
	if err != nil {
		return nil, err
	}
	if _, err := prompts.Parsing.Render(map[string]string{
		prompt.ValuationText:   "",
		prompt.ValuationSchema: schemaJSON,
		prompt.Currency:        opts.Currency,
	}); err != nil {
		return nil, fmt.Errorf("invalid parsing prompt: %w", err)
	}

	return &GeminiAppraiser{
		models:     models,
		prompts:    prompts,
		opts:       opts,
		schemaJSON: schemaJSON,
	}, nil
}

// Appraise implements the Appraiser interface.
func (g *GeminiAppraiser) Appraise(ctx context.Context, req *ValuationRequest) (*AppraisalResult, error) {
	if req == nil || (!req.Image.HasInline() && strings.TrimSpace(req.Image.URI) == "") {
		return nil, ErrMissingImage
	}

	valuationPrompt, err := g.prompts.Valuation.Render(map[string]string{
		prompt.Description: req.Description,
		prompt.Currency:    g.opts.Currency,
	})
	if err != nil {
		return nil, err
	}

	imagePart, err := g.imagePart(ctx, req.Image)
	if err != nil {
		return nil, err
	}

	valuationText, grounding, usage1, err := g.valuate(ctx, valuationPrompt, imagePart)
	if err != nil {
		return nil, err
	}

	parsed, usage2, err := g.parse(ctx, valuationText)
	if err != nil {
		return nil, err
	}

	valuation, err := decodeValuation(parsed, grounding)
	if err != nil {
		return nil, err
	}

	usage := usage1.add(usage2)
	log.Info().
		Str("model", g.opts.Model).
		Bool("search", g.opts.SearchEnabled).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Float64("estimatedValue", valuation.EstimatedValue).
		Msg("appraisal complete")

	return &AppraisalResult{Valuation: valuation, Usage: usage}, nil
}

// imagePart builds the image part for phase 1. Inline bytes are sent as-is;
// URIs are either fetched and inlined or passed through as file data.
func (g *GeminiAppraiser) imagePart(ctx context.Context, img ImageRef) (*genai.Part, error) {
	if img.HasInline() {
		mt := img.MediaType
		if mt == "" {
			mt = mimetype.Detect(img.Data).String()
		}
		return genai.NewPartFromBytes(img.Data, mt), nil
	}

	uri := strings.TrimSpace(img.URI)
	if g.opts.URIPolicy != nil {
		if err := g.opts.URIPolicy.CheckURI(uri); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}
	if g.opts.Fetcher != nil && g.opts.Fetcher.Handles(uri) {
		fetchCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
		defer cancel()
		data, contentType, err := g.opts.Fetcher.Fetch(fetchCtx, uri)
		if err != nil {
			if errors.Is(err, objectstore.ErrURINotAllowed) {
				return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
			}
			return nil, &UpstreamError{Op: "image fetch", Err: err}
		}
		mt := InferMediaType(uri)
		if mt == "" {
			mt = contentType
		}
		if mt == "" {
			mt = fallbackMediaType
		}
		log.Debug().Str("uri", uri).Int("size", len(data)).Msg("fetched image for inline upload")
		return genai.NewPartFromBytes(data, mt), nil
	}

	mt := InferMediaType(uri)
	if mt == "" {
		mt = fallbackMediaType
	}
	return genai.NewPartFromURI(uri, mt), nil
}

// valuate runs phase 1 and returns the free-text valuation along with any
// grounding web URIs.
func (g *GeminiAppraiser) valuate(ctx context.Context, text string, image *genai.Part) (string, []string, Usage, error) {
	var config *genai.GenerateContentConfig
	if g.opts.SearchEnabled {
		config = &genai.GenerateContentConfig{
			Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
	defer cancel()

	result, err := g.models.GenerateContent(callCtx, g.opts.Model, []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(text), image}, genai.RoleUser),
	}, config)
	if err != nil {
		return "", nil, Usage{}, &UpstreamError{Op: "valuation call", Err: err}
	}

	usage := g.usage(result)
	valuation := lastText(result)
	if valuation == "" {
		log.Warn().Str("model", g.opts.Model).Msg("valuation call returned no text")
		valuation = noValuationText
	}

	log.Info().
		Str("model", g.opts.Model).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Msg("valuation llm call")

	return valuation, groundingURIs(result), usage, nil
}

// parse runs phase 2, turning the free-text valuation into schema-shaped JSON.
func (g *GeminiAppraiser) parse(ctx context.Context, valuationText string) (string, Usage, error) {
	text, err := g.prompts.Parsing.Render(map[string]string{
		prompt.ValuationText:   valuationText,
		prompt.ValuationSchema: g.schemaJSON,
		prompt.Currency:        g.opts.Currency,
	})
	if err != nil {
		return "", Usage{}, err
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   valuationSchema,
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
	defer cancel()

	result, err := g.models.GenerateContent(callCtx, g.opts.Model, []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(text)}, genai.RoleUser),
	}, config)
	if err != nil {
		return "", Usage{}, &UpstreamError{Op: "parsing call", Err: err}
	}

	usage := g.usage(result)
	log.Info().
		Str("model", g.opts.Model).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Msg("parsing llm call")

	out := lastText(result)
	if out == "" {
		return "", usage, &UpstreamError{Op: "parsing call", Err: errors.New("empty response from model")}
	}
	return out, usage, nil
}

func (g *GeminiAppraiser) usage(result *genai.GenerateContentResponse) Usage {
	usage := Usage{}
	if result != nil && result.UsageMetadata != nil {
		usage.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int64(result.UsageMetadata.TotalTokenCount)
		usage.CostUSD = calculateGeminiCost(usage.InputTokens, usage.OutputTokens, geminiInputPricePerMillion, geminiOutputPricePerMillion)
	}
	return usage
}

// lastText returns the last non-empty, non-thought text part of the first
// candidate.
func lastText(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0] == nil || result.Candidates[0].Content == nil {
		return ""
	}
	parts := result.Candidates[0].Content.Parts
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		if p == nil || p.Thought {
			continue
		}
		if t := strings.TrimSpace(p.Text); t != "" {
			return t
		}
	}
	return ""
}

func groundingURIs(result *genai.GenerateContentResponse) []string {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0] == nil {
		return nil
	}
	gm := result.Candidates[0].GroundingMetadata
	if gm == nil {
		return nil
	}
	var uris []string
	for _, chunk := range gm.GroundingChunks {
		if chunk != nil && chunk.Web != nil && chunk.Web.URI != "" {
			uris = append(uris, chunk.Web.URI)
		}
	}
	return uris
}

func calculateGeminiCost(inputTokens, outputTokens int64, inputPrice, outputPrice float64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * inputPrice
	outputCost := float64(outputTokens) / 1_000_000 * outputPrice
	return inputCost + outputCost
}
