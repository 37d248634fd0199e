package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"net/url"
	"strings"
	"time"

	"github.com/jmarusak/appraiser/internal/storage"
	"github.com/rs/zerolog/log"
)

// CachedAppraiser wraps an Appraiser with SQLite caching.
type CachedAppraiser struct {
	inner  Appraiser
	store  storage.ValuationCache
	maxAge time.Duration
	salt   string
}

// NewCachedAppraiser creates a cached appraiser. salt is mixed into every key
// so entries made under a different model or currency are not reused.
func NewCachedAppraiser(inner Appraiser, store storage.ValuationCache, maxAge time.Duration, salt string) *CachedAppraiser {
	return &CachedAppraiser{inner: inner, store: store, maxAge: maxAge, salt: salt}
}

// requestKey creates a SHA256 hash of the request.
// Every field is length-prefixed to prevent boundary collisions.
func requestKey(salt string, req *ValuationRequest) string {
	h := sha256.New()
	writeField(h, []byte(salt))
	writeField(h, []byte(req.Description))
	if req.Image.HasInline() {
		writeField(h, []byte(req.Image.MediaType))
		writeField(h, req.Image.Data)
		writeField(h, nil)
	} else {
		writeField(h, nil)
		writeField(h, nil)
		writeField(h, []byte(req.Image.URI))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// cacheable reports whether the image behind img is fixed for the cache
// lifetime. Inline bytes and object store URIs are; web URLs can change.
func cacheable(img ImageRef) bool {
	if img.HasInline() {
		return true
	}
	uri := strings.TrimSpace(img.URI)
	if uri == "" {
		return false
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https"
}

func writeField(h hash.Hash, b []byte) {
	binary.Write(h, binary.LittleEndian, int64(len(b)))
	h.Write(b)
}

// Appraise implements the Appraiser interface with caching.
func (c *CachedAppraiser) Appraise(ctx context.Context, req *ValuationRequest) (*AppraisalResult, error) {
	if c.store == nil || req == nil || !cacheable(req.Image) {
		return c.inner.Appraise(ctx, req)
	}

	key := requestKey(c.salt, req)

	cached, err := c.store.GetValuation(key, c.maxAge)
	if err != nil {
		log.Warn().Err(err).Msg("failed to check valuation cache")
	} else if cached != nil {
		log.Debug().Str("hash", key[:16]).Msg("valuation cache hit")
		urls := cached.SearchURLs
		if urls == nil {
			urls = []string{}
		}
		return &AppraisalResult{
			Valuation: &ValuationResponse{
				EstimatedValue:     cached.EstimatedValue,
				ProductName:        cached.ProductName,
				ProductDescription: cached.ProductDescription,
				SearchURLs:         urls,
			},
			Usage:  Usage{}, // Zero usage for cached result
			Cached: true,
		}, nil
	}

	result, err := c.inner.Appraise(ctx, req)
	if err != nil {
		return nil, err
	}

	if result.Valuation != nil {
		entry := &storage.ValuationCacheEntry{
			EstimatedValue:     result.Valuation.EstimatedValue,
			ProductName:        result.Valuation.ProductName,
			ProductDescription: result.Valuation.ProductDescription,
			SearchURLs:         result.Valuation.SearchURLs,
		}
		if err := c.store.SetValuation(key, entry); err != nil {
			log.Warn().Err(err).Msg("failed to cache valuation")
		} else {
			log.Debug().Str("hash", key[:16]).Msg("cached valuation")
		}
	}

	return result, nil
}
