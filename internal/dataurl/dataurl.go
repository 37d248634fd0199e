// Package dataurl converts raw image bytes to and from RFC 2397 data URLs,
// the inline form the browser previews and posts back to /appraise.
package dataurl

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

const base64Param = "base64"

// MalformedInputError is returned when a string cannot be decoded as a data URL.
type MalformedInputError struct {
	Reason string
}

func (e *MalformedInputError) Error() string {
	return "malformed data url: " + e.Reason
}

// Encode wraps data as data:<mediaType>;base64,<payload>.
func Encode(data []byte, mediaType string) string {
	return "data:" + mediaType + ";" + base64Param + "," + base64.StdEncoding.EncodeToString(data)
}

// Decode splits a data URL on its first comma and returns the payload bytes
// and the declared media type exactly as written, minus a trailing ";base64".
// The "data:" scheme prefix is optional.
func Decode(s string) ([]byte, string, error) {
	idx := strings.IndexByte(s, ',')
	if idx == -1 {
		return nil, "", &MalformedInputError{Reason: "missing ',' delimiter"}
	}

	header := strings.TrimSpace(s[:idx])
	if len(header) >= 5 && strings.EqualFold(header[:5], "data:") {
		header = header[5:]
	}

	mediaType := header
	isBase64 := false
	if i := strings.LastIndexByte(header, ';'); i != -1 && strings.EqualFold(strings.TrimSpace(header[i+1:]), base64Param) {
		mediaType = header[:i]
		isBase64 = true
	}

	if first, _, _ := strings.Cut(mediaType, ";"); !strings.Contains(first, "/") {
		return nil, "", &MalformedInputError{Reason: fmt.Sprintf("no media type in header %q", header)}
	}

	payload := s[idx+1:]
	if !isBase64 {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", &MalformedInputError{Reason: err.Error()}
		}
		return []byte(unescaped), mediaType, nil
	}

	payload = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, payload)

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some clients strip the padding.
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(payload)
		if rawErr != nil {
			return nil, "", &MalformedInputError{Reason: "invalid base64 payload: " + err.Error()}
		}
	}

	return data, mediaType, nil
}
