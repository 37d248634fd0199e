package main

import (
	"fmt"
	"strings"

	"github.com/jmarusak/appraiser/internal/api"
	"github.com/lithammer/dedent"
)

func formatText(text string, a ...any) string {
	return fmt.Sprintf(strings.TrimSpace(dedent.Dedent(text)), a...)
}

func formatValuation(v *api.ValuationResponse, imageURI *string) string {
	stored := "not stored"
	if imageURI != nil {
		stored = *imageURI
	}

	out := formatText(`
		%s
		Estimated value: %.2f

		%s

		Image: %s
	`, v.ProductName, v.EstimatedValue, v.ProductDescription, stored)

	if len(v.SearchURLs) > 0 {
		var b strings.Builder
		b.WriteString(out)
		b.WriteString("\n\nSources:")
		for _, u := range v.SearchURLs {
			b.WriteString("\n- ")
			b.WriteString(u)
		}
		out = b.String()
	}
	return out
}
