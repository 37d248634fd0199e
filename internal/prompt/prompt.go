// Package prompt holds the two prompt templates used for appraisals and
// renders their {{placeholder}} tokens.
package prompt

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Placeholder names understood by the templates.
const (
	Description     = "description"
	Currency        = "currency"
	ValuationText   = "valuation_text"
	ValuationSchema = "valuation_schema"
)

const (
	valuationFile = "valuation_prompt.txt"
	parsingFile   = "parsing_prompt.txt"
)

//go:embed templates/*.txt
var defaults embed.FS

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// UnresolvedPlaceholderError is returned by Render when the template refers to
// placeholders that have no value.
type UnresolvedPlaceholderError struct {
	Template string
	Missing  []string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("template %s has unresolved placeholders: %s", e.Template, strings.Join(e.Missing, ", "))
}

// Template is a prompt with literal {{name}} placeholders.
type Template struct {
	name string
	text string
}

// Parse wraps text as a named template.
func Parse(name, text string) Template {
	return Template{name: name, text: text}
}

// Name returns the template name used in errors and logs.
func (t Template) Name() string {
	return t.name
}

// Placeholders returns the distinct placeholder names in order of first use.
func (t Template) Placeholders() []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(t.text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Render substitutes every placeholder in a single pass. Substituted values
// are not scanned again, so model output containing braces is left as is.
func (t Template) Render(values map[string]string) (string, error) {
	var missing []string
	for _, name := range t.Placeholders() {
		if _, ok := values[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &UnresolvedPlaceholderError{Template: t.name, Missing: missing}
	}

	return placeholderRe.ReplaceAllStringFunc(t.text, func(token string) string {
		name := placeholderRe.FindStringSubmatch(token)[1]
		return values[name]
	}), nil
}

// Store holds the valuation and parsing templates. It is read-only after Load.
type Store struct {
	Valuation Template
	Parsing   Template
}

// Load reads the templates from dir, or uses the built-in ones when dir is empty.
func Load(dir string) (*Store, error) {
	read := func(name string) (string, error) {
		if dir == "" {
			b, err := defaults.ReadFile("templates/" + name)
			return string(b), err
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		return string(b), err
	}

	valuation, err := read(valuationFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read valuation prompt: %w", err)
	}
	parsing, err := read(parsingFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read parsing prompt: %w", err)
	}

	return New(Parse(valuationFile, valuation), Parse(parsingFile, parsing))
}

// New builds a Store and checks that each template uses the placeholder it
// cannot work without.
func New(valuation, parsing Template) (*Store, error) {
	if !contains(valuation.Placeholders(), Description) {
		return nil, fmt.Errorf("valuation prompt %s must contain {{%s}}", valuation.name, Description)
	}
	if !contains(parsing.Placeholders(), ValuationText) {
		return nil, fmt.Errorf("parsing prompt %s must contain {{%s}}", parsing.name, ValuationText)
	}
	return &Store{Valuation: valuation, Parsing: parsing}, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
