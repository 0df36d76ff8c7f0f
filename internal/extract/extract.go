// Package extract turns raw document bodies (PDF, HTML, plain text) into
// plain text for scoring.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

type Extractor struct {
	conf *model.Configuration
}

func New() *Extractor {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Extractor{conf: conf}
}

// Extract converts a raw body to plain text. The format is chosen from the
// stored content type, falling back to sniffing the body. The context is
// checked between phases; pdfcpu itself is not interruptible.
func (e *Extractor) Extract(ctx context.Context, raw []byte, contentType, sourceURL string) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty body")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch {
	case isPDF(raw, contentType):
		return e.extractPDF(ctx, raw)
	case isHTML(raw, contentType):
		return extractHTML(raw, sourceURL)
	case utf8.Valid(raw):
		text := normalize(string(raw))
		if text == "" {
			return "", fmt.Errorf("no extractable text")
		}
		return text, nil
	}
	return "", fmt.Errorf("unsupported content type %q", contentType)
}

func isPDF(raw []byte, contentType string) bool {
	return contentType == "application/pdf" || bytes.HasPrefix(raw, []byte("%PDF-"))
}

func isHTML(raw []byte, contentType string) bool {
	if contentType == "text/html" || contentType == "application/xhtml+xml" {
		return true
	}
	head := bytes.ToLower(raw[:min(len(raw), 512)])
	return bytes.Contains(head, []byte("<html")) || bytes.Contains(head, []byte("<!doctype html"))
}

func extractHTML(raw []byte, sourceURL string) (string, error) {
	pageURL, err := url.Parse(sourceURL)
	if err != nil || pageURL == nil {
		pageURL = &url.URL{}
	}
	article, err := readability.FromReader(bytes.NewReader(raw), pageURL)
	if err != nil {
		return "", fmt.Errorf("readability: %w", err)
	}
	text := normalize(article.TextContent)
	if text == "" {
		return "", fmt.Errorf("no extractable text")
	}
	return text, nil
}

// extractPDF validates the document, dumps its page content streams with
// pdfcpu, and pulls the literal text strings out of the streams.
func (e *Extractor) extractPDF(ctx context.Context, raw []byte) (string, error) {
	dir, err := os.MkdirTemp("", "bylawscan-extract-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	inFile := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(inFile, raw, 0o600); err != nil {
		return "", err
	}
	if err := api.ValidateFile(inFile, e.conf); err != nil {
		return "", fmt.Errorf("invalid pdf: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	outDir := filepath.Join(dir, "content")
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return "", err
	}
	if err := api.ExtractContentFile(inFile, outDir, nil, e.conf); err != nil {
		return "", fmt.Errorf("extract pdf content: %w", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(outDir, name))
		if err != nil {
			return "", err
		}
		if page := decodeContentStream(data); page != "" {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(page)
		}
	}

	text := normalize(sb.String())
	if text == "" {
		return "", fmt.Errorf("no extractable text")
	}
	return text, nil
}

// decodeContentStream collects the literal strings a content stream shows
// via the Tj/TJ text operators. Escapes are resolved; hex strings and glyph
// encodings beyond Latin text are out of scope here.
func decodeContentStream(data []byte) string {
	var sb strings.Builder
	depth := 0
	escaped := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if depth == 0 {
			if c == '(' {
				depth = 1
			}
			continue
		}
		if escaped {
			switch c {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '(', ')', '\\':
				sb.WriteByte(c)
			}
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '(':
			depth++
			sb.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				sb.WriteByte(' ')
			} else {
				sb.WriteByte(c)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// normalize collapses runs of whitespace so scorer tokenization and stored
// text stay compact.
func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
