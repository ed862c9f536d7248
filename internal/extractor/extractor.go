// Package extractor turns a chunk of text into candidate factual statements
// via a single LLM call.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/veridata/fact-extract/internal/llm"
	"github.com/veridata/fact-extract/pkg/logger"
)

// ErrParse indicates a malformed extraction response. The caller records
// it against the chunk; it is not retriable.
var ErrParse = errors.New("extraction parse error")

// DefaultPromptTemplate is the injected extraction prompt. %s is replaced
// with the chunk content. The response contract is one <fact> tag per
// candidate statement, or the literal NO_FACTS when the text contains none.
const DefaultPromptTemplate = `Extract the concrete, verifiable factual statements from the text below.

Rules:
- A fact must be directly supported by the text, with no inference.
- Preserve all numbers, units and proper names exactly.
- Wrap each fact in its own tags: <fact>...</fact>
- If the text contains no extractable facts, respond with exactly: NO_FACTS

Text:
%s`

var (
	factTagPattern     = regexp.MustCompile(`(?s)<fact>(.*?)</fact>`)
	numberedTagPattern = regexp.MustCompile(`(?s)<fact (\d+)>(.*?)</fact \d+>`)
	factLinePattern    = regexp.MustCompile(`(?m)^(?:Fact\s*\d*\s*:|[-•*]|\d+\.)\s*(.+)$`)
	noFactsPattern     = regexp.MustCompile(`(?i)\bNO_FACTS\b`)
)

// Extractor produces candidate statements from chunk content. It is
// stateless; retry and backoff live in the pipeline coordinator.
type Extractor struct {
	provider llm.Provider
	template string
	log      *logger.Logger
}

// New creates an extractor. An empty template selects the default.
func New(provider llm.Provider, template string, log *logger.Logger) *Extractor {
	if template == "" {
		template = DefaultPromptTemplate
	}
	if log == nil {
		log = logger.Default()
	}
	return &Extractor{
		provider: provider,
		template: template,
		log:      log.WithComponent("extractor"),
	}
}

// Extract returns the candidate statements found in the chunk content.
// Zero candidates is a valid outcome.
func (e *Extractor) Extract(ctx context.Context, chunkContent string) ([]string, error) {
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		Prompt: fmt.Sprintf(e.template, chunkContent),
	})
	if err != nil {
		return nil, err
	}

	candidates, err := ParseResponse(resp.Text)
	if err != nil {
		return nil, err
	}

	e.log.Debug("extraction complete",
		"candidates", len(candidates),
		"response_len", len(resp.Text),
	)
	return candidates, nil
}

// ParseResponse parses the structured extraction response. It accepts the
// primary <fact> tag format plus the legacy fallbacks (numbered tags,
// "Fact:"-style lines). An explicit NO_FACTS, an empty response or a set of
// empty <fact> tags yields zero candidates; anything else without parseable
// structure is a parse error.
func ParseResponse(text string) ([]string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || noFactsPattern.MatchString(trimmed) {
		return nil, nil
	}

	var candidates []string

	tagMatches := factTagPattern.FindAllStringSubmatch(trimmed, -1)
	for _, m := range tagMatches {
		if s := strings.TrimSpace(m[1]); s != "" {
			candidates = append(candidates, s)
		}
	}
	if len(tagMatches) > 0 {
		return candidates, nil
	}

	for _, m := range numberedTagPattern.FindAllStringSubmatch(trimmed, -1) {
		if s := strings.TrimSpace(m[2]); s != "" {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) > 0 {
		return candidates, nil
	}

	for _, m := range factLinePattern.FindAllStringSubmatch(trimmed, -1) {
		if s := strings.TrimSpace(m[1]); s != "" {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) > 0 {
		return candidates, nil
	}

	return nil, fmt.Errorf("%w: no fact structure in response (%d bytes)", ErrParse, len(trimmed))
}
