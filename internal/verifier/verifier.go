// Package verifier checks a candidate statement against its source context
// via a single LLM call.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/veridata/fact-extract/internal/llm"
	"github.com/veridata/fact-extract/pkg/logger"
)

// ErrParse indicates a malformed verification response. The caller records
// it against the chunk; it is not retriable.
var ErrParse = errors.New("verification parse error")

// Decision is the verifier's judgment on a candidate statement.
type Decision struct {
	Valid  bool
	Reason string
}

// DefaultPromptTemplate is the injected verification prompt. The first %s
// is the candidate statement, the second the original chunk text. The
// decision must be attributed to the provided text, never to world
// knowledge.
const DefaultPromptTemplate = `Decide whether the statement below is directly supported by the original text. Judge only against the text, not against outside knowledge.

Statement:
%s

Original text:
%s

Respond with exactly two tags:
<is_valid>true or false</is_valid>
<reasoning>one or two sentences attributing the decision to the text</reasoning>`

var (
	isValidPattern   = regexp.MustCompile(`(?s)<is_valid>(.*?)</is_valid>`)
	reasoningPattern = regexp.MustCompile(`(?s)<reasoning>(.*?)</reasoning>`)
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
)

// Verifier decides verified/rejected per candidate. It is stateless;
// retry and backoff live in the pipeline coordinator.
type Verifier struct {
	provider llm.Provider
	template string
	log      *logger.Logger
}

// New creates a verifier. An empty template selects the default.
func New(provider llm.Provider, template string, log *logger.Logger) *Verifier {
	if template == "" {
		template = DefaultPromptTemplate
	}
	if log == nil {
		log = logger.Default()
	}
	return &Verifier{
		provider: provider,
		template: template,
		log:      log.WithComponent("verifier"),
	}
}

// Verify judges a statement against the chunk text it was extracted from.
func (v *Verifier) Verify(ctx context.Context, statement, originalText string) (*Decision, error) {
	resp, err := v.provider.Complete(ctx, llm.CompletionRequest{
		Prompt: fmt.Sprintf(v.template, statement, originalText),
	})
	if err != nil {
		return nil, err
	}

	decision, err := ParseResponse(resp.Text)
	if err != nil {
		return nil, err
	}

	v.log.Debug("verification complete",
		"valid", decision.Valid,
	)
	return decision, nil
}

// ParseResponse parses the verification response: the <is_valid> and
// <reasoning> tag pair first, then a JSON object with "is_valid" and
// "reason" fields (optionally fenced).
func ParseResponse(text string) (*Decision, error) {
	if m := isValidPattern.FindStringSubmatch(text); m != nil {
		valid := parseBoolish(m[1])
		if valid == nil {
			return nil, fmt.Errorf("%w: unrecognized is_valid value %q", ErrParse, strings.TrimSpace(m[1]))
		}
		reason := ""
		if rm := reasoningPattern.FindStringSubmatch(text); rm != nil {
			reason = strings.TrimSpace(rm[1])
		}
		if reason == "" {
			reason = "no specific reasoning provided"
		}
		return &Decision{Valid: *valid, Reason: reason}, nil
	}

	payload := strings.TrimSpace(text)
	if m := jsonBlockPattern.FindStringSubmatch(payload); m != nil {
		payload = m[1]
	}
	var parsed struct {
		IsValid *bool  `json:"is_valid"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err == nil && parsed.IsValid != nil {
		reason := parsed.Reason
		if reason == "" {
			reason = "no specific reasoning provided"
		}
		return &Decision{Valid: *parsed.IsValid, Reason: reason}, nil
	}

	return nil, fmt.Errorf("%w: no decision structure in response (%d bytes)", ErrParse, len(text))
}

// parseBoolish interprets the truthy spellings models actually emit.
func parseBoolish(s string) *bool {
	t := true
	f := false
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "valid":
		return &t
	case "false", "no", "invalid":
		return &f
	}
	return nil
}
