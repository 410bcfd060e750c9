package uploader

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// TextFormatter is an optional external collaborator that reformats the
// merged transcript text before upload (SPEC_FULL.md §6's "beautification"
// collaborator, explicitly scoped out of the core — only this boundary is
// implemented).
type TextFormatter interface {
	Format(ctx context.Context, text string) (string, error)
}

// Summarizer is an optional external collaborator that derives a summary
// from the merged transcript text (SPEC_FULL.md §6).
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// IdentityFormatter is the no-op TextFormatter default: it returns its
// input unchanged.
type IdentityFormatter struct{}

func (IdentityFormatter) Format(ctx context.Context, text string) (string, error) {
	return text, nil
}

// NilSummarizer is the no-op Summarizer default: it never produces a
// summary. C7's complete RPC omits the summary field when this is used.
type NilSummarizer struct{}

func (NilSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return "", nil
}

// LangChainFormatter reformats text via a langchaingo llms.Model, the same
// library the teacher uses for every Gemini text call. Wired only when
// config.Config.FormatterEndpoint is set.
type LangChainFormatter struct {
	model llms.Model
}

// LangChainSummarizer derives a summary via a langchaingo llms.Model. Wired
// only when config.Config.SummarizerEndpoint is set.
type LangChainSummarizer struct {
	model llms.Model
}

// NewLangChainFormatter creates a LangChainFormatter backed by Gemini,
// rewriting requests to endpoint when non-empty — the same
// httpClientForEndpoint trick the teacher's internal/llm/client.go uses to
// target a self-hosted gateway instead of the public API.
func NewLangChainFormatter(ctx context.Context, apiKey, endpoint, model string) (*LangChainFormatter, error) {
	m, err := newGoogleAIModel(ctx, apiKey, endpoint, model)
	if err != nil {
		return nil, err
	}
	return &LangChainFormatter{model: m}, nil
}

// NewLangChainSummarizer creates a LangChainSummarizer the same way.
func NewLangChainSummarizer(ctx context.Context, apiKey, endpoint, model string) (*LangChainSummarizer, error) {
	m, err := newGoogleAIModel(ctx, apiKey, endpoint, model)
	if err != nil {
		return nil, err
	}
	return &LangChainSummarizer{model: m}, nil
}

func newGoogleAIModel(ctx context.Context, apiKey, endpoint, model string) (llms.Model, error) {
	opts := []googleai.Option{
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(model),
	}
	if endpoint != "" {
		if httpClient := httpClientForEndpoint(endpoint); httpClient != nil {
			opts = append(opts, googleai.WithHTTPClient(httpClient))
		}
	}
	return googleai.New(ctx, opts...)
}

func (f *LangChainFormatter) Format(ctx context.Context, text string) (string, error) {
	prompt := "Reformat the following transcript for readability (paragraphs, punctuation). " +
		"Preserve all content and meaning; do not summarize or omit anything:\n\n" + text
	resp, err := llms.GenerateFromSinglePrompt(ctx, f.model, prompt,
		llms.WithTemperature(0.2),
		llms.WithMaxTokens(8000),
	)
	if err != nil {
		return "", fmt.Errorf("formatter call failed: %w", err)
	}
	return resp, nil
}

func (s *LangChainSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	prompt := "Write a concise summary (3-5 sentences) of the following transcript:\n\n" + text
	resp, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt,
		llms.WithTemperature(0.3),
		llms.WithMaxTokens(500),
	)
	if err != nil {
		return "", fmt.Errorf("summarizer call failed: %w", err)
	}
	return resp, nil
}

// runFormatter and runSummarizer are the "best effort, log and continue"
// wrappers the Uploader calls — mirroring the teacher's publishWebhookEvent
// treatment of optional external calls (SPEC_FULL.md §4.7).
func runFormatter(ctx context.Context, f TextFormatter, text string) string {
	if f == nil {
		return text
	}
	formatted, err := f.Format(ctx, text)
	if err != nil {
		log.Warn().Err(err).Msg("text formatter collaborator failed, using unformatted text")
		return text
	}
	return formatted
}

func runSummarizer(ctx context.Context, s Summarizer, text string) string {
	if s == nil {
		return ""
	}
	summary, err := s.Summarize(ctx, text)
	if err != nil {
		log.Warn().Err(err).Msg("summarizer collaborator failed, omitting summary")
		return ""
	}
	return summary
}

// httpClientForEndpoint rewrites request URLs to a custom base, the way the
// teacher's internal/llm/client.go does for its Gemini gateway.
func httpClientForEndpoint(baseEndpoint string) *http.Client {
	base, err := url.Parse(baseEndpoint)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", baseEndpoint).Msg("invalid collaborator endpoint, using default")
		return nil
	}
	base.Path = strings.TrimSuffix(base.Path, "/")
	return &http.Client{
		Transport: &endpointRoundTripper{base: base, next: http.DefaultTransport},
	}
}

type endpointRoundTripper struct {
	base *url.URL
	next http.RoundTripper
}

func (e *endpointRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.URL.Scheme = e.base.Scheme
	req2.URL.Host = e.base.Host
	req2.URL.Path = path.Join(e.base.Path, strings.TrimPrefix(req.URL.Path, "/"))
	if req.URL.RawQuery != "" {
		req2.URL.RawQuery = req.URL.RawQuery
	}
	return e.next.RoundTrip(req2)
}
