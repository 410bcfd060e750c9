package decoder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/audiolease/transcribe/internal/errs"
	"github.com/audiolease/transcribe/internal/models"
	"github.com/rs/zerolog/log"
	genai "google.golang.org/genai"
)

// TimeRange is the chunk-local span handed to a SpeechDecoder.
type TimeRange struct {
	Start float64
	End   float64
}

// SpeechDecoder is the opaque speech-model capability C5 drives (SPEC_FULL.md
// §4.5): given an extracted PCM chunk, return its segments in chunk-local
// seconds.
type SpeechDecoder interface {
	Decode(ctx context.Context, pcmPath string, r TimeRange) ([]models.Segment, error)
}

const transcribePrompt = `Transcribe the attached audio. Respond with a JSON array only, no surrounding prose, where each element is {"start": <seconds from the beginning of this audio, float>, "end": <seconds, float>, "text": "<utterance>"}. Segment on natural speech boundaries.`

// geminiSegment mirrors one element of the JSON array the prompt asks for.
type geminiSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// GeminiDecoder is the concrete SpeechDecoder backed by the unified
// google.golang.org/genai SDK.
type GeminiDecoder struct {
	client *genai.Client
	model  string
}

// NewGeminiDecoder creates a GeminiDecoder. apiEndpoint, when non-empty,
// rewrites outgoing request URLs the way the teacher's httpClientForEndpoint
// does, so a self-hosted Gemini-compatible gateway can be targeted in place
// of the public API.
func NewGeminiDecoder(ctx context.Context, apiKey, apiEndpoint, model string) (*GeminiDecoder, error) {
	opts := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if apiEndpoint != "" {
		if httpClient := httpClientForEndpoint(apiEndpoint); httpClient != nil {
			opts.HTTPClient = httpClient
		}
	}

	client, err := genai.NewClient(ctx, opts)
	if err != nil {
		return nil, errs.New(errs.ExternalTool, "create genai client", err)
	}

	return &GeminiDecoder{client: client, model: model}, nil
}

// Decode sends the PCM chunk at pcmPath to Gemini and parses its response
// into chunk-local segments. Any transport, API or JSON-decode failure is
// wrapped errs.Decode, the retryable kind C5 commits for a failed chunk.
func (d *GeminiDecoder) Decode(ctx context.Context, pcmPath string, r TimeRange) ([]models.Segment, error) {
	data, err := os.ReadFile(pcmPath)
	if err != nil {
		return nil, errs.New(errs.IO, "read extracted chunk", err)
	}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				genai.NewPartFromText(transcribePrompt),
				{InlineData: &genai.Blob{MIMEType: "audio/L16;rate=16000", Data: data}},
			},
		},
	}

	resp, err := d.client.Models.GenerateContent(ctx, d.model, contents, nil)
	if err != nil {
		return nil, errs.New(errs.Decode, "gemini transcription call failed", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, errs.New(errs.Decode, "gemini returned no text", nil)
	}

	segs, err := parseSegments(text)
	if err != nil {
		log.Warn().Err(err).
			Float64("chunk_start", r.Start).
			Float64("chunk_end", r.End).
			Str("raw", truncate(text, 2048)).
			Msg("failed to parse gemini transcription response")
		return nil, errs.New(errs.Decode, "parse gemini transcription response", err)
	}

	return segs, nil
}

func parseSegments(raw string) ([]models.Segment, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed []geminiSegment
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}

	out := make([]models.Segment, 0, len(parsed))
	for _, s := range parsed {
		out = append(out, models.Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... [truncated]"
}

// httpClientForEndpoint rewrites request URLs to a custom base (scheme,
// host, path prefix), the way the teacher does for its Gemini gateway.
func httpClientForEndpoint(baseEndpoint string) *http.Client {
	base, err := url.Parse(baseEndpoint)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", baseEndpoint).Msg("invalid gemini api endpoint, using default")
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
