package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nugget/mimir/internal/config"
	"github.com/nugget/mimir/internal/httpkit"
)

// GeminiClient talks to the Gemini API through the genai SDK.
type GeminiClient struct {
	client      *genai.Client
	temperature float32
	logger      *slog.Logger
}

// NewGeminiClient creates a Gemini client authenticated with apiKey.
func NewGeminiClient(ctx context.Context, apiKey string, temperature float64, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{
		client:      client,
		temperature: float32(temperature),
		logger:      logger.With("provider", "gemini"),
	}, nil
}

// toGemini converts messages to genai contents. The system prompt is
// returned separately as the request's system instruction.
func toGemini(messages []Message) ([]*genai.Content, *genai.Content) {
	system, rest := splitSystem(messages)
	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		if len(m.Parts) == 0 {
			contents = append(contents, genai.NewContentFromText(m.Content, role))
			continue
		}
		parts := make([]*genai.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				parts = append(parts, genai.NewPartFromText(p.Text))
			case PartInline:
				parts = append(parts, genai.NewPartFromBytes(p.Data, p.MIMEType))
			}
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}

	var instruction *genai.Content
	if system != "" {
		instruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return contents, instruction
}

func (c *GeminiClient) generateConfig(system *genai.Content) *genai.GenerateContentConfig {
	temp := c.temperature
	return &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       &temp,
	}
}

// Stream implements Client.
func (c *GeminiClient) Stream(ctx context.Context, model string, messages []Message, fn TokenFunc) (*Response, error) {
	start := time.Now()
	contents, system := toGemini(messages)
	c.logger.Log(ctx, config.LevelTrace, "stream request", "model", model, "contents", len(contents))

	out := &Response{Model: model}
	var text strings.Builder
	for chunk, err := range c.client.Models.GenerateContentStream(ctx, model, contents, c.generateConfig(system)) {
		if err != nil {
			return nil, fmt.Errorf("gemini stream: %w", err)
		}
		if frag := chunk.Text(); frag != "" {
			text.WriteString(frag)
			if fn != nil {
				fn(frag)
			}
		}
		if chunk.UsageMetadata != nil {
			out.InputTokens = int(chunk.UsageMetadata.PromptTokenCount)
			out.OutputTokens = int(chunk.UsageMetadata.CandidatesTokenCount)
		}
	}

	out.Text = text.String()
	out.Duration = time.Since(start)
	c.logger.Debug("completion done",
		"model", model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", out.Duration.Round(time.Millisecond),
	)
	return out, nil
}

// Invoke implements Client.
func (c *GeminiClient) Invoke(ctx context.Context, model string, messages []Message) (*Response, error) {
	start := time.Now()
	contents, system := toGemini(messages)

	res, err := c.client.Models.GenerateContent(ctx, model, contents, c.generateConfig(system))
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	out := &Response{Model: model, Text: res.Text(), Duration: time.Since(start)}
	if res.UsageMetadata != nil {
		out.InputTokens = int(res.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(res.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// Ping lists models to verify the API key.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini ping: %w", err)
	}
	return nil
}
