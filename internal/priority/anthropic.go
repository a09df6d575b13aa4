package priority

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dtavner/calsync/internal/schedule"
)

const defaultModel = "claude-3-5-haiku-latest"

const suggestSystemPrompt = `You classify calendar entries by priority.
Reply with a single JSON object: {"priority": "high"|"normal"|"low", "explanation": "<one sentence>"}.
No other text.`

// Claude is an Oracle backed by the Anthropic Messages API.
type Claude struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaude creates a Claude oracle. The API key comes from the
// ANTHROPIC_API_KEY environment variable unless apiKey is set. An empty
// model selects a small default.
func NewClaude(apiKey, model string) *Claude {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = defaultModel
	}
	return &Claude{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// SuggestPriority implements Oracle.
func (c *Claude) SuggestPriority(ctx context.Context, e schedule.Entry) (Suggestion, error) {
	prompt := fmt.Sprintf("Title: %s\nStarts: %s\nEnds: %s\nLocation: %s\nRemarks: %s",
		e.Title,
		e.StartTime.Format("2006-01-02 15:04"),
		e.EndTime.Format("2006-01-02 15:04"),
		e.Location, e.Remarks)

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 128,
		System: []anthropic.TextBlockParam{
			{Text: suggestSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Suggestion{}, fmt.Errorf("priority request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		text.WriteString(block.Text)
	}
	return parseSuggestion(text.String())
}

func parseSuggestion(raw string) (Suggestion, error) {
	// Models occasionally wrap the object in a code fence.
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var s Suggestion
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &s); err != nil {
		return Suggestion{}, fmt.Errorf("unparseable priority response: %w", err)
	}
	if !s.Priority.Valid() {
		return Suggestion{}, fmt.Errorf("unknown priority level %q", s.Priority)
	}
	return s, nil
}
