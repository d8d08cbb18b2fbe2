package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kaptinlin/jsonrepair"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/zeebo/blake3"
)

// ChatModel completes one prompt. Implementations must be safe for
// concurrent use.
type ChatModel interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ModelConfig selects and configures a ChatModel.
type ModelConfig struct {
	Provider     string // openai, anthropic
	Model        string
	Temperature  float64
	MaxTokens    int64
	OpenAIKey    string
	AnthropicKey string
	Offline      bool
}

// NewChatModel returns OfflineChat when offline or when the selected
// provider has no key.
func NewChatModel(cfg ModelConfig) ChatModel {
	if cfg.Offline {
		return OfflineChat{}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return OfflineChat{}
		}
		return NewAnthropicChat(cfg)
	default:
		if cfg.OpenAIKey == "" {
			return OfflineChat{}
		}
		return NewOpenAIChat(cfg)
	}
}

// OfflineChat answers deterministically without any network access. The
// reply is a JSON object derived from a blake3 hash of the prompt.
type OfflineChat struct{}

func (OfflineChat) Complete(_ context.Context, system, prompt string) (string, error) {
	sum := blake3.Sum256([]byte(system + "\x00" + prompt))
	score := float64(int(sum[0])<<8|int(sum[1])) / 65535
	reply, err := json.Marshal(map[string]any{
		"summary":    truncateRunes(prompt, offlineSummaryRunes),
		"confidence": score,
		"offline":    true,
	})
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

const offlineSummaryRunes = 80

// truncateRunes cuts s to at most n runes without splitting one.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// OpenAIChat uses the Chat Completions API.
type OpenAIChat struct {
	client      *openai.Client
	model       string
	temperature float64
	maxTokens   int64
}

// NewOpenAIChat builds a client from cfg.OpenAIKey.
func NewOpenAIChat(cfg ModelConfig, opts ...openaioption.RequestOption) *OpenAIChat {
	if cfg.OpenAIKey != "" {
		opts = append([]openaioption.RequestOption{openaioption.WithAPIKey(cfg.OpenAIKey)}, opts...)
	}
	client := openai.NewClient(opts...)
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAIChat{client: &client, model: model, temperature: cfg.Temperature, maxTokens: maxTokens(cfg)}
}

func (c *OpenAIChat) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		Model:               c.model,
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// AnthropicChat uses the Messages API.
type AnthropicChat struct {
	client      *anthropic.Client
	model       anthropic.Model
	temperature float64
	maxTokens   int64
}

// NewAnthropicChat builds a client from cfg.AnthropicKey.
func NewAnthropicChat(cfg ModelConfig, opts ...anthropicoption.RequestOption) *AnthropicChat {
	if cfg.AnthropicKey != "" {
		opts = append([]anthropicoption.RequestOption{anthropicoption.WithAPIKey(cfg.AnthropicKey)}, opts...)
	}
	client := anthropic.NewClient(opts...)
	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" || strings.HasPrefix(cfg.Model, "gpt") {
		model = anthropic.ModelClaude3_5Sonnet20241022
	}
	return &AnthropicChat{client: &client, model: model, temperature: cfg.Temperature, maxTokens: maxTokens(cfg)}
}

func (c *AnthropicChat) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return b.String(), nil
}

func maxTokens(cfg ModelConfig) int64 {
	if cfg.MaxTokens > 0 {
		return cfg.MaxTokens
	}
	return 1024
}

// ParseReply extracts a JSON object from a model reply. Code fences are
// stripped, malformed JSON is repaired, and anything that still is not an
// object is returned as {"text": reply}.
func ParseReply(reply string) map[string]any {
	trimmed := strings.TrimSpace(reply)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil && out != nil {
		return out
	}
	if strings.HasPrefix(trimmed, "{") {
		if fixed, err := jsonrepair.JSONRepair(trimmed); err == nil {
			if err := json.Unmarshal([]byte(fixed), &out); err == nil && out != nil {
				return out
			}
		}
	}
	return map[string]any{"text": reply}
}
