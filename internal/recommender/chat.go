package recommender

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/httpx"
)

// Completer sends one chat-style request and returns the raw model text.
type Completer interface {
	Complete(ctx context.Context, systemInstruction, userPayload string) (string, error)
}

type ChatConfig struct {
	Endpoint    string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
}

// ChatClient speaks the OpenAI-compatible /chat/completions protocol.
type ChatClient struct {
	http *httpx.Client
	cfg  ChatConfig
}

func NewChatClient(httpClient *httpx.Client, cfg ChatConfig) *ChatClient {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = 0
	}
	return &ChatClient{http: httpClient, cfg: cfg}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *ChatClient) Complete(ctx context.Context, systemInstruction, userPayload string) (string, error) {
	if strings.TrimSpace(c.cfg.Endpoint) == "" {
		return "", clierr.New(clierr.CodeUsage, "recommender endpoint is not configured")
	}
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: userPayload},
		},
		MaxTokens:      c.cfg.MaxTokens,
		Temperature:    c.cfg.Temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "marshal chat request", err)
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	var resp chatResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.cfg.Endpoint, body, headers, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", clierr.New(clierr.CodeUnavailable, "recommender returned no choices")
	}
	if resp.Choices[0].FinishReason == "length" {
		return "", clierr.New(clierr.CodeSchemaInvalid, "recommender output truncated at token budget")
	}
	return resp.Choices[0].Message.Content, nil
}
