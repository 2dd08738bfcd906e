package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hochfrequenz/engines-builder/internal/domain"
)

const openaiDefaultBaseURL = "https://api.openai.com"

// openaiClient speaks the OpenAI chat-completions API.
type openaiClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func newOpenAI(cfg Config) *openaiClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	return &openaiClient{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *openaiClient) Name() string { return "openai" }

type openaiRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	Messages    []openaiMessage `json:"messages"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openaiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openaiMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openaiMessage{Role: "user", Content: req.User})

	body, err := json.Marshal(openaiRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    messages,
	})
	if err != nil {
		return nil, &domain.LLMError{Msg: "encoding request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &domain.LLMError{Msg: "building request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		transient := !errors.Is(err, context.Canceled)
		return nil, &domain.LLMError{Msg: "sending request", Transient: transient, Cause: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.LLMError{Msg: "reading response", Transient: true, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, httpError("openai", resp.StatusCode, payload)
	}

	var parsed openaiResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, &domain.LLMError{Msg: "decoding response", Cause: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &domain.LLMError{Msg: "response contained no choices"}
	}

	out := &Response{Text: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil {
		out.Usage = TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return out, nil
}
