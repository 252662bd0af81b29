package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Asdafers/contenitzer-sub000/internal/config"
	"github.com/Asdafers/contenitzer-sub000/internal/model"
)

// ScriptWriter defines the LLM-backed script operations.
type ScriptWriter interface {
	GenerateScript(ctx context.Context, req *GenerateScriptRequest) (*GenerateScriptResponse, error)
	AnalyzeTrends(ctx context.Context, req *AnalyzeTrendsRequest) (*AnalyzeTrendsResponse, error)
	IsConfigured() bool
}

// LLMClient implements ScriptWriter against an OpenAI-compatible API.
type LLMClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

type GenerateScriptRequest struct {
	Topic    string `json:"topic"`
	Tone     string `json:"tone,omitempty"`
	Duration int    `json:"duration_seconds,omitempty"`
}

type GenerateScriptResponse struct {
	ScriptID string `json:"script_id"`
	Content  string `json:"content"`
}

type AnalyzeTrendsRequest struct {
	Category string `json:"category"`
	Region   string `json:"region,omitempty"`
}

type AnalyzeTrendsResponse struct {
	Topics []TrendingTopic `json:"topics"`
}

type TrendingTopic struct {
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func NewLLMClient(cfg *config.LLMConfig) *LLMClient {
	return &LLMClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}
}

func (c *LLMClient) IsConfigured() bool {
	return c.apiKey != ""
}

// GenerateScript asks the model for a video script on the given topic.
func (c *LLMClient) GenerateScript(ctx context.Context, req *GenerateScriptRequest) (*GenerateScriptResponse, error) {
	prompt := fmt.Sprintf(
		"Write a narration script for a short video about %q. Tone: %s. Target length: %d seconds of speech.",
		req.Topic, orDefault(req.Tone, "informative"), orDefaultInt(req.Duration, 60))

	content, err := c.chat(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return &GenerateScriptResponse{Content: content}, nil
}

// AnalyzeTrends asks the model for trending topics in a category.
func (c *LLMClient) AnalyzeTrends(ctx context.Context, req *AnalyzeTrendsRequest) (*AnalyzeTrendsResponse, error) {
	prompt := fmt.Sprintf(
		"List the five most engaging current video topics in the %q category as a JSON array of {title, score} objects.",
		req.Category)

	content, err := c.chat(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var topics []TrendingTopic
	if err := json.Unmarshal([]byte(content), &topics); err != nil {
		return nil, model.NewPermanentError(fmt.Errorf("model returned unparseable topic list: %w", err))
	}
	return &AnalyzeTrendsResponse{Topics: topics}, nil
}

func (c *LLMClient) chat(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", model.NewTransientError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", model.NewTransientError(err)
	}
	if err := classifyStatus(resp.StatusCode, data); err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", model.NewPermanentError(fmt.Errorf("undecodable completion: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", model.NewPermanentError(fmt.Errorf("empty completion"))
	}
	return parsed.Choices[0].Message.Content, nil
}

func orDefault(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

func orDefaultInt(n, d int) int {
	if n == 0 {
		return d
	}
	return n
}
