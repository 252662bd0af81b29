// Package client holds the HTTP clients for the external collaborators:
// the LLM script writer, the media generator, and the video composer. The
// core invokes these as opaque functions; errors are classified into the
// transient/permanent taxonomy so the worker retry policy can act on them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Asdafers/contenitzer-sub000/internal/config"
	"github.com/Asdafers/contenitzer-sub000/internal/model"
)

// MediaGenerator produces the visual/audio assets for a script. Generation
// may take minutes; the call honors ctx cancellation by abandoning the
// in-flight request.
type MediaGenerator interface {
	GenerateMedia(ctx context.Context, req *GenerateMediaRequest) (*GenerateMediaResponse, error)
	IsConfigured() bool
}

// MediaClient implements MediaGenerator against the media-generation API.
type MediaClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type GenerateMediaRequest struct {
	SessionID string          `json:"session_id"`
	ScriptID  string          `json:"script_id"`
	Options   json.RawMessage `json:"options,omitempty"`
}

type GenerateMediaResponse struct {
	Assets []MediaAsset `json:"assets"`
}

type MediaAsset struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"` // image, audio, caption
	URL      string  `json:"url"`
	Duration float64 `json:"duration,omitempty"`
}

func NewMediaClient(cfg *config.MediaConfig) *MediaClient {
	return &MediaClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
	}
}

func (c *MediaClient) IsConfigured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

func (c *MediaClient) GenerateMedia(ctx context.Context, req *GenerateMediaRequest) (*GenerateMediaResponse, error) {
	var result GenerateMediaResponse
	if err := postJSON(ctx, c.httpClient, c.baseURL+"/v1/media/generate", c.apiKey, req, &result); err != nil {
		return nil, err
	}
	if len(result.Assets) == 0 {
		return nil, model.NewPermanentError(fmt.Errorf("media generator returned no assets"))
	}
	return &result, nil
}

// postJSON posts a JSON body and decodes the response, mapping HTTP status
// onto the error taxonomy.
func postJSON(ctx context.Context, hc *http.Client, url, apiKey string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return model.NewTransientError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewTransientError(err)
	}
	if err := classifyStatus(resp.StatusCode, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return model.NewPermanentError(fmt.Errorf("undecodable response: %w", err))
	}
	return nil
}

// classifyStatus maps an HTTP status onto the retry taxonomy: rate limits,
// timeouts and server errors are transient; other non-2xx are permanent.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout,
		status >= 500:
		return model.NewTransientError(fmt.Errorf("status %d: %s", status, truncate(body, 200)))
	default:
		return model.NewPermanentError(fmt.Errorf("status %d: %s", status, truncate(body, 200)))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
