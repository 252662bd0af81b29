package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Asdafers/contenitzer-sub000/internal/config"
	"github.com/Asdafers/contenitzer-sub000/internal/model"
)

// VideoComposer assembles generated assets into the final video file.
type VideoComposer interface {
	ComposeVideo(ctx context.Context, req *ComposeVideoRequest) (*ComposeVideoResponse, error)
	IsConfigured() bool
}

// ComposerClient implements VideoComposer against the composition service
// (the FFmpeg wrapper lives behind it).
type ComposerClient struct {
	httpClient *http.Client
	serviceURL string
}

type ComposeVideoRequest struct {
	SessionID string          `json:"session_id"`
	JobID     string          `json:"job_id"`
	Assets    []MediaAsset    `json:"assets"`
	Options   json.RawMessage `json:"options,omitempty"`
}

type ComposeVideoResponse struct {
	Video VideoFile `json:"video"`
}

type VideoFile struct {
	ID       string  `json:"id"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
	Bytes    int64   `json:"bytes"`
	Format   string  `json:"format,omitempty"`
}

func NewComposerClient(cfg *config.ComposerConfig) *ComposerClient {
	return &ComposerClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		serviceURL: cfg.ServiceURL,
	}
}

func (c *ComposerClient) IsConfigured() bool {
	return c.serviceURL != ""
}

func (c *ComposerClient) ComposeVideo(ctx context.Context, req *ComposeVideoRequest) (*ComposeVideoResponse, error) {
	if len(req.Assets) == 0 {
		return nil, model.NewPermanentError(fmt.Errorf("no assets to compose"))
	}
	var result ComposeVideoResponse
	if err := postJSON(ctx, c.httpClient, c.serviceURL+"/v1/compose", "", req, &result); err != nil {
		return nil, err
	}
	if result.Video.URL == "" {
		return nil, model.NewPermanentError(fmt.Errorf("composer returned no video"))
	}
	return &result, nil
}
