package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Asdafers/contenitzer-sub000/internal/client"
	"github.com/Asdafers/contenitzer-sub000/internal/model"
)

// Handlers holds the collaborator clients and builds the dispatch table.
// When a client is unconfigured, its handler runs a staged mock pipeline
// instead, so the full workflow is exercisable in development.
type Handlers struct {
	LLM      client.ScriptWriter
	Media    client.MediaGenerator
	Composer client.VideoComposer

	// MockStepDelay paces the mock pipelines.
	MockStepDelay time.Duration
}

// Table resolves the closed task-type set to handlers once, at startup.
// Adding a task type is a compile-time-checked change here.
func (h *Handlers) Table() map[model.TaskType]Handler {
	return map[model.TaskType]Handler{
		model.TaskTypeMediaGeneration:  h.MediaGeneration,
		model.TaskTypeVideoComposition: h.VideoComposition,
		model.TaskTypeScriptGeneration: h.ScriptGeneration,
		model.TaskTypeTrendingAnalysis: h.TrendingAnalysis,
	}
}

// MediaGenerationInput is the payload of a media_generation task.
type MediaGenerationInput struct {
	ScriptID string          `json:"script_id"`
	Options  json.RawMessage `json:"options,omitempty"`
}

// MediaGenerationResult is its result payload.
type MediaGenerationResult struct {
	Assets []client.MediaAsset `json:"assets"`
}

// VideoCompositionInput is the payload of a video_composition task.
type VideoCompositionInput struct {
	JobID   string              `json:"job_id"`
	Assets  []client.MediaAsset `json:"assets"`
	Options json.RawMessage     `json:"options,omitempty"`
}

// VideoCompositionResult is its result payload.
type VideoCompositionResult struct {
	Video client.VideoFile `json:"video"`
}

// ScriptGenerationInput is the payload of a script_generation task.
type ScriptGenerationInput struct {
	Topic    string `json:"topic"`
	Tone     string `json:"tone,omitempty"`
	Duration int    `json:"duration_seconds,omitempty"`
}

// TrendingAnalysisInput is the payload of a trending_analysis task.
type TrendingAnalysisInput struct {
	Category string `json:"category"`
	Region   string `json:"region,omitempty"`
}

func (h *Handlers) MediaGeneration(ctx context.Context, task *model.Task, report ReportFunc) (json.RawMessage, error) {
	var input MediaGenerationInput
	if err := json.Unmarshal(task.Input, &input); err != nil {
		return nil, model.NewPermanentError(fmt.Errorf("invalid media generation payload: %w", err))
	}
	if input.ScriptID == "" {
		return nil, model.NewPermanentError(fmt.Errorf("media generation requires a script_id"))
	}

	if h.Media == nil || !h.Media.IsConfigured() {
		return h.mockMediaGeneration(ctx, input, report)
	}

	report(10, "Requesting media assets...")
	resp, err := h.Media.GenerateMedia(ctx, &client.GenerateMediaRequest{
		SessionID: task.SessionID,
		ScriptID:  input.ScriptID,
		Options:   input.Options,
	})
	if err != nil {
		return nil, err
	}
	report(90, fmt.Sprintf("Received %d assets", len(resp.Assets)))

	return json.Marshal(MediaGenerationResult{Assets: resp.Assets})
}

func (h *Handlers) mockMediaGeneration(ctx context.Context, input MediaGenerationInput, report ReportFunc) (json.RawMessage, error) {
	steps := []struct {
		pct int
		msg string
	}{
		{15, "Analyzing script scenes..."},
		{40, "Rendering scene images..."},
		{70, "Synthesizing narration audio..."},
		{90, "Packaging assets..."},
	}
	for _, step := range steps {
		if err := h.pause(ctx); err != nil {
			return nil, err
		}
		report(step.pct, step.msg)
	}

	assets := []client.MediaAsset{
		{ID: uuid.New().String(), Kind: "image", URL: fmt.Sprintf("mock://assets/%s/scene-1.png", input.ScriptID)},
		{ID: uuid.New().String(), Kind: "image", URL: fmt.Sprintf("mock://assets/%s/scene-2.png", input.ScriptID)},
		{ID: uuid.New().String(), Kind: "audio", URL: fmt.Sprintf("mock://assets/%s/narration.wav", input.ScriptID), Duration: 42.5},
	}
	return json.Marshal(MediaGenerationResult{Assets: assets})
}

func (h *Handlers) VideoComposition(ctx context.Context, task *model.Task, report ReportFunc) (json.RawMessage, error) {
	var input VideoCompositionInput
	if err := json.Unmarshal(task.Input, &input); err != nil {
		return nil, model.NewPermanentError(fmt.Errorf("invalid composition payload: %w", err))
	}
	if len(input.Assets) == 0 {
		return nil, model.NewPermanentError(fmt.Errorf("composition requires assets"))
	}

	if h.Composer == nil || !h.Composer.IsConfigured() {
		return h.mockComposition(ctx, input, report)
	}

	report(10, "Composing video...")
	resp, err := h.Composer.ComposeVideo(ctx, &client.ComposeVideoRequest{
		SessionID: task.SessionID,
		JobID:     input.JobID,
		Assets:    input.Assets,
		Options:   input.Options,
	})
	if err != nil {
		return nil, err
	}
	report(95, "Video ready")

	return json.Marshal(VideoCompositionResult{Video: resp.Video})
}

func (h *Handlers) mockComposition(ctx context.Context, input VideoCompositionInput, report ReportFunc) (json.RawMessage, error) {
	steps := []struct {
		pct int
		msg string
	}{
		{20, "Sequencing scenes..."},
		{55, "Encoding video..."},
		{85, "Muxing audio track..."},
	}
	for _, step := range steps {
		if err := h.pause(ctx); err != nil {
			return nil, err
		}
		report(step.pct, step.msg)
	}

	video := client.VideoFile{
		ID:       uuid.New().String(),
		URL:      fmt.Sprintf("mock://videos/%s.mp4", input.JobID),
		Duration: 42.5,
		Bytes:    7_340_032,
		Format:   "mp4",
	}
	return json.Marshal(VideoCompositionResult{Video: video})
}

func (h *Handlers) ScriptGeneration(ctx context.Context, task *model.Task, report ReportFunc) (json.RawMessage, error) {
	var input ScriptGenerationInput
	if err := json.Unmarshal(task.Input, &input); err != nil {
		return nil, model.NewPermanentError(fmt.Errorf("invalid script payload: %w", err))
	}
	if input.Topic == "" {
		return nil, model.NewPermanentError(fmt.Errorf("script generation requires a topic"))
	}

	report(20, "Drafting script...")
	if h.LLM == nil || !h.LLM.IsConfigured() {
		if err := h.pause(ctx); err != nil {
			return nil, err
		}
		resp := client.GenerateScriptResponse{
			ScriptID: uuid.New().String(),
			Content:  fmt.Sprintf("Narrator: welcome to our look at %s.", input.Topic),
		}
		return json.Marshal(resp)
	}

	resp, err := h.LLM.GenerateScript(ctx, &client.GenerateScriptRequest{
		Topic:    input.Topic,
		Tone:     input.Tone,
		Duration: input.Duration,
	})
	if err != nil {
		return nil, err
	}
	resp.ScriptID = uuid.New().String()
	report(90, "Script drafted")
	return json.Marshal(resp)
}

func (h *Handlers) TrendingAnalysis(ctx context.Context, task *model.Task, report ReportFunc) (json.RawMessage, error) {
	var input TrendingAnalysisInput
	if err := json.Unmarshal(task.Input, &input); err != nil {
		return nil, model.NewPermanentError(fmt.Errorf("invalid trending payload: %w", err))
	}
	if input.Category == "" {
		return nil, model.NewPermanentError(fmt.Errorf("trending analysis requires a category"))
	}

	report(30, "Collecting trend signals...")
	if h.LLM == nil || !h.LLM.IsConfigured() {
		if err := h.pause(ctx); err != nil {
			return nil, err
		}
		resp := client.AnalyzeTrendsResponse{Topics: []client.TrendingTopic{
			{Title: fmt.Sprintf("Rising stories in %s", input.Category), Score: 0.91},
			{Title: fmt.Sprintf("%s explained in 60 seconds", input.Category), Score: 0.84},
		}}
		return json.Marshal(resp)
	}

	resp, err := h.LLM.AnalyzeTrends(ctx, &client.AnalyzeTrendsRequest{
		Category: input.Category,
		Region:   input.Region,
	})
	if err != nil {
		return nil, err
	}
	report(90, "Trends ranked")
	return json.Marshal(resp)
}

func (h *Handlers) pause(ctx context.Context) error {
	delay := h.MockStepDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
