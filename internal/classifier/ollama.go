package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/Adam-Doria/GuardDog/internal/camera"
)

const visionPrompt = `You are the eyes of a guard robot. Look at the image and answer with JSON only:
{"subject_present": true|false, "category": "Man"|"Woman"|"", "confidence": 0-100}
"category" is the apparent gender of the most prominent person. Use subject_present=false when nobody is visible.`

// Ollama classifies frames with a local vision model.
type Ollama struct {
	model     string
	client    *api.Client
	keepAlive time.Duration
	logger    *log.Logger
}

// NewOllama creates a classifier for model served at host (e.g. "http://localhost:11434").
func NewOllama(host, model string, timeout time.Duration) (*Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}
	if model == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Ollama{
		model:     model,
		client:    api.NewClient(u, &http.Client{Timeout: timeout}),
		keepAlive: 5 * time.Minute,
		logger:    log.Default(),
	}, nil
}

type visionAnswer struct {
	SubjectPresent bool    `json:"subject_present"`
	Category       string  `json:"category"`
	Confidence     float64 `json:"confidence"`
}

// Classify implements Classifier.
func (o *Ollama) Classify(ctx context.Context, frame *camera.Frame) (Result, error) {
	stream := false
	req := &api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{{
			Role:    "user",
			Content: visionPrompt,
			Images:  []api.ImageData{frame.Data},
		}},
		Format:    json.RawMessage(`"json"`),
		KeepAlive: &api.Duration{Duration: o.keepAlive},
		Stream:    &stream,
	}

	var content strings.Builder
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("ollama chat: %w", err)
	}

	return parseVisionAnswer(content.String())
}

func parseVisionAnswer(content string) (Result, error) {
	var answer visionAnswer
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &answer); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if !answer.SubjectPresent || answer.Category == "" {
		return Result{}, nil
	}

	// Some models answer on a 0-1 scale despite the prompt.
	confidence := answer.Confidence
	if confidence > 0 && confidence <= 1 {
		confidence *= 100
	}
	return Result{Detections: []Detection{{Category: answer.Category, Confidence: confidence}}}, nil
}
