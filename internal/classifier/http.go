package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/Adam-Doria/GuardDog/internal/camera"
)

// HTTPClient posts frames to a face-attribute detection API.
//
// Request:  {"data": {"frame": "<base64 image>"}}
// Response: one of
//
//	{"detections": [face, ...]}
//	[face, ...]
//	face
//
// where face is {"dominant_gender": "Man", "gender": {"Man": 97.1, "Woman": 2.9}}.
type HTTPClient struct {
	url    string
	client *http.Client
	logger *log.Logger
}

// NewHTTPClient creates a client for the API at url.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: log.Default(),
	}
}

type frameRequest struct {
	Data struct {
		Frame string `json:"frame"`
	} `json:"data"`
}

type face struct {
	DominantGender string             `json:"dominant_gender"`
	Gender         map[string]float64 `json:"gender"`
}

// Classify implements Classifier.
func (c *HTTPClient) Classify(ctx context.Context, frame *camera.Frame) (Result, error) {
	var body frameRequest
	body.Data.Frame = base64.StdEncoding.EncodeToString(frame.Data)

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("marshal frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("bad status: %s, error: %s", resp.Status, raw)
	}

	return parseFaces(raw)
}

// parseFaces accepts the three response shapes the detection API is known to return.
func parseFaces(raw []byte) (Result, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Result{}, fmt.Errorf("%w: empty body", ErrBadResponse)
	}

	var faces []face
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &faces); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
	case '{':
		var envelope struct {
			Detections *[]face `json:"detections"`
			face
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
		switch {
		case envelope.Detections != nil:
			faces = *envelope.Detections
		case envelope.DominantGender != "" || len(envelope.Gender) > 0:
			faces = []face{envelope.face}
		default:
			return Result{}, fmt.Errorf("%w: %s", ErrBadResponse, raw)
		}
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrBadResponse, raw)
	}

	res := Result{Detections: make([]Detection, 0, len(faces))}
	for _, f := range faces {
		if f.DominantGender == "" {
			continue
		}
		res.Detections = append(res.Detections, Detection{
			Category:   f.DominantGender,
			Confidence: f.Gender[f.DominantGender],
		})
	}
	return res, nil
}
