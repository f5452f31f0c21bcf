// Package classifier turns camera frames into labelled detections.
//
// Two backends are provided: HTTPClient talks to a remote face-attribute API,
// Ollama asks a local vision model. Both return an empty Result when nobody is
// in the frame; that is a valid outcome, not an error.
package classifier

import (
	"context"
	"errors"

	"github.com/samber/lo"

	"github.com/Adam-Doria/GuardDog/internal/camera"
)

// ErrBadResponse is returned when a backend answers with something that cannot be parsed.
var ErrBadResponse = errors.New("unexpected classifier response")

// Detection is one subject found in a frame with its dominant category.
// Confidence is a percentage in [0, 100].
type Detection struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Result holds every detection found in one frame. Empty means no subject.
type Result struct {
	Detections []Detection `json:"detections"`
}

// Empty reports whether no subject was found.
func (r Result) Empty() bool {
	return len(r.Detections) == 0
}

// Best returns the detection of category with the highest confidence.
func (r Result) Best(category string) (Detection, bool) {
	matching := lo.Filter(r.Detections, func(d Detection, _ int) bool {
		return d.Category == category
	})
	if len(matching) == 0 {
		return Detection{}, false
	}
	return lo.MaxBy(matching, func(a, b Detection) bool {
		return a.Confidence > b.Confidence
	}), true
}

// Classifier classifies a single frame.
type Classifier interface {
	Classify(ctx context.Context, frame *camera.Frame) (Result, error)
}
