// Package detect finds plants in a frame and reports their bounding boxes
// and centres.
package detect

import (
	"errors"
	"fmt"
	"image"

	"github.com/banshee-data/spotspray/internal/monitoring"
	"github.com/banshee-data/spotspray/internal/video"
)

var (
	// ErrModelUnavailable reports a model-based detector that cannot run on
	// this build.
	ErrModelUnavailable = errors.New("detect: model runtime unavailable")
	// ErrUnknownAlgorithm reports an algorithm name no detector implements.
	ErrUnknownAlgorithm = errors.New("detect: unknown algorithm")
)

// Thresholds tune the colour-index detectors. Hue is on the 0-179 scale;
// saturation and brightness are 0-255.
type Thresholds struct {
	ExgMin, ExgMax               int
	HueMin, HueMax               int
	SaturationMin, SaturationMax int
	BrightnessMin, BrightnessMax int
	MinArea                      int
	InvertHue                    bool
}

// Result lists detections; Boxes[i] and Centres[i] describe the same plant.
// Annotated is a copy of the frame with boxes drawn, set only when the
// detector was asked to annotate.
type Result struct {
	Boxes     []image.Rectangle
	Centres   []image.Point
	Annotated *image.RGBA
}

// Detector runs inference on one frame.
type Detector interface {
	Inference(f *video.Frame, th Thresholds) (Result, error)
}

// InitError is returned when a detector cannot start. Guidance tells the
// operator how to fix it.
type InitError struct {
	Algorithm string
	Err       error
	Guidance  string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("starting algorithm %s: %v", e.Algorithm, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// New returns the detector for algorithm. Unknown colour-index names fall
// back to exg with a warning.
func New(algorithm string) (Detector, error) {
	if algorithm == AlgGoG {
		return nil, &InitError{
			Algorithm: algorithm,
			Err:       ErrModelUnavailable,
			Guidance: "Is the Coral accelerator runtime installed and the device connected? " +
				"Visit: https://coral.ai/docs/accelerator/get-started/#requirements. " +
				"Are there model files in the 'models' directory?",
		}
	}
	if err := CheckAlgorithm(algorithm); err != nil {
		monitoring.Logf("[detect] %v, defaulting to %s", err, AlgExG)
		return NewGreenOnBrown(AlgExG), nil
	}
	return NewGreenOnBrown(algorithm), nil
}

// CheckAlgorithm reports whether algorithm names a colour-index detector.
func CheckAlgorithm(algorithm string) error {
	switch algorithm {
	case AlgExG, AlgExGR, AlgMaxG, AlgNExG, AlgExHSV, AlgHSV:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
}
