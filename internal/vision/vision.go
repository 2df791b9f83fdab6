// Package vision provides the frame-quality filter and the face-extraction
// capability used by participant pipelines.
//
// Face extraction itself is an opaque external capability: the Extractor
// interface has one operation and an explicit lifecycle, because real
// detector backends hold loaded models that are expensive to construct and
// must be released deterministically. The bundled CommandExtractor drives a
// worker subprocess speaking JSON lines over stdin/stdout.
package vision

import (
	"errors"
	"math"

	"github.com/moveris/rtms-liveness/internal/decoder"
)

// CropSize is the square crop dimension the liveness API requires.
const CropSize = 224

// DefaultSharpnessThreshold separates usable frames from motion-blurred or
// heavily compressed ones. Laplacian variance below this is discarded
// before face detection.
const DefaultSharpnessThreshold = 50.0

// ErrNoFace is returned by Extract when no face is present in the frame.
var ErrNoFace = errors.New("vision: no face detected")

// Extractor detects the primary face in a frame and returns a base64-encoded
// CropSize x CropSize still image suitable for transport as text.
// Implementations are not safe for concurrent use; each participant pipeline
// owns exactly one instance and must Close it when the pipeline ends.
type Extractor interface {
	// Extract returns the encoded crop, or ErrNoFace when the frame holds
	// no detectable face.
	Extract(frame *decoder.Frame) (string, error)

	// Close releases the capability's resources.
	Close() error
}

// Factory constructs a fresh Extractor for one pipeline run.
type Factory func() (Extractor, error)

// Sharpness returns the Laplacian variance of a BGR frame. Higher values
// indicate a sharper image; blurry or low-contrast frames score near zero.
func Sharpness(frame *decoder.Frame) float64 {
	w, h := frame.Width, frame.Height
	if w < 3 || h < 3 || len(frame.Pixels) < w*h*3 {
		return 0
	}

	gray := make([]float64, w*h)
	for i := 0; i < w*h; i++ {
		b := float64(frame.Pixels[i*3])
		g := float64(frame.Pixels[i*3+1])
		r := float64(frame.Pixels[i*3+2])
		gray[i] = 0.114*b + 0.587*g + 0.299*r
	}

	// 4-neighbour Laplacian over interior pixels, mirroring the OpenCV
	// kernel [[0,1,0],[1,-4,1],[0,1,0]].
	n := 0
	var sum, sumSq float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := y*w + x
			lap := gray[c-w] + gray[c+w] + gray[c-1] + gray[c+1] - 4*gray[c]
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	return math.Max(variance, 0)
}

// IsQuality reports whether the frame is sharp enough for face detection.
func IsQuality(frame *decoder.Frame, threshold float64) bool {
	return Sharpness(frame) > threshold
}
