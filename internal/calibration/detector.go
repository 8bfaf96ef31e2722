package calibration

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"time"

	"github.com/pickpoint/opconsole/internal/camera"
	"github.com/pickpoint/opconsole/internal/config"
)

// Detector finds the calibration target's reference point in a frame.
type Detector interface {
	Detect(ctx context.Context, target Target, frame *camera.Frame) (Point, error)
}

// HTTPDetector asks an external detection service for the reference point.
type HTTPDetector struct {
	httpClient    *http.Client
	baseURL       string
	minConfidence float64
	logger        *slog.Logger
}

// NewHTTPDetector creates a detection service client from config.
func NewHTTPDetector(cfg config.DetectionConfig) *HTTPDetector {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &HTTPDetector{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       cfg.URL,
		minConfidence: cfg.MinConfidence,
		logger:        slog.Default().With("component", "detector"),
	}
}

// Detect posts the frame to the detection service and returns the located
// reference point. Service errors and low-confidence hits map to
// ErrDetectionFailure.
func (d *HTTPDetector) Detect(ctx context.Context, target Target, frame *camera.Frame) (Point, error) {
	body := map[string]interface{}{
		"target": target.String(),
	}
	if frame != nil && len(frame.Data) > 0 {
		body["image_data"] = base64.StdEncoding.EncodeToString(frame.Data)
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Point{}, fmt.Errorf("%w: marshal request: %v", ErrDetectionFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.baseURL+"/detect", bytes.NewReader(jsonBody))
	if err != nil {
		return Point{}, fmt.Errorf("%w: create request: %v", ErrDetectionFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Point{}, fmt.Errorf("%w: detection request failed: %v", ErrDetectionFailure, err)
	}
	defer resp.Body.Close()

	var result struct {
		Success    bool    `json:"success"`
		Error      string  `json:"error"`
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Point{}, fmt.Errorf("%w: decode response: %v", ErrDetectionFailure, err)
	}

	if !result.Success {
		return Point{}, fmt.Errorf("%w: %s", ErrDetectionFailure, result.Error)
	}
	if result.Confidence < d.minConfidence {
		return Point{}, fmt.Errorf("%w: confidence %.2f below threshold %.2f",
			ErrDetectionFailure, result.Confidence, d.minConfidence)
	}

	return Point{X: result.X, Y: result.Y}, nil
}

// CentroidDetector is the built-in fallback: it locates the reference point
// as the luminance-weighted centroid of the pixels darker than the frame
// mean. Good enough for a high-contrast fiducial on a light work surface.
type CentroidDetector struct{}

// Detect computes the dark-pixel centroid of the frame.
func (CentroidDetector) Detect(ctx context.Context, target Target, frame *camera.Frame) (Point, error) {
	if frame == nil || frame.Image == nil {
		return Point{}, fmt.Errorf("%w: no decoded image", ErrDetectionFailure)
	}

	img := frame.Image
	b := img.Bounds()

	var sum, count uint64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += uint64(luma(img, x, y))
			count++
		}
	}
	if count == 0 {
		return Point{}, fmt.Errorf("%w: empty frame", ErrDetectionFailure)
	}
	mean := sum / count

	var wx, wy, weight float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			l := uint64(luma(img, x, y))
			if l >= mean {
				continue
			}
			w := float64(mean - l)
			wx += w * float64(x)
			wy += w * float64(y)
			weight += w
		}
	}

	// A uniform frame has no dark region to lock onto.
	if weight == 0 {
		return Point{}, fmt.Errorf("%w: no contrast in frame", ErrDetectionFailure)
	}

	return Point{X: wx / weight, Y: wy / weight}, nil
}

// luma returns the 8-bit luminance of one pixel.
func luma(img image.Image, x, y int) uint8 {
	r, g, b, _ := img.At(x, y).RGBA()
	// ITU-R BT.601 weights on 16-bit channels.
	return uint8((299*r + 587*g + 114*b) / 1000 >> 8)
}

// NewDetector picks the configured detector: the HTTP service when a URL is
// set, otherwise the built-in centroid detector.
func NewDetector(cfg config.DetectionConfig) Detector {
	if cfg.URL != "" {
		return NewHTTPDetector(cfg)
	}
	return CentroidDetector{}
}
