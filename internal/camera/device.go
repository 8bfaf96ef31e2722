// Package camera provides the camera source manager: three fixed slots,
// power and selection control, and serialized frame capture.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"
)

// Sentinel errors surfaced by the source manager.
var (
	// ErrInvalidSource is returned for a slot outside the fixed set {0,1,2}.
	ErrInvalidSource = errors.New("invalid camera source")
	// ErrNoSignal is returned when the active source is off, disconnected,
	// or has never produced a frame.
	ErrNoSignal = errors.New("no signal")
	// ErrDeviceFault wraps camera open/read failures. Retryable on next select.
	ErrDeviceFault = errors.New("device fault")
)

// Frame is a single decoded camera frame.
type Frame struct {
	Slot      int
	Timestamp time.Time
	Image     image.Image
	Data      []byte // encoded JPEG
	Width     int
	Height    int
}

// Device is a camera connection handle. A Device has exactly one owner (the
// source manager); callers must never read a device concurrently.
type Device interface {
	// Open establishes the device connection.
	Open(ctx context.Context) error
	// ReadFrame pulls and decodes the most recent frame.
	ReadFrame(ctx context.Context) (*Frame, error)
	// Close releases the underlying handle. Safe to call when not open.
	Close() error
}

// DeviceFactory creates a device for a slot. Injected so tests can supply
// mock hardware.
type DeviceFactory func(slot int, deviceURL string) Device

// HTTPDevice pulls JPEG snapshots from a camera's frame endpoint.
type HTTPDevice struct {
	slot       int
	url        string
	httpClient *http.Client
	open       bool
}

// NewHTTPDevice creates a snapshot device for the given frame URL.
func NewHTTPDevice(slot int, url string) *HTTPDevice {
	return &HTTPDevice{
		slot: slot,
		url:  url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Open probes the frame endpoint to verify the camera is reachable.
func (d *HTTPDevice) Open(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceFault, err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceFault, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: probe returned status %d", ErrDeviceFault, resp.StatusCode)
	}

	d.open = true
	return nil
}

// ReadFrame fetches and decodes a single JPEG frame.
func (d *HTTPDevice) ReadFrame(ctx context.Context) (*Frame, error) {
	if !d.open {
		return nil, ErrNoSignal
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceFault, err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceFault, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: frame request returned status %d", ErrDeviceFault, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceFault, err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrDeviceFault, err)
	}

	bounds := img.Bounds()
	return &Frame{
		Slot:      d.slot,
		Timestamp: time.Now(),
		Image:     img,
		Data:      data,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
	}, nil
}

// Close releases the device handle.
func (d *HTTPDevice) Close() error {
	d.open = false
	d.httpClient.CloseIdleConnections()
	return nil
}

// EncodeJPEG converts an image to JPEG bytes.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
