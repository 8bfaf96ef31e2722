// Package actuator drives the pick-and-place gantry over its HTTP control
// interface. Calibration moves the head between grid cells; all other
// motion is out of scope for the console.
package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrActuatorFault reports a failed or rejected motion command. It fails
// the calibration session that issued the move but never the process.
var ErrActuatorFault = errors.New("actuator fault")

// Positioner moves the gantry head to an absolute work-area position in
// millimeters.
type Positioner interface {
	MoveTo(ctx context.Context, x, y float64) error
	Home(ctx context.Context) error
}

// Client is an HTTP client for the motion controller.
type Client struct {
	mu         sync.RWMutex
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger

	moveCount  int64
	errorCount int64
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	URL     string
	Timeout time.Duration
}

// NewClient creates a motion controller client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: cfg.URL,
		logger:  slog.Default().With("component", "actuator_client"),
	}
}

// MoveTo commands an absolute move and waits for the controller to
// acknowledge completion.
func (c *Client) MoveTo(ctx context.Context, x, y float64) error {
	c.mu.Lock()
	c.moveCount++
	c.mu.Unlock()

	body := map[string]interface{}{
		"x": x,
		"y": y,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal move request: %v", ErrActuatorFault, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/move", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("%w: create move request: %v", ErrActuatorFault, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordError()
		return fmt.Errorf("%w: move request failed: %v", ErrActuatorFault, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordError()
		return fmt.Errorf("%w: controller returned %d", ErrActuatorFault, resp.StatusCode)
	}

	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		X       float64 `json:"x"`
		Y       float64 `json:"y"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.recordError()
		return fmt.Errorf("%w: decode move response: %v", ErrActuatorFault, err)
	}
	if !result.Success {
		c.recordError()
		return fmt.Errorf("%w: %s", ErrActuatorFault, result.Error)
	}

	c.logger.Debug("Move complete", "x", result.X, "y", result.Y)
	return nil
}

// Home sends the gantry to its reference position.
func (c *Client) Home(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/home", nil)
	if err != nil {
		return fmt.Errorf("%w: create home request: %v", ErrActuatorFault, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordError()
		return fmt.Errorf("%w: home request failed: %v", ErrActuatorFault, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordError()
		return fmt.Errorf("%w: controller returned %d", ErrActuatorFault, resp.StatusCode)
	}
	return nil
}

// Stats returns how many moves were issued and how many failed.
func (c *Client) Stats() (moves int64, errors int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.moveCount, c.errorCount
}

func (c *Client) recordError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}
