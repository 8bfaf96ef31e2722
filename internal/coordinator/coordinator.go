// Package coordinator is the single owner of the console's moving parts.
// Frontends, local or remote over the message bus, issue commands through
// it; it arbitrates camera access, drives calibration, and mirrors the
// console log to bus subscribers.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pickpoint/opconsole/internal/bus"
	"github.com/pickpoint/opconsole/internal/calibration"
	"github.com/pickpoint/opconsole/internal/camera"
	"github.com/pickpoint/opconsole/internal/frame"
	"github.com/pickpoint/opconsole/internal/logging"
)

const commandTimeout = 10 * time.Second

// Coordinator wires the camera manager, frame pump, calibration session,
// and status sink behind one command surface.
type Coordinator struct {
	cameras *camera.Manager
	pump    *frame.Pump
	session *calibration.Session
	sink    *logging.Sink
	bus     *bus.Bus
	logger  *slog.Logger

	mu       sync.Mutex
	statusCh chan logging.StatusLine
	done     chan struct{}
}

// New creates a coordinator. b may be nil to run without the message bus.
func New(cameras *camera.Manager, pump *frame.Pump, session *calibration.Session, sink *logging.Sink, b *bus.Bus) *Coordinator {
	return &Coordinator{
		cameras: cameras,
		pump:    pump,
		session: session,
		sink:    sink,
		bus:     b,
		logger:  slog.Default().With("component", "coordinator"),
	}
}

// Start subscribes to the command subjects and begins mirroring status
// lines onto the bus. No-op without a bus.
func (c *Coordinator) Start() error {
	if c.bus == nil {
		return nil
	}

	handlers := map[string]func(*nats.Msg){
		bus.SubjectCmdSelect:    c.handleSelect,
		bus.SubjectCmdPower:     c.handlePower,
		bus.SubjectCmdCalibrate: c.handleCalibrate,
		bus.SubjectCmdReset:     func(*nats.Msg) { c.Reset() },
	}
	for subject, handler := range handlers {
		if _, err := c.bus.Subscribe(subject, handler); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.statusCh = c.sink.Subscribe()
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.forwardStatus()

	c.logger.Info("Coordinator started")
	return nil
}

// Stop detaches from the bus and the status stream.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.statusCh != nil {
		c.sink.Unsubscribe(c.statusCh)
		c.statusCh = nil
	}
	if c.bus != nil {
		for _, subject := range []string{
			bus.SubjectCmdSelect, bus.SubjectCmdPower,
			bus.SubjectCmdCalibrate, bus.SubjectCmdReset,
		} {
			c.bus.Unsubscribe(subject)
		}
	}
}

// forwardStatus mirrors every console log line to the status subject.
func (c *Coordinator) forwardStatus() {
	c.mu.Lock()
	ch, done := c.statusCh, c.done
	c.mu.Unlock()
	if ch == nil {
		return
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := c.bus.PublishRaw(bus.SubjectStatus, []byte(logging.StatusLineToJSON(line))); err != nil {
				// A publish fault must not take the log pipeline down.
				continue
			}
		case <-done:
			return
		}
	}
}

// RenderImage serves one console frame. It never fails; absence of video
// yields the placeholder.
func (c *Coordinator) RenderImage(ctx context.Context, frameIndex int) []byte {
	return c.pump.Render(ctx, frameIndex)
}

// CalibrationStep triggers one capture step. Validation errors come back
// synchronously; progress is observed via CalibrationStatus and the log.
func (c *Coordinator) CalibrationStep(req calibration.Request) error {
	return c.session.Step(req)
}

// CalibrationStatus returns a non-blocking session snapshot.
func (c *Coordinator) CalibrationStatus() calibration.Status {
	return c.session.Status()
}

// Reset aborts any in-flight calibration and returns the session to idle.
func (c *Coordinator) Reset() {
	c.session.Reset()
}

// SelectSource activates a camera slot.
func (c *Coordinator) SelectSource(ctx context.Context, slot int) error {
	return c.cameras.Select(ctx, slot)
}

// SetPower toggles a camera slot.
func (c *Coordinator) SetPower(ctx context.Context, slot int, on bool) error {
	return c.cameras.SetPower(ctx, slot, on)
}

// Sources returns the camera slot snapshot.
func (c *Coordinator) Sources() []camera.SourceState {
	return c.cameras.Sources()
}

// BusStatus reports the message bus state: "ok", "standalone" when the
// console runs without a bus, or "down" when the connection is unhealthy.
func (c *Coordinator) BusStatus(ctx context.Context) string {
	if c.bus == nil {
		return "standalone"
	}
	if err := c.bus.HealthCheck(ctx); err != nil {
		return "down"
	}
	return "ok"
}

// Logs returns the n most recent status lines.
func (c *Coordinator) Logs(n int) []logging.StatusLine {
	return c.sink.Recent(n)
}

// LogsAfter returns status lines newer than the given sequence number.
func (c *Coordinator) LogsAfter(seq uint64) []logging.StatusLine {
	return c.sink.Tail(seq)
}

func (c *Coordinator) handleSelect(msg *nats.Msg) {
	var cmd bus.SelectCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		c.logger.Warn("Bad select command", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := c.SelectSource(ctx, cmd.Slot); err != nil {
		c.logger.Warn("Select command rejected", "slot", cmd.Slot, "error", err)
	}
}

func (c *Coordinator) handlePower(msg *nats.Msg) {
	var cmd bus.PowerCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		c.logger.Warn("Bad power command", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := c.SetPower(ctx, cmd.Slot, cmd.On); err != nil {
		c.logger.Warn("Power command rejected", "slot", cmd.Slot, "error", err)
	}
}

func (c *Coordinator) handleCalibrate(msg *nats.Msg) {
	var req calibration.Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.logger.Warn("Bad calibrate command", "error", err)
		return
	}

	if err := c.CalibrationStep(req); err != nil {
		c.logger.Warn("Calibrate command rejected", "error", err)
	}
}
