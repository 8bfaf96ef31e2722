package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pickpoint/opconsole/internal/actuator"
	"github.com/pickpoint/opconsole/internal/camera"
	"github.com/pickpoint/opconsole/internal/config"
)

// FrameSource supplies frames from the active camera. Device access is
// serialized behind this entry point, so calibration never races the
// console's render loop on one handle.
type FrameSource interface {
	CaptureFrame(ctx context.Context) (*camera.Frame, error)
}

// Session is the calibration state machine. One instance lives for the
// whole process; at most one capture session is active at a time. Steps
// run in a worker goroutine, so the console polls Status instead of
// blocking on device and gantry I/O.
type Session struct {
	mu sync.Mutex

	state     State
	id        string
	target    Target
	rows      int
	cols      int
	points    []CapturedPoint
	captured  map[Cell]bool
	retries   int
	lastErr   string
	transform *Transform
	startedAt time.Time

	// gen increments on every session creation and reset. A worker tags
	// itself with the generation it was spawned under and discards its
	// outcome if a reset happened while it was in flight.
	gen    uint64
	cancel context.CancelFunc

	src      FrameSource
	mover    actuator.Positioner
	detector Detector
	repo     *Repository
	logger   *slog.Logger

	maxRetries  int
	settleDelay time.Duration
	stepTimeout time.Duration
	archiveDir  string
}

// NewSession wires the state machine to its collaborators. repo may be nil
// to skip persistence; archiveDir empty to skip frame archiving.
func NewSession(cfg *config.Config, src FrameSource, mover actuator.Positioner, detector Detector, repo *Repository) *Session {
	pol := cfg.Calibration
	maxRetries := pol.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	stepTimeout := time.Duration(pol.CaptureTimeout) * time.Second
	if stepTimeout == 0 {
		stepTimeout = 30 * time.Second
	}

	archiveDir := ""
	if pol.ArchiveFrames {
		archiveDir = cfg.Storage.CapturesPath
		if archiveDir == "" {
			archiveDir = filepath.Join(cfg.Storage.DataPath, "captures")
		}
	}

	return &Session{
		state:       StateIdle,
		src:         src,
		mover:       mover,
		detector:    detector,
		repo:        repo,
		logger:      slog.Default().With("component", "calibration"),
		maxRetries:  maxRetries,
		settleDelay: time.Duration(pol.SettleDelayMS) * time.Millisecond,
		stepTimeout: stepTimeout,
		archiveDir:  archiveDir,
	}
}

// Step validates one calibration request and, if accepted, starts the
// capture for the next grid cell in a worker goroutine. Validation errors
// (unknown target, bad location text, grid mismatch) are returned
// synchronously and leave the session untouched; everything downstream is
// observed via Status and the console log.
func (s *Session) Step(req Request) error {
	target, err := ParseTarget(req.TargetID)
	if err != nil {
		s.logger.Warn("Calibration step rejected", "error", err)
		return err
	}
	if req.GridRows < 1 || req.GridCols < 1 {
		err := fmt.Errorf("%w: grid %dx%d", ErrGridMismatch, req.GridRows, req.GridCols)
		s.logger.Warn("Calibration step rejected", "error", err)
		return err
	}
	x, y, err := req.ParseLocation()
	if err != nil {
		s.logger.Warn("Calibration step rejected", "error", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCaptureInProgress:
		return ErrCaptureInProgress
	case StateDone, StateFailed:
		return fmt.Errorf("%w: reset before starting a new session", ErrSessionFinished)
	case StateIdle:
		s.id = uuid.New().String()
		s.target = target
		s.rows = req.GridRows
		s.cols = req.GridCols
		s.points = nil
		s.captured = make(map[Cell]bool)
		s.retries = 0
		s.lastErr = ""
		s.transform = nil
		s.startedAt = time.Now()
		s.gen++
		s.logger.Info("Calibration session started",
			"session", s.id, "target", target.String(),
			"grid", fmt.Sprintf("%dx%d", s.rows, s.cols))
	case StateAwaitingCapture:
		if req.GridRows != s.rows || req.GridCols != s.cols {
			err := fmt.Errorf("%w: session is %dx%d, request is %dx%d",
				ErrGridMismatch, s.rows, s.cols, req.GridRows, req.GridCols)
			s.logger.Warn("Calibration step rejected", "session", s.id, "error", err)
			return err
		}
		if target != s.target {
			err := fmt.Errorf("%w: session target is %s, request is %s",
				ErrTargetMismatch, s.target, target)
			s.logger.Warn("Calibration step rejected", "session", s.id, "error", err)
			return err
		}
	}

	cell := s.nextCellLocked()
	s.state = StateCaptureInProgress

	ctx, cancel := context.WithTimeout(context.Background(), s.stepTimeout)
	s.cancel = cancel
	gen := s.gen

	s.logger.Info("Capture step started",
		"session", s.id, "cell_row", cell.Row, "cell_col", cell.Col,
		"loc_x", x, "loc_y", y)

	go func() {
		defer cancel()
		s.runStep(ctx, gen, cell, Point{X: x, Y: y})
	}()
	return nil
}

// Status returns a non-blocking snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:          s.state,
		SessionID:      s.id,
		GridRows:       s.rows,
		GridCols:       s.cols,
		PointsCaptured: len(s.points),
		Retries:        s.retries,
		LastError:      s.lastErr,
		Transform:      s.transform,
	}
	if s.state != StateIdle {
		st.Target = s.target.String()
		st.PointsTotal = s.rows * s.cols
	}
	if s.state == StateAwaitingCapture {
		cell := s.nextCellLocked()
		st.NextCell = &cell
	}
	return st
}

// Points returns a copy of the captured points, in capture order.
func (s *Session) Points() []CapturedPoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CapturedPoint, len(s.points))
	copy(out, s.points)
	return out
}

// Reset aborts any in-flight capture step at its next checkpoint and
// returns the session to Idle. This is the only way out of Done or Failed.
// Resetting an active session also sends the gantry home, best effort.
func (s *Session) Reset() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	wasActive := s.state != StateIdle
	s.state = StateIdle
	s.id = ""
	s.points = nil
	s.captured = nil
	s.retries = 0
	s.lastErr = ""
	s.transform = nil
	s.gen++
	s.mu.Unlock()

	if wasActive {
		s.logger.Info("Calibration session reset")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.stepTimeout)
			defer cancel()
			if err := s.mover.Home(ctx); err != nil {
				s.logger.Warn("Gantry home after reset failed", "error", err)
			}
		}()
	}
}

// nextCellLocked returns the first uncaptured cell in row-major order.
func (s *Session) nextCellLocked() Cell {
	for row := 0; row < s.rows; row++ {
		for col := 0; col < s.cols; col++ {
			c := Cell{Row: row, Col: col}
			if !s.captured[c] {
				return c
			}
		}
	}
	return Cell{}
}

// runStep executes one position/capture/detect cycle. Cancellation is
// honored between stages; a reset during the step discards its outcome.
// The caller releases the step context after runStep returns.
func (s *Session) runStep(ctx context.Context, gen uint64, cell Cell, world Point) {
	if err := s.mover.MoveTo(ctx, world.X, world.Y); err != nil {
		s.stepFailed(gen, cell, err)
		return
	}

	if s.settleDelay > 0 {
		select {
		case <-time.After(s.settleDelay):
		case <-ctx.Done():
			s.stepFailed(gen, cell, ctx.Err())
			return
		}
	}
	if ctx.Err() != nil {
		s.stepFailed(gen, cell, ctx.Err())
		return
	}

	frame, err := s.src.CaptureFrame(ctx)
	if err != nil {
		s.stepFailed(gen, cell, err)
		return
	}

	point, err := s.detector.Detect(ctx, s.sessionTarget(gen), frame)
	if err != nil {
		s.stepFailed(gen, cell, err)
		return
	}

	framePath := s.archiveFrame(gen, cell, frame)

	s.stepSucceeded(gen, cell, world, point, framePath)
}

// sessionTarget reads the session's target if the generation still matches.
func (s *Session) sessionTarget(gen uint64) Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return Chessboard
	}
	return s.target
}

// stepSucceeded records the detected point and advances the machine.
func (s *Session) stepSucceeded(gen uint64, cell Cell, world, image Point, framePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		// Reset happened while the step was in flight.
		return
	}
	s.cancel = nil

	s.points = append(s.points, CapturedPoint{
		Cell:       cell,
		World:      world,
		Image:      image,
		FramePath:  framePath,
		CapturedAt: time.Now(),
	})
	s.captured[cell] = true
	s.retries = 0
	s.lastErr = ""

	total := s.rows * s.cols
	s.logger.Info("Reference point captured",
		"session", s.id, "cell_row", cell.Row, "cell_col", cell.Col,
		"image_x", image.X, "image_y", image.Y,
		"progress", fmt.Sprintf("%d/%d", len(s.points), total))

	if len(s.points) < total {
		s.state = StateAwaitingCapture
		return
	}

	s.state = StateDone
	s.finishLocked()
}

// stepFailed logs the fault and either leaves the cell retryable or fails
// the session once the retry budget is spent. A cancelled step after a
// reset is discarded silently.
func (s *Session) stepFailed(gen uint64, cell Cell, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return
	}
	s.cancel = nil
	if errors.Is(err, context.Canceled) {
		// Reset cancelled the step but the generation check above did not
		// trip; treat as an abort either way.
		s.state = StateAwaitingCapture
		return
	}

	s.retries++
	s.lastErr = err.Error()

	kind := "capture"
	switch {
	case errors.Is(err, ErrDetectionFailure):
		kind = "detection"
	case errors.Is(err, actuator.ErrActuatorFault):
		kind = "actuator"
	case errors.Is(err, camera.ErrNoSignal):
		kind = "camera"
	}

	if s.retries >= s.maxRetries {
		s.state = StateFailed
		s.logger.Error("Calibration session failed",
			"session", s.id, "cell_row", cell.Row, "cell_col", cell.Col,
			"kind", kind, "attempts", s.retries, "error", err)
		s.finishLocked()
		return
	}

	s.state = StateAwaitingCapture
	s.logger.Warn("Capture step failed, cell may be retried",
		"session", s.id, "cell_row", cell.Row, "cell_col", cell.Col,
		"kind", kind, "attempt", s.retries, "max", s.maxRetries, "error", err)
}

// finishLocked solves the transform on Done and persists the session.
// Called with the lock held.
func (s *Session) finishLocked() {
	if s.state == StateDone {
		t, err := SolveTransform(s.points)
		if err != nil {
			s.logger.Warn("Transform solve failed", "session", s.id, "error", err)
		} else {
			s.transform = t
			s.logger.Info("Calibration complete",
				"session", s.id, "points", len(s.points),
				"residual_mm", fmt.Sprintf("%.3f", t.Residual))
		}
	}

	if s.repo == nil {
		return
	}

	rec := &SessionRecord{
		ID:             s.id,
		Target:         s.target.String(),
		GridRows:       s.rows,
		GridCols:       s.cols,
		State:          s.state,
		PointsCaptured: len(s.points),
		Error:          s.lastErr,
		Transform:      s.transform,
		StartedAt:      s.startedAt,
	}
	now := time.Now()
	rec.CompletedAt = &now

	points := make([]CapturedPoint, len(s.points))
	copy(points, s.points)

	// Persist off the lock path; the session outcome is already final.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.repo.SaveSession(ctx, rec, points); err != nil {
			s.logger.Error("Failed to persist calibration session",
				"session", rec.ID, "error", err)
		}
	}()
}

// archiveFrame writes the accepted capture to the archive directory, best
// effort. Returns the file path or empty.
func (s *Session) archiveFrame(gen uint64, cell Cell, frame *camera.Frame) string {
	if s.archiveDir == "" || frame == nil || len(frame.Data) == 0 {
		return ""
	}

	s.mu.Lock()
	id := s.id
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return ""
	}

	dir := filepath.Join(s.archiveDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("Failed to create capture directory", "dir", dir, "error", err)
		return ""
	}

	path := filepath.Join(dir, fmt.Sprintf("cell_%d_%d.jpg", cell.Row, cell.Col))
	if err := os.WriteFile(path, frame.Data, 0o644); err != nil {
		s.logger.Warn("Failed to archive capture frame", "path", path, "error", err)
		return ""
	}
	return path
}
