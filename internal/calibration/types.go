// Package calibration orchestrates multi-point camera-to-world calibration
// for the pick-and-place work area. Each capture step positions the gantry
// over one grid cell, pulls a frame from the active camera, and detects the
// calibration target's reference point in it. Once every cell is covered,
// an affine image-to-world transform is solved from the correspondences.
package calibration

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session-local errors. None of these terminate the process; rejected
// requests leave the active session untouched.
var (
	// ErrGridMismatch reports a request whose grid size disagrees with the
	// active session. The caller must reset before changing grid size.
	ErrGridMismatch = errors.New("grid mismatch")

	// ErrInvalidLocation reports location text that does not parse as a
	// decimal coordinate.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrInvalidTarget reports an unknown calibration target id.
	ErrInvalidTarget = errors.New("invalid calibration target")

	// ErrTargetMismatch reports a request whose target differs from the
	// active session's.
	ErrTargetMismatch = errors.New("calibration target mismatch")

	// ErrCaptureInProgress reports a step request while the previous step
	// is still running.
	ErrCaptureInProgress = errors.New("capture in progress")

	// ErrSessionFinished reports a step request against a Done or Failed
	// session; only an explicit reset accepts new work.
	ErrSessionFinished = errors.New("session finished")

	// ErrDetectionFailure reports that no reference point was found in a
	// captured frame. Retryable up to the session's retry policy.
	ErrDetectionFailure = errors.New("detection failure")
)

// Target identifies the fiducial the detector looks for.
type Target int

const (
	Chessboard Target = iota
	CircleGrid
	ArucoMarker
)

// ParseTarget maps a wire target id to a Target.
func ParseTarget(id int) (Target, error) {
	switch Target(id) {
	case Chessboard, CircleGrid, ArucoMarker:
		return Target(id), nil
	default:
		return 0, fmt.Errorf("%w: id %d", ErrInvalidTarget, id)
	}
}

func (t Target) String() string {
	switch t {
	case Chessboard:
		return "chessboard"
	case CircleGrid:
		return "circle_grid"
	case ArucoMarker:
		return "aruco_marker"
	default:
		return fmt.Sprintf("target(%d)", int(t))
	}
}

// Request is one calibration step as received from the console: a target
// id, the sampling grid size, and the commanded probe location. Locations
// arrive as text and are parsed by the receiver.
type Request struct {
	TargetID int    `json:"calibration_target_id"`
	GridRows int    `json:"grid_rows"`
	GridCols int    `json:"grid_cols"`
	LocX     string `json:"loc_x"`
	LocY     string `json:"loc_y"`
}

// ParseLocation parses the request's location text as locale-independent
// decimal coordinates in millimeters.
func (r Request) ParseLocation() (x, y float64, err error) {
	x, err = strconv.ParseFloat(strings.TrimSpace(r.LocX), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: loc_x %q", ErrInvalidLocation, r.LocX)
	}
	y, err = strconv.ParseFloat(strings.TrimSpace(r.LocY), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: loc_y %q", ErrInvalidLocation, r.LocY)
	}
	return x, y, nil
}

// State is the session lifecycle state.
type State string

const (
	StateIdle              State = "idle"
	StateAwaitingCapture   State = "awaiting_capture"
	StateCaptureInProgress State = "capture_in_progress"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// Cell is one (row, column) position in the sampling grid.
type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Point is a 2D coordinate, in image pixels or work-area millimeters
// depending on context.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CapturedPoint is one accepted grid-cell capture: the commanded world
// location and the reference point detected in the frame taken there.
type CapturedPoint struct {
	Cell       Cell      `json:"cell"`
	World      Point     `json:"world"`
	Image      Point     `json:"image"`
	FramePath  string    `json:"frame_path,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Transform is the solved affine image-to-world mapping:
//
//	x = A*u + B*v + C
//	y = D*u + E*v + F
//
// Residual is the RMS reprojection error in millimeters.
type Transform struct {
	A        float64 `json:"a"`
	B        float64 `json:"b"`
	C        float64 `json:"c"`
	D        float64 `json:"d"`
	E        float64 `json:"e"`
	F        float64 `json:"f"`
	Residual float64 `json:"residual"`
}

// Apply maps an image coordinate to a work-area coordinate.
func (t Transform) Apply(p Point) Point {
	return Point{
		X: t.A*p.X + t.B*p.Y + t.C,
		Y: t.D*p.X + t.E*p.Y + t.F,
	}
}

// Status is a non-blocking snapshot of the session, shaped for the console.
type Status struct {
	State          State      `json:"state"`
	SessionID      string     `json:"session_id,omitempty"`
	Target         string     `json:"target,omitempty"`
	GridRows       int        `json:"grid_rows,omitempty"`
	GridCols       int        `json:"grid_cols,omitempty"`
	PointsCaptured int        `json:"points_captured"`
	PointsTotal    int        `json:"points_total,omitempty"`
	NextCell       *Cell      `json:"next_cell,omitempty"`
	Retries        int        `json:"retries,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	Transform      *Transform `json:"transform,omitempty"`
}
