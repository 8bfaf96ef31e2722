package calibration

import (
	"errors"
	"math"
	"testing"
)

func gridPoints(t Transform, rows, cols int) []CapturedPoint {
	var pts []CapturedPoint
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			img := Point{X: float64(c)*100 + 50, Y: float64(r)*80 + 40}
			pts = append(pts, CapturedPoint{
				Cell:  Cell{Row: r, Col: c},
				Image: img,
				World: t.Apply(img),
			})
		}
	}
	return pts
}

func TestSolveRecoversKnownTransform(t *testing.T) {
	want := Transform{A: 0.05, B: 0.002, C: -12.5, D: -0.001, E: 0.048, F: 3.25}
	pts := gridPoints(want, 3, 3)

	got, err := SolveTransform(pts)
	if err != nil {
		t.Fatalf("SolveTransform: %v", err)
	}

	coeffs := [][2]float64{
		{got.A, want.A}, {got.B, want.B}, {got.C, want.C},
		{got.D, want.D}, {got.E, want.E}, {got.F, want.F},
	}
	for i, c := range coeffs {
		if math.Abs(c[0]-c[1]) > 1e-9 {
			t.Errorf("coefficient %d = %g, want %g", i, c[0], c[1])
		}
	}
	if got.Residual > 1e-9 {
		t.Errorf("residual = %g on exact correspondences", got.Residual)
	}
}

func TestSolveReportsNoiseInResidual(t *testing.T) {
	ideal := Transform{A: 0.1, E: 0.1, C: -5, F: -5}
	pts := gridPoints(ideal, 4, 4)
	// Perturb one world measurement by 2mm.
	pts[5].World.X += 2

	got, err := SolveTransform(pts)
	if err != nil {
		t.Fatalf("SolveTransform: %v", err)
	}
	if got.Residual <= 0 {
		t.Error("residual not reported for noisy correspondences")
	}
	if got.Residual > 2 {
		t.Errorf("residual = %g, larger than the injected error", got.Residual)
	}
}

func TestSolveTooFewPoints(t *testing.T) {
	pts := gridPoints(Transform{A: 1, E: 1}, 1, 2)
	if _, err := SolveTransform(pts); !errors.Is(err, ErrDegenerateSolve) {
		t.Errorf("got %v, want ErrDegenerateSolve", err)
	}
}

func TestSolveCollinearPoints(t *testing.T) {
	var pts []CapturedPoint
	for i := 0; i < 5; i++ {
		img := Point{X: float64(i) * 10, Y: float64(i) * 10}
		pts = append(pts, CapturedPoint{Image: img, World: img})
	}
	if _, err := SolveTransform(pts); !errors.Is(err, ErrDegenerateSolve) {
		t.Errorf("got %v, want ErrDegenerateSolve", err)
	}
}

func TestTransformApply(t *testing.T) {
	tr := Transform{A: 2, B: 0, C: 1, D: 0, E: 3, F: -1}
	got := tr.Apply(Point{X: 4, Y: 5})
	if got.X != 9 || got.Y != 14 {
		t.Errorf("Apply = %+v, want {9 14}", got)
	}
}
