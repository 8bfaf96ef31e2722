package calibration

import (
	"errors"
	"math"
)

// ErrDegenerateSolve reports that the captured points do not constrain an
// affine transform, typically because they are collinear or too few.
var ErrDegenerateSolve = errors.New("degenerate calibration geometry")

// SolveTransform fits the least-squares affine image-to-world mapping to
// the captured correspondences and reports the RMS residual. At least
// three non-collinear points are required.
func SolveTransform(points []CapturedPoint) (*Transform, error) {
	if len(points) < 3 {
		return nil, ErrDegenerateSolve
	}

	// Normal equations for x = A*u + B*v + C, shared design matrix for
	// the y row. M is symmetric 3x3 over (u, v, 1).
	var m [3][3]float64
	var bx, by [3]float64
	for _, p := range points {
		u, v := p.Image.X, p.Image.Y
		row := [3]float64{u, v, 1}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				m[i][j] += row[i] * row[j]
			}
			bx[i] += row[i] * p.World.X
			by[i] += row[i] * p.World.Y
		}
	}

	abc, ok := solve3(m, bx)
	if !ok {
		return nil, ErrDegenerateSolve
	}
	def, ok := solve3(m, by)
	if !ok {
		return nil, ErrDegenerateSolve
	}

	t := &Transform{
		A: abc[0], B: abc[1], C: abc[2],
		D: def[0], E: def[1], F: def[2],
	}

	var sq float64
	for _, p := range points {
		w := t.Apply(p.Image)
		dx := w.X - p.World.X
		dy := w.Y - p.World.Y
		sq += dx*dx + dy*dy
	}
	t.Residual = math.Sqrt(sq / float64(len(points)))

	return t, nil
}

// solve3 solves a 3x3 linear system by Gaussian elimination with partial
// pivoting. Reports false for a singular system.
func solve3(a [3][3]float64, b [3]float64) ([3]float64, bool) {
	const eps = 1e-12

	for col := 0; col < 3; col++ {
		pivot := col
		for r := col + 1; r < 3; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < eps {
			return [3]float64{}, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < 3; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < 3; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}

	var x [3]float64
	for r := 2; r >= 0; r-- {
		x[r] = b[r]
		for c := r + 1; c < 3; c++ {
			x[r] -= a[r][c] * x[c]
		}
		x[r] /= a[r][r]
	}
	return x, true
}
