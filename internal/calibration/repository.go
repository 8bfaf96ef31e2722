package calibration

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pickpoint/opconsole/internal/database"
)

// SessionRecord is a persisted calibration session.
type SessionRecord struct {
	ID             string     `json:"id"`
	Target         string     `json:"target"`
	GridRows       int        `json:"grid_rows"`
	GridCols       int        `json:"grid_cols"`
	State          State      `json:"state"`
	PointsCaptured int        `json:"points_captured"`
	Error          string     `json:"error,omitempty"`
	Transform      *Transform `json:"transform,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Repository persists calibration sessions and their captured points.
type Repository struct {
	db *database.DB
}

// NewRepository creates a calibration repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// SaveSession writes a finished session and its points in one transaction.
func (r *Repository) SaveSession(ctx context.Context, rec *SessionRecord, points []CapturedPoint) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		var a, b, c, d, e, f, residual sql.NullFloat64
		if t := rec.Transform; t != nil {
			a = sql.NullFloat64{Float64: t.A, Valid: true}
			b = sql.NullFloat64{Float64: t.B, Valid: true}
			c = sql.NullFloat64{Float64: t.C, Valid: true}
			d = sql.NullFloat64{Float64: t.D, Valid: true}
			e = sql.NullFloat64{Float64: t.E, Valid: true}
			f = sql.NullFloat64{Float64: t.F, Valid: true}
			residual = sql.NullFloat64{Float64: t.Residual, Valid: true}
		}
		var completed sql.NullInt64
		if rec.CompletedAt != nil {
			completed = sql.NullInt64{Int64: rec.CompletedAt.Unix(), Valid: true}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO calibration_sessions
				(id, target, grid_rows, grid_cols, state, points_captured,
				 error, affine_a, affine_b, affine_c, affine_d, affine_e,
				 affine_f, residual, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.Target, rec.GridRows, rec.GridCols, string(rec.State),
			rec.PointsCaptured, rec.Error, a, b, c, d, e, f,
			residual, rec.StartedAt.Unix(), completed)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		for seq, p := range points {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO calibration_points
					(session_id, seq, cell_row, cell_col, world_x, world_y,
					 image_x, image_y, frame_path, captured_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, rec.ID, seq, p.Cell.Row, p.Cell.Col, p.World.X, p.World.Y,
				p.Image.X, p.Image.Y, p.FramePath, p.CapturedAt.Unix())
			if err != nil {
				return fmt.Errorf("insert point %d: %w", seq, err)
			}
		}
		return nil
	})
}

// ListSessions returns the most recent sessions, newest first.
func (r *Repository) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, target, grid_rows, grid_cols, state, points_captured,
		       error, affine_a, affine_b, affine_c, affine_d, affine_e,
		       affine_f, residual, started_at, completed_at
		FROM calibration_sessions
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// GetSession returns one session with its captured points, or sql.ErrNoRows.
func (r *Repository) GetSession(ctx context.Context, id string) (*SessionRecord, []CapturedPoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, target, grid_rows, grid_cols, state, points_captured,
		       error, affine_a, affine_b, affine_c, affine_d, affine_e,
		       affine_f, residual, started_at, completed_at
		FROM calibration_sessions
		WHERE id = ?
	`, id)

	rec, err := scanSession(row)
	if err != nil {
		return nil, nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT cell_row, cell_col, world_x, world_y, image_x, image_y,
		       frame_path, captured_at
		FROM calibration_points
		WHERE session_id = ?
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("query points: %w", err)
	}
	defer rows.Close()

	var points []CapturedPoint
	for rows.Next() {
		var p CapturedPoint
		var framePath sql.NullString
		var capturedAt int64
		if err := rows.Scan(&p.Cell.Row, &p.Cell.Col, &p.World.X, &p.World.Y,
			&p.Image.X, &p.Image.Y, &framePath, &capturedAt); err != nil {
			return nil, nil, fmt.Errorf("scan point: %w", err)
		}
		p.FramePath = framePath.String
		p.CapturedAt = time.Unix(capturedAt, 0)
		points = append(points, p)
	}
	return rec, points, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(s scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var state string
	var errText sql.NullString
	var a, b, c, d, e, f, residual sql.NullFloat64
	var startedAt int64
	var completedAt sql.NullInt64

	if err := s.Scan(&rec.ID, &rec.Target, &rec.GridRows, &rec.GridCols,
		&state, &rec.PointsCaptured, &errText,
		&a, &b, &c, &d, &e, &f, &residual,
		&startedAt, &completedAt); err != nil {
		return nil, err
	}

	rec.State = State(state)
	rec.Error = errText.String
	rec.StartedAt = time.Unix(startedAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		rec.CompletedAt = &t
	}
	if a.Valid {
		rec.Transform = &Transform{
			A: a.Float64,
			B: b.Float64,
			C: c.Float64,
			D: d.Float64,
			E: e.Float64,
			F: f.Float64,
		}
		if residual.Valid {
			rec.Transform.Residual = residual.Float64
		}
	}
	return &rec, nil
}
