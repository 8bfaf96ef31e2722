package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pickpoint/opconsole/internal/calibration"
	"github.com/pickpoint/opconsole/internal/config"
)

// ValidationError describes one invalid request field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a list of validation errors
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return strings.Join(parts, "; ")
}

// validator accumulates field errors
type validator struct {
	errors ValidationErrors
}

func (v *validator) add(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *validator) valid() bool {
	return len(v.errors) == 0
}

// maxGridDim bounds the sampling grid; anything larger is an operator typo.
const maxGridDim = 32

// ValidateCalibrationRequest checks the shape of a calibration step request.
// Location text is validated downstream by the session, where a parse
// failure maps to its own error.
func ValidateCalibrationRequest(req calibration.Request) ValidationErrors {
	var v validator

	if _, err := calibration.ParseTarget(req.TargetID); err != nil {
		v.add("calibration_target_id", fmt.Sprintf("unknown target id %d", req.TargetID))
	}
	if req.GridRows < 1 || req.GridRows > maxGridDim {
		v.add("grid_rows", fmt.Sprintf("must be between 1 and %d", maxGridDim))
	}
	if req.GridCols < 1 || req.GridCols > maxGridDim {
		v.add("grid_cols", fmt.Sprintf("must be between 1 and %d", maxGridDim))
	}
	if strings.TrimSpace(req.LocX) == "" {
		v.add("loc_x", "required")
	}
	if strings.TrimSpace(req.LocY) == "" {
		v.add("loc_y", "required")
	}

	return v.errors
}

// ParseSlot parses and range-checks a slot path parameter.
func ParseSlot(raw string) (int, error) {
	slot, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("slot must be an integer")
	}
	if slot < 0 || slot >= config.SlotCount {
		return 0, fmt.Errorf("slot must be between 0 and %d", config.SlotCount-1)
	}
	return slot, nil
}
