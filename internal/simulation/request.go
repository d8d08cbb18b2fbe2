package simulation

import (
	"encoding/json"
	"fmt"
	"math"

	apperrors "insight/internal/errors"
)

// Curve names a capability growth curve.
type Curve string

const (
	CurveLinear      Curve = "linear"
	CurveLogistic    Curve = "logistic"
	CurveExponential Curve = "exponential"
)

// Request is the parameter set of one simulation run. Fields absent from a
// decoded JSON body take the values of DefaultRequest.
type Request struct {
	Horizon     int     `json:"horizon" yaml:"horizon"`
	NumSectors  int     `json:"num_sectors" yaml:"num_sectors"`
	PopSize     int     `json:"pop_size" yaml:"pop_size"`
	Generations int     `json:"generations" yaml:"generations"`
	MutRate     float64 `json:"mut_rate" yaml:"mut_rate"`
	XoverRate   float64 `json:"xover_rate" yaml:"xover_rate"`
	Curve       Curve   `json:"curve" yaml:"curve"`
	Energy      float64 `json:"energy" yaml:"energy"`
	Entropy     float64 `json:"entropy" yaml:"entropy"`
	Seed        int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// DefaultRequest returns the parameters used for absent fields.
func DefaultRequest() Request {
	return Request{
		Horizon:     5,
		NumSectors:  6,
		PopSize:     6,
		Generations: 3,
		MutRate:     0.1,
		XoverRate:   0.5,
		Curve:       CurveLogistic,
		Energy:      1,
		Entropy:     1,
	}
}

// UnmarshalJSON decodes over DefaultRequest so that omitted keys keep their
// defaults while explicit zeros are preserved.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	decoded := plain(DefaultRequest())
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*r = Request(decoded)
	return nil
}

// Validate reports every out-of-range field at once.
func (r Request) Validate() error {
	issues := map[string]string{}
	intRange := func(field string, v, lo, hi int) {
		if v < lo || v > hi {
			issues[field] = fmt.Sprintf("must be between %d and %d", lo, hi)
		}
	}
	unit := func(field string, v float64) {
		if math.IsNaN(v) || v < 0 || v > 1 {
			issues[field] = "must be between 0 and 1"
		}
	}
	nonNegative := func(field string, v float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			issues[field] = "must be a finite number >= 0"
		}
	}

	intRange("horizon", r.Horizon, 1, 100)
	intRange("num_sectors", r.NumSectors, 1, 100)
	intRange("pop_size", r.PopSize, 1, 1000)
	intRange("generations", r.Generations, 0, 1000)
	unit("mut_rate", r.MutRate)
	unit("xover_rate", r.XoverRate)
	nonNegative("energy", r.Energy)
	nonNegative("entropy", r.Entropy)
	switch r.Curve {
	case CurveLinear, CurveLogistic, CurveExponential:
	default:
		issues["curve"] = "must be one of linear, logistic, exponential"
	}

	if len(issues) == 0 {
		return nil
	}
	return apperrors.NewValidationError(issues)
}
