package simulation

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// ForecastPoint is the capability level reached in one year and the sectors
// first disrupted in that year.
type ForecastPoint struct {
	Year            int      `json:"year"`
	Capability      float64  `json:"capability"`
	AffectedSectors []string `json:"affected_sectors"`
}

// At evaluates the curve at t in [0, 1].
func (c Curve) At(t float64) float64 {
	t = clamp01(t)
	switch c {
	case CurveLinear:
		return t
	case CurveExponential:
		return (math.Exp(3*t) - 1) / (math.Exp(3) - 1)
	default:
		return 1 / (1 + math.Exp(-10*(t-0.5)))
	}
}

// SectorName is the stable label of sector i (zero based).
func SectorName(i int) string {
	return fmt.Sprintf("sector-%02d", i+1)
}

// forecast walks the horizon year by year. Sector i is disrupted in the first
// year where capability*energy reaches its threshold (i+1)/(n+1), jittered
// by up to ±0.05*entropy.
func forecast(req Request, rng *rand.Rand) []ForecastPoint {
	thresholds := make([]float64, req.NumSectors)
	for i := range thresholds {
		base := float64(i+1) / float64(req.NumSectors+1)
		jitter := (rng.Float64()*2 - 1) * 0.05 * req.Entropy
		thresholds[i] = clamp01(base + jitter)
	}

	disrupted := make([]bool, req.NumSectors)
	points := make([]ForecastPoint, 0, req.Horizon)
	for year := 1; year <= req.Horizon; year++ {
		capability := req.Curve.At(float64(year) / float64(req.Horizon))
		point := ForecastPoint{Year: year, Capability: capability, AffectedSectors: []string{}}
		for i, threshold := range thresholds {
			if disrupted[i] {
				continue
			}
			if capability*req.Energy >= threshold {
				disrupted[i] = true
				point.AffectedSectors = append(point.AffectedSectors, SectorName(i))
			}
		}
		points = append(points, point)
	}
	return points
}

func cloneForecast(in []ForecastPoint) []ForecastPoint {
	if in == nil {
		return nil
	}
	out := make([]ForecastPoint, len(in))
	for i, p := range in {
		out[i] = p
		out[i].AffectedSectors = append([]string(nil), p.AffectedSectors...)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
