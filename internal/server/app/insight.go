package app

import (
	"context"
	"errors"
	"sort"
	"strings"

	apperrors "insight/internal/errors"
	"insight/internal/server/ports"
	"insight/internal/simulation"
)

// AggregateForecast merges the forecasts of the completed runs among ids.
// For each year capability is averaged over the runs that reach that year,
// and affected sectors are the union in first-seen order. Unknown or
// unfinished ids are skipped; if none of the ids completed, the result is
// ErrNotFound.
func AggregateForecast(ctx context.Context, store ports.JobStore, ids []string) ([]simulation.ForecastPoint, error) {
	if len(ids) == 0 {
		return nil, apperrors.NewValidationError(map[string]string{"ids": "at least one run id is required"})
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return nil, apperrors.NewValidationError(map[string]string{"ids": "run ids must be non-empty"})
		}
	}

	type bucket struct {
		sum     float64
		runs    int
		sectors []string
		seen    map[string]struct{}
	}
	years := map[int]*bucket{}
	completed := 0

	for _, id := range ids {
		view, err := store.GetResults(ctx, id)
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if view.Status != ports.JobStatusCompleted || view.Results == nil {
			continue
		}
		completed++
		for _, p := range view.Results.Forecast {
			b, ok := years[p.Year]
			if !ok {
				b = &bucket{seen: map[string]struct{}{}}
				years[p.Year] = b
			}
			b.sum += p.Capability
			b.runs++
			for _, s := range p.AffectedSectors {
				if _, dup := b.seen[s]; dup {
					continue
				}
				b.seen[s] = struct{}{}
				b.sectors = append(b.sectors, s)
			}
		}
	}
	if completed == 0 {
		return nil, NotFoundError("no completed run among %d ids", len(ids))
	}

	ordered := make([]int, 0, len(years))
	for year := range years {
		ordered = append(ordered, year)
	}
	sort.Ints(ordered)

	out := make([]simulation.ForecastPoint, 0, len(ordered))
	for _, year := range ordered {
		b := years[year]
		sectors := b.sectors
		if sectors == nil {
			sectors = []string{}
		}
		out = append(out, simulation.ForecastPoint{
			Year:            year,
			Capability:      b.sum / float64(b.runs),
			AffectedSectors: sectors,
		})
	}
	return out, nil
}
