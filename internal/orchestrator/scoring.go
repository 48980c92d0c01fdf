package orchestrator

import (
	"fmt"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
)

// BandFn maps the variance of per-agent aggregates to a confidence band in
// [0, 100]. Lower variance means a tighter, higher band.
type BandFn func(variance float64) float64

// LinearBand is the default band shape: 100 minus slope times variance,
// clamped to [0, 100].
func LinearBand(slope float64) BandFn {
	return func(variance float64) float64 {
		band := 100 - slope*variance
		if band < 0 {
			return 0
		}
		if band > 100 {
			return 100
		}
		return band
	}
}

// Aggregator folds rubric scores from multiple agents into one consensus
// score per candidate.
type Aggregator struct {
	weights   map[string]float64
	minSample int
	band      BandFn
}

// NewAggregator builds an aggregator. Missing weights default to uniform;
// partial weight maps are normalized so the weights sum to 1.
func NewAggregator(weights map[string]float64, minSample int, band BandFn) (Aggregator, error) {
	if minSample <= 0 {
		minSample = 2
	}
	if band == nil {
		band = LinearBand(25.0)
	}
	resolved := make(map[string]float64, len(domain.RubricDimensions))
	if len(weights) == 0 {
		uniform := 1.0 / float64(len(domain.RubricDimensions))
		for _, dim := range domain.RubricDimensions {
			resolved[dim] = uniform
		}
	} else {
		total := 0.0
		for _, dim := range domain.RubricDimensions {
			w, ok := weights[dim]
			if !ok {
				return Aggregator{}, fmt.Errorf("scoring weights: missing dimension %q", dim)
			}
			if w < 0 {
				return Aggregator{}, fmt.Errorf("scoring weights: dimension %q is negative", dim)
			}
			total += w
		}
		if total <= 0 {
			return Aggregator{}, fmt.Errorf("scoring weights: sum to zero")
		}
		for _, dim := range domain.RubricDimensions {
			resolved[dim] = weights[dim] / total
		}
	}
	return Aggregator{weights: resolved, minSample: minSample, band: band}, nil
}

// Aggregate computes the consensus for one candidate from the records of the
// agents that actually scored it. It never fabricates a missing agent's
// score; a thin sample is flagged, not padded.
func (a Aggregator) Aggregate(ticker string, records []domain.ScoreRecord) (domain.ConsensusScore, error) {
	if len(records) == 0 {
		return domain.ConsensusScore{}, fmt.Errorf("aggregate %s: no score records", ticker)
	}
	for _, rec := range records {
		if rec.Ticker != ticker {
			return domain.ConsensusScore{}, fmt.Errorf("aggregate %s: record for %s", ticker, rec.Ticker)
		}
		if err := domain.ValidateScoreRecord(rec); err != nil {
			return domain.ConsensusScore{}, fmt.Errorf("aggregate %s: %w", ticker, err)
		}
	}

	means := make(map[string]float64, len(domain.RubricDimensions))
	for _, dim := range domain.RubricDimensions {
		sum := 0.0
		for _, rec := range records {
			sum += float64(rec.Scores[dim])
		}
		means[dim] = sum / float64(len(records))
	}

	aggregate := 0.0
	for _, dim := range domain.RubricDimensions {
		aggregate += a.weights[dim] * means[dim]
	}

	perAgent := make([]float64, 0, len(records))
	for _, rec := range records {
		v := 0.0
		for _, dim := range domain.RubricDimensions {
			v += a.weights[dim] * float64(rec.Scores[dim])
		}
		perAgent = append(perAgent, v)
	}
	variance := populationVariance(perAgent)

	return domain.ConsensusScore{
		Ticker:         ticker,
		DimensionMeans: means,
		Aggregate:      aggregate,
		Variance:       variance,
		Band:           a.band(variance),
		SampleSize:     len(records),
		LowSample:      len(records) < a.minSample,
	}, nil
}

func populationVariance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(values))
}
