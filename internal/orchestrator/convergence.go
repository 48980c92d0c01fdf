package orchestrator

import (
	"math"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
)

// ConvergenceRecord accumulates loop states for one run. History is
// append-only; the evaluator only ever reads the trailing window.
type ConvergenceRecord struct {
	loops []domain.LoopState
}

func (r *ConvergenceRecord) Append(state domain.LoopState) {
	r.loops = append(r.loops, state)
}

func (r *ConvergenceRecord) Len() int { return len(r.loops) }

// Last returns the trailing n loop states, oldest first.
func (r *ConvergenceRecord) Last(n int) []domain.LoopState {
	if n > len(r.loops) {
		n = len(r.loops)
	}
	return r.loops[len(r.loops)-n:]
}

// EvaluatorConfig carries the termination thresholds.
type EvaluatorConfig struct {
	MaxLoops          int
	PerfectMatchLoops int
	SetStabilityLoops int
	ScoreThresholdPct float64
}

// Evaluator decides whether a run has settled. It is a pure function of the
// record window; it holds no state of its own.
type Evaluator struct {
	cfg EvaluatorConfig
}

func NewEvaluator(cfg EvaluatorConfig) Evaluator {
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = 5
	}
	if cfg.PerfectMatchLoops <= 0 {
		cfg.PerfectMatchLoops = 2
	}
	if cfg.SetStabilityLoops <= 0 {
		cfg.SetStabilityLoops = 3
	}
	if cfg.ScoreThresholdPct <= 0 {
		cfg.ScoreThresholdPct = 5.0
	}
	return Evaluator{cfg: cfg}
}

// Evaluate applies the four termination criteria in order. Criteria 1-3 need
// at least two loops of history; the ceiling does not, so a one-loop budget
// still terminates on loop one.
func (e Evaluator) Evaluate(rec *ConvergenceRecord) domain.ConvergenceVerdict {
	n := rec.Len()
	if n == 0 {
		return domain.ConvergenceVerdict{Reason: domain.ConvergenceContinue}
	}
	current := rec.Last(1)[0]
	verdict := domain.ConvergenceVerdict{
		Loop:               current.Loop,
		Reason:             domain.ConvergenceContinue,
		ConsecutiveOrdered: consecutiveOrderedMatches(rec),
		ConsecutiveSets:    consecutiveSetMatches(rec),
	}
	if n >= 2 {
		previous := rec.Last(2)[0]
		verdict.MaxScoreDelta = maxScoreDelta(previous.Top3, current.Top3)

		// Criterion 1: identical ordered Top-3 across the match window.
		if verdict.ConsecutiveOrdered+1 >= e.cfg.PerfectMatchLoops {
			verdict.Converged = true
			verdict.Reason = domain.ConvergencePerfectMatch
			return verdict
		}

		// Criterion 2: identical Top-3 set across the stability window.
		if verdict.ConsecutiveSets+1 >= e.cfg.SetStabilityLoops {
			verdict.Converged = true
			verdict.Reason = domain.ConvergenceSetStability
			return verdict
		}

		// Criterion 3: conviction drift below threshold for every shared entity.
		if scoresConverged(previous.Top3, current.Top3, e.cfg.ScoreThresholdPct) {
			verdict.Converged = true
			verdict.Reason = domain.ConvergenceScoreThreshold
			return verdict
		}
	}

	// Criterion 4: the iteration ceiling.
	if current.Loop >= e.cfg.MaxLoops {
		verdict.Converged = false
		verdict.Reason = domain.ConvergenceCeiling
	}
	return verdict
}

func tickers(picks []domain.Pick) []string {
	out := make([]string, len(picks))
	for i, p := range picks {
		out[i] = p.Ticker
	}
	return out
}

func sameOrdered(a, b []domain.Pick) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Ticker != b[i].Ticker {
			return false
		}
	}
	return true
}

func sameSet(a, b []domain.Pick) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, p := range a {
		set[p.Ticker] = true
	}
	for _, p := range b {
		if !set[p.Ticker] {
			return false
		}
	}
	return true
}

// consecutiveOrderedMatches counts how many trailing loop pairs have an
// identical ordered Top-3 before the current loop.
func consecutiveOrderedMatches(rec *ConvergenceRecord) int {
	loops := rec.Last(rec.Len())
	count := 0
	for i := len(loops) - 1; i > 0; i-- {
		if !sameOrdered(loops[i].Top3, loops[i-1].Top3) {
			break
		}
		count++
	}
	return count
}

func consecutiveSetMatches(rec *ConvergenceRecord) int {
	loops := rec.Last(rec.Len())
	count := 0
	for i := len(loops) - 1; i > 0; i-- {
		if !sameSet(loops[i].Top3, loops[i-1].Top3) {
			break
		}
		count++
	}
	return count
}

// scoresConverged checks conviction drift for entities present in both lists.
// One-sided entities carry no comparable score and are skipped; an empty
// intersection cannot demonstrate convergence.
func scoresConverged(previous, current []domain.Pick, thresholdPct float64) bool {
	prevByTicker := make(map[string]domain.Pick, len(previous))
	for _, p := range previous {
		prevByTicker[p.Ticker] = p
	}
	shared := 0
	for _, cur := range current {
		prev, ok := prevByTicker[cur.Ticker]
		if !ok {
			continue
		}
		shared++
		if pctChange(prev.Conviction, cur.Conviction) >= thresholdPct {
			return false
		}
	}
	return shared > 0
}

func maxScoreDelta(previous, current []domain.Pick) float64 {
	prevByTicker := make(map[string]domain.Pick, len(previous))
	for _, p := range previous {
		prevByTicker[p.Ticker] = p
	}
	max := 0.0
	for _, cur := range current {
		prev, ok := prevByTicker[cur.Ticker]
		if !ok {
			continue
		}
		if d := pctChange(prev.Conviction, cur.Conviction); d > max {
			max = d
		}
	}
	return max
}

func pctChange(prev, cur float64) float64 {
	if prev == 0 {
		if cur == 0 {
			return 0
		}
		return 100
	}
	return math.Abs(cur-prev) / math.Abs(prev) * 100
}
