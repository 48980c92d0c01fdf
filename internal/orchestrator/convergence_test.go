package orchestrator

import (
	"testing"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
)

func picks(entries ...[2]any) []domain.Pick {
	out := make([]domain.Pick, len(entries))
	for i, e := range entries {
		out[i] = domain.Pick{Ticker: e[0].(string), Rank: i + 1, Conviction: float64(e[1].(int))}
	}
	return out
}

func loopState(loop int, top3 []domain.Pick) domain.LoopState {
	return domain.LoopState{Loop: loop, Top3: top3}
}

func TestFirstLoopAlwaysContinues(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{})
	rec := &ConvergenceRecord{}
	rec.Append(loopState(1, picks([2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70})))
	v := e.Evaluate(rec)
	if v.Converged || v.Reason != domain.ConvergenceContinue {
		t.Fatalf("expected continue on loop 1, got %+v", v)
	}
}

func TestPerfectMatchAfterTwoLoops(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{})
	rec := &ConvergenceRecord{}
	top3 := picks([2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70})
	rec.Append(loopState(1, top3))
	rec.Append(loopState(2, top3))
	v := e.Evaluate(rec)
	if !v.Converged || v.Reason != domain.ConvergencePerfectMatch {
		t.Fatalf("expected perfect-match at loop 2, got %+v", v)
	}
}

func TestSetStabilityNeedsThreeLoopsAndDoesNotFirePerfectMatch(t *testing.T) {
	// Same set every loop, different order: big conviction swings keep
	// criterion 3 quiet so only set stability can fire.
	e := NewEvaluator(EvaluatorConfig{})
	rec := &ConvergenceRecord{}
	rec.Append(loopState(1, picks([2]any{"AAA", 90}, [2]any{"BBB", 60}, [2]any{"CCC", 30})))
	rec.Append(loopState(2, picks([2]any{"BBB", 90}, [2]any{"AAA", 60}, [2]any{"CCC", 30})))

	v := e.Evaluate(rec)
	if v.Converged {
		t.Fatalf("must not converge at loop 2 with differing orders, got %+v", v)
	}

	rec.Append(loopState(3, picks([2]any{"CCC", 90}, [2]any{"BBB", 60}, [2]any{"AAA", 30})))
	v = e.Evaluate(rec)
	if !v.Converged || v.Reason != domain.ConvergenceSetStability {
		t.Fatalf("expected set-stability at loop 3, got %+v", v)
	}
}

func TestScoreConvergenceUnderThreshold(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{ScoreThresholdPct: 5.0})
	rec := &ConvergenceRecord{}
	rec.Append(loopState(1, picks([2]any{"AAA", 100}, [2]any{"BBB", 80}, [2]any{"CCC", 60})))
	// Different order blocks criteria 1 and 2; drift under 5% everywhere.
	rec.Append(loopState(2, []domain.Pick{
		{Ticker: "BBB", Rank: 1, Conviction: 82},
		{Ticker: "AAA", Rank: 2, Conviction: 98},
		{Ticker: "DDD", Rank: 3, Conviction: 50},
	}))
	v := e.Evaluate(rec)
	if !v.Converged || v.Reason != domain.ConvergenceScoreThreshold {
		t.Fatalf("expected score-convergence, got %+v", v)
	}
	if v.MaxScoreDelta <= 0 || v.MaxScoreDelta >= 5 {
		t.Fatalf("expected max delta in (0,5), got %v", v.MaxScoreDelta)
	}
}

func TestScoreConvergenceRequiresSharedEntities(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{})
	rec := &ConvergenceRecord{}
	rec.Append(loopState(1, picks([2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70})))
	rec.Append(loopState(2, picks([2]any{"DDD", 90}, [2]any{"EEE", 80}, [2]any{"FFF", 70})))
	v := e.Evaluate(rec)
	if v.Converged {
		t.Fatalf("disjoint top-3 lists must not score-converge, got %+v", v)
	}
}

func TestCeilingFiresExactlyAtMaxLoops(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{MaxLoops: 5})
	rec := &ConvergenceRecord{}
	churn := [][]domain.Pick{
		picks([2]any{"AAA", 90}, [2]any{"BBB", 60}, [2]any{"CCC", 30}),
		picks([2]any{"DDD", 90}, [2]any{"AAA", 50}, [2]any{"EEE", 30}),
		picks([2]any{"FFF", 90}, [2]any{"DDD", 40}, [2]any{"AAA", 80}),
		picks([2]any{"GGG", 90}, [2]any{"FFF", 30}, [2]any{"HHH", 20}),
		picks([2]any{"III", 90}, [2]any{"GGG", 40}, [2]any{"JJJ", 20}),
	}
	for i, top3 := range churn {
		rec.Append(loopState(i+1, top3))
		v := e.Evaluate(rec)
		if i+1 < 5 {
			if v.Reason != domain.ConvergenceContinue {
				t.Fatalf("loop %d: expected continue, got %+v", i+1, v)
			}
			continue
		}
		if v.Converged || v.Reason != domain.ConvergenceCeiling {
			t.Fatalf("loop 5: expected ceiling-reached, got %+v", v)
		}
	}
}

func TestCeilingFiresOnLoopOneWhenMaxLoopsIsOne(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{MaxLoops: 1})
	rec := &ConvergenceRecord{}
	rec.Append(loopState(1, picks([2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70})))
	v := e.Evaluate(rec)
	if v.Converged || v.Reason != domain.ConvergenceCeiling {
		t.Fatalf("expected ceiling-reached on loop 1 with a one-loop budget, got %+v", v)
	}
}

func TestCriteriaWinOverCeiling(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{MaxLoops: 2})
	rec := &ConvergenceRecord{}
	top3 := picks([2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70})
	rec.Append(loopState(1, top3))
	rec.Append(loopState(2, top3))
	v := e.Evaluate(rec)
	if !v.Converged || v.Reason != domain.ConvergencePerfectMatch {
		t.Fatalf("criterion 1 must beat the ceiling at max loops, got %+v", v)
	}
}
