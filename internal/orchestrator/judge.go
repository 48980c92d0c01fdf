package orchestrator

import (
	"sort"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
)

// Judge applies the keep/swap gate between the previous loop's Top-3 and the
// newly proposed one, and enforces the disconfirming-evidence precondition.
type Judge struct {
	RegressionPct float64
}

func NewJudge(regressionPct float64) Judge {
	if regressionPct <= 0 {
		regressionPct = 10.0
	}
	return Judge{RegressionPct: regressionPct}
}

// Review is the result of one judging pass.
type Review struct {
	Decisions      []domain.JudgeDecision
	Top3           []domain.Pick
	StabilityScore float64
	Publishable    bool
}

// Evaluate produces a per-slot verdict for each proposed pick. A swapped slot
// is refilled with the highest-conviction pool entry not already selected.
// Retained entities without a disconfirming note are held at their rank but
// poison publishability.
func (j Judge) Evaluate(previous, proposed []domain.Pick, pool domain.Pool) Review {
	prevByTicker := make(map[string]domain.Pick, len(previous))
	for _, p := range previous {
		prevByTicker[p.Ticker] = p
	}

	review := Review{Publishable: true}
	selected := make(map[string]bool, len(proposed))
	for _, p := range proposed {
		selected[p.Ticker] = true
	}

	keeps := 0
	for slot, pick := range proposed {
		decision := domain.JudgeDecision{Slot: slot + 1}
		final := pick

		prev, inPrevious := prevByTicker[pick.Ticker]
		switch {
		case len(previous) == 0 || !inPrevious:
			decision.Verdict = domain.VerdictKeep
			decision.Kept = pick.Ticker
			decision.Reason = domain.JudgeReasonNewEntry
		case samePickPosition(prev, pick):
			decision.Verdict = domain.VerdictKeep
			decision.Kept = pick.Ticker
			decision.Reason = domain.JudgeReasonIdentical
		case pick.Rank <= prev.Rank:
			decision.Verdict = domain.VerdictKeep
			decision.Kept = pick.Ticker
			decision.Reason = domain.JudgeReasonRankHeld
		case regressionPct(prev.Conviction, pick.Conviction) <= j.RegressionPct:
			decision.Verdict = domain.VerdictKeep
			decision.Kept = pick.Ticker
			decision.Reason = domain.JudgeReasonScoreDominant
		default:
			decision.Verdict = domain.VerdictSwap
			decision.Removed = pick.Ticker
			decision.Reason = domain.JudgeReasonScoreRegressed
			if replacement, ok := nextUnselected(pool, selected); ok {
				decision.Kept = replacement.Ticker
				selected[replacement.Ticker] = true
				final = replacement
			}
		}

		if decision.Verdict == domain.VerdictKeep {
			keeps++
			if len(final.CounterEvidence) == 0 {
				decision.Reason = domain.JudgeReasonEvidenceMissing
				review.Publishable = false
			}
		} else if len(final.CounterEvidence) == 0 {
			review.Publishable = false
		}

		final.Rank = slot + 1
		review.Decisions = append(review.Decisions, decision)
		review.Top3 = append(review.Top3, final)
	}

	if len(review.Decisions) > 0 {
		review.StabilityScore = float64(keeps) / float64(len(review.Decisions))
	}
	return review
}

func samePickPosition(prev, cur domain.Pick) bool {
	return prev.Rank == cur.Rank && prev.Conviction == cur.Conviction
}

// regressionPct is the percentage the conviction fell by, zero when it did
// not fall.
func regressionPct(prev, cur float64) float64 {
	if cur >= prev || prev <= 0 {
		return 0
	}
	return (prev - cur) / prev * 100
}

// nextUnselected returns the highest-conviction pool entry outside the
// selected set, ties broken by corroboration then ticker for determinism.
func nextUnselected(pool domain.Pool, selected map[string]bool) (domain.Pick, bool) {
	var candidates []domain.PoolEntry
	for ticker, entry := range pool.Entries {
		if selected[ticker] {
			continue
		}
		candidates = append(candidates, entry)
	}
	if len(candidates) == 0 {
		return domain.Pick{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Pick.Conviction != b.Pick.Conviction {
			return a.Pick.Conviction > b.Pick.Conviction
		}
		if a.Corroboration() != b.Corroboration() {
			return a.Corroboration() > b.Corroboration()
		}
		return a.Pick.Ticker < b.Pick.Ticker
	})
	return candidates[0].Pick, true
}
