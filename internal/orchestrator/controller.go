package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
	"github.com/bingoto-dev/AI-Equity-Research/internal/roster"
)

// RunStore persists run records and per-loop state.
type RunStore interface {
	CreateRun(ctx context.Context, run domain.Run) error
	FinishRun(ctx context.Context, run domain.Run) error
	SaveLoopState(ctx context.Context, state domain.LoopState) error
}

// Sink receives loop snapshots and the final result for external consumers.
type Sink interface {
	WriteLoop(state domain.LoopState) error
	WriteFinal(run domain.Run, consensus []domain.ConsensusScore, decisions []domain.JudgeDecision) error
}

// Publisher emits run lifecycle events.
type Publisher interface {
	Publish(event domain.Event) error
}

// Controller drives a full research run: layer fan-out, synthesis, the judge
// gate, consensus scoring, and convergence evaluation, looping until a
// terminal verdict. Control logic is single-threaded; concurrency lives
// inside the executor.
type Controller struct {
	executor   *Executor
	judge      Judge
	aggregator Aggregator
	evaluator  Evaluator
	roster     roster.Roster
	store      RunStore
	sink       Sink
	bus        Publisher
	logger     *log.Logger
}

type ControllerDeps struct {
	Executor   *Executor
	Judge      Judge
	Aggregator Aggregator
	Evaluator  Evaluator
	Roster     roster.Roster
	Store      RunStore
	Sink       Sink
	Bus        Publisher
	Logger     *log.Logger
}

func NewController(deps ControllerDeps) (*Controller, error) {
	if deps.Executor == nil {
		return nil, fmt.Errorf("controller: executor is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("controller: store is required")
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	return &Controller{
		executor:   deps.Executor,
		judge:      deps.Judge,
		aggregator: deps.Aggregator,
		evaluator:  deps.Evaluator,
		roster:     deps.Roster,
		store:      deps.Store,
		sink:       deps.Sink,
		bus:        deps.Bus,
		logger:     deps.Logger,
	}, nil
}

// Run executes one research run to termination and returns the final record.
func (c *Controller) Run(ctx context.Context) (domain.Run, error) {
	run := domain.Run{
		ID:        uuid.NewString(),
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}
	c.logger.Printf("controller: run started id=%s", run.ID)

	machine := NewMachine()
	record := &ConvergenceRecord{}
	var previousTop3 []domain.Pick
	var finalConsensus []domain.ConsensusScore
	var finalDecisions []domain.JudgeDecision
	loop := 0

	for {
		loop++
		if err := machine.To(StateLayer1); err != nil {
			return c.abort(ctx, machine, run, loop, err)
		}

		layer1, err := c.executor.RunLayer(ctx, run.ID, loop, domain.TaskKindLayer1Research,
			c.roster.Layer(1), nil, previousTop3)
		if err != nil {
			return c.abort(ctx, machine, run, loop, err)
		}

		if err := machine.To(StateLayer2); err != nil {
			return c.abort(ctx, machine, run, loop, err)
		}
		layer2, err := c.executor.RunLayer(ctx, run.ID, loop, domain.TaskKindLayer2Research,
			c.roster.Layer(2), poolTickersByConviction(layer1.Pool), previousTop3)
		if err != nil {
			return c.abort(ctx, machine, run, loop, err)
		}

		if err := machine.To(StateSynthesizing); err != nil {
			return c.abort(ctx, machine, run, loop, err)
		}
		proposed, synthDegraded, err := c.synthesize(ctx, run.ID, loop, layer2, previousTop3)
		if err != nil {
			return c.abort(ctx, machine, run, loop, err)
		}

		if err := machine.To(StateJudging); err != nil {
			return c.abort(ctx, machine, run, loop, err)
		}
		commentary := c.collectCommentary(ctx, run.ID, loop, previousTop3, proposed)
		attachCounterEvidence(proposed, commentary)
		review := c.judge.Evaluate(previousTop3, proposed, layer2.Pool)
		attachRationales(review.Decisions, commentary)

		if err := machine.To(StateScoring); err != nil {
			return c.abort(ctx, machine, run, loop, err)
		}
		consensus, scoringDegraded, err := c.scoreTop3(ctx, run.ID, loop, review.Top3)
		if err != nil {
			return c.abort(ctx, machine, run, loop, err)
		}

		if err := machine.To(StateEvaluating); err != nil {
			return c.abort(ctx, machine, run, loop, err)
		}

		state := domain.LoopState{
			RunID:          run.ID,
			Loop:           loop,
			Proposed:       proposed,
			Top3:           review.Top3,
			PreviousTop3:   previousTop3,
			Deltas:         convictionDeltas(previousTop3, review.Top3),
			Decisions:      review.Decisions,
			Consensus:      consensus,
			StabilityScore: review.StabilityScore,
			Degraded:       layer1.Pool.Degraded || layer2.Pool.Degraded || synthDegraded || scoringDegraded,
			MissingAgents:  mergeMissing(layer1.Pool.MissingAgents, layer2.Pool.MissingAgents),
			Publishable:    review.Publishable,
			CreatedAt:      time.Now().UTC(),
		}
		record.Append(state)
		state.Verdict = c.evaluator.Evaluate(record)

		if err := c.store.SaveLoopState(ctx, state); err != nil {
			return c.abort(ctx, machine, run, loop, fmt.Errorf("persist loop state: %w", err))
		}
		c.emitLoopCompleted(state)
		if c.sink != nil {
			if err := c.sink.WriteLoop(state); err != nil {
				c.logger.Printf("controller: write loop snapshot run=%s loop=%d err=%v", run.ID, loop, err)
			}
		}
		c.logger.Printf("controller: loop completed run=%s loop=%d top3=%v verdict=%s degraded=%t",
			run.ID, loop, tickers(review.Top3), state.Verdict.Reason, state.Degraded)

		previousTop3 = review.Top3
		run.Publishable = review.Publishable
		run.Loops = loop
		run.FinalTop3 = review.Top3
		finalConsensus = consensus
		finalDecisions = review.Decisions

		switch {
		case state.Verdict.Converged:
			return c.finish(ctx, machine, run, domain.RunStatusConverged, string(state.Verdict.Reason),
				finalConsensus, finalDecisions)
		case state.Verdict.Reason == domain.ConvergenceCeiling:
			return c.finish(ctx, machine, run, domain.RunStatusCeiling, string(state.Verdict.Reason),
				finalConsensus, finalDecisions)
		}
	}
}

// synthesize asks the fund manager to shape the layer-2 pool into a Top-3.
// Without a usable fund manager the pool's strongest entries stand in, and
// the loop is flagged degraded.
func (c *Controller) synthesize(
	ctx context.Context,
	runID string,
	loop int,
	layer2 LayerResult,
	previousTop3 []domain.Pick,
) ([]domain.Pick, bool, error) {
	fm, ok := c.roster.ByRole(roster.RoleFundManager)
	if ok {
		payload, err := json.Marshal(domain.ResearchRequest{
			RunID:        runID,
			Loop:         loop,
			AgentID:      fm.ID,
			Candidates:   poolTickersByConviction(layer2.Pool),
			PreviousTop3: previousTop3,
		})
		if err != nil {
			return nil, false, fmt.Errorf("marshal synthesis request: %w", err)
		}
		var out domain.AnalystOutput
		validate := func(raw json.RawMessage) error {
			out = domain.AnalystOutput{}
			if err := json.Unmarshal(raw, &out); err != nil {
				return fmt.Errorf("decode synthesis output: %w", err)
			}
			out.AgentID = fm.ID
			out.Loop = loop
			if err := domain.ValidateAnalystOutput(out); err != nil {
				return err
			}
			if len(out.Picks) < 3 {
				return fmt.Errorf("synthesis returned %d picks, need 3", len(out.Picks))
			}
			return nil
		}
		_, err = c.executor.Invoke(ctx, fm.ID, domain.TaskKindFundManager, payload, validate)
		if err == nil {
			picks := out.Picks
			sort.Slice(picks, func(i, j int) bool { return picks[i].Rank < picks[j].Rank })
			top3 := make([]domain.Pick, 3)
			copy(top3, picks[:3])
			scale := fm.ConvictionScale
			if scale <= 0 {
				scale = 100
			}
			for i := range top3 {
				top3[i].Conviction = normalizeConviction(top3[i].Conviction, scale)
				top3[i].Rank = i + 1
			}
			return top3, false, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		c.logger.Printf("controller: synthesis fell back to pool ranking run=%s loop=%d err=%v", runID, loop, err)
	}

	top3 := topPoolPicks(layer2.Pool, 3)
	if len(top3) < 3 {
		return nil, false, fmt.Errorf("pool too small to synthesize a top-3: %d candidates", len(top3))
	}
	return top3, ok, nil
}

// collectCommentary gathers the CEO's rationale and the red team's
// disconfirming notes. Both reviewers are best-effort: losing one never
// fails the loop.
func (c *Controller) collectCommentary(
	ctx context.Context,
	runID string,
	loop int,
	previous, proposed []domain.Pick,
) domain.JudgeCommentary {
	merged := domain.JudgeCommentary{
		Rationales:      map[string]string{},
		CounterEvidence: map[string][]string{},
	}
	reviewers := []struct {
		role string
		kind domain.TaskKind
	}{
		{roster.RoleCEO, domain.TaskKindCEOReview},
		{roster.RoleRedTeam, domain.TaskKindJudgeReview},
	}
	for _, reviewer := range reviewers {
		a, ok := c.roster.ByRole(reviewer.role)
		if !ok {
			continue
		}
		payload, err := json.Marshal(domain.JudgeRequest{
			RunID:    runID,
			Loop:     loop,
			Previous: previous,
			Proposed: proposed,
		})
		if err != nil {
			c.logger.Printf("controller: marshal review request role=%s err=%v", reviewer.role, err)
			continue
		}
		var commentary domain.JudgeCommentary
		validate := func(raw json.RawMessage) error {
			commentary = domain.JudgeCommentary{}
			if err := json.Unmarshal(raw, &commentary); err != nil {
				return fmt.Errorf("decode review commentary: %w", err)
			}
			return nil
		}
		if _, err := c.executor.Invoke(ctx, a.ID, reviewer.kind, payload, validate); err != nil {
			if ctx.Err() != nil {
				return merged
			}
			c.logger.Printf("controller: reviewer unavailable run=%s loop=%d role=%s err=%v", runID, loop, reviewer.role, err)
			continue
		}
		for ticker, rationale := range commentary.Rationales {
			merged.Rationales[ticker] = rationale
		}
		for ticker, notes := range commentary.CounterEvidence {
			merged.CounterEvidence[ticker] = append(merged.CounterEvidence[ticker], notes...)
		}
	}
	return merged
}

// scoreTop3 fans the scorer roster out over the retained picks. An excluded
// or dead-lettered scorer reduces the sample instead of failing the loop.
func (c *Controller) scoreTop3(
	ctx context.Context,
	runID string,
	loop int,
	top3 []domain.Pick,
) ([]domain.ConsensusScore, bool, error) {
	scorers := c.roster.Scorers()
	if len(scorers) == 0 {
		return nil, false, nil
	}

	type tickerRecords struct {
		ticker  string
		records []domain.ScoreRecord
		reduced bool
	}
	results := make(chan tickerRecords, len(top3))
	var wg sync.WaitGroup
	for _, pick := range top3 {
		wg.Add(1)
		go func(pick domain.Pick) {
			defer wg.Done()
			res := tickerRecords{ticker: pick.Ticker}
			for _, scorer := range scorers {
				rec, err := c.scoreOne(ctx, runID, loop, scorer, pick)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					c.logger.Printf("controller: scorer excluded run=%s loop=%d scorer=%s ticker=%s err=%v",
						runID, loop, scorer.ID, pick.Ticker, err)
					res.reduced = true
					continue
				}
				res.records = append(res.records, rec)
			}
			results <- res
		}(pick)
	}
	wg.Wait()
	close(results)
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	byTicker := make(map[string]tickerRecords, len(top3))
	degraded := false
	for res := range results {
		byTicker[res.ticker] = res
		if res.reduced {
			degraded = true
		}
	}

	var consensus []domain.ConsensusScore
	for _, pick := range top3 {
		res := byTicker[pick.Ticker]
		if len(res.records) == 0 {
			degraded = true
			continue
		}
		score, err := c.aggregator.Aggregate(pick.Ticker, res.records)
		if err != nil {
			return nil, false, fmt.Errorf("consensus for %s: %w", pick.Ticker, err)
		}
		consensus = append(consensus, score)
	}
	return consensus, degraded, nil
}

func (c *Controller) scoreOne(
	ctx context.Context,
	runID string,
	loop int,
	scorer roster.Agent,
	pick domain.Pick,
) (domain.ScoreRecord, error) {
	payload, err := json.Marshal(domain.ScoreRequest{
		RunID:   runID,
		Loop:    loop,
		AgentID: scorer.ID,
		Ticker:  pick.Ticker,
		Thesis:  pick.Thesis,
	})
	if err != nil {
		return domain.ScoreRecord{}, fmt.Errorf("marshal score request: %w", err)
	}
	var rec domain.ScoreRecord
	validate := func(raw json.RawMessage) error {
		rec = domain.ScoreRecord{}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode score record: %w", err)
		}
		rec.Ticker = pick.Ticker
		rec.AgentID = scorer.ID
		return domain.ValidateScoreRecord(rec)
	}
	if _, err := c.executor.Invoke(ctx, scorer.ID, domain.TaskKindScore, payload, validate); err != nil {
		return domain.ScoreRecord{}, err
	}
	return rec, nil
}

func (c *Controller) finish(
	ctx context.Context,
	machine *Machine,
	run domain.Run,
	status domain.RunStatus,
	reason string,
	consensus []domain.ConsensusScore,
	decisions []domain.JudgeDecision,
) (domain.Run, error) {
	if err := machine.To(StateTerminated); err != nil {
		c.logger.Printf("controller: terminate transition run=%s err=%v", run.ID, err)
	}
	now := time.Now().UTC()
	run.Status = status
	run.Reason = reason
	run.CompletedAt = &now
	if err := c.store.FinishRun(ctx, run); err != nil {
		return run, fmt.Errorf("finish run: %w", err)
	}
	if c.sink != nil {
		if err := c.sink.WriteFinal(run, consensus, decisions); err != nil {
			c.logger.Printf("controller: write final snapshot run=%s err=%v", run.ID, err)
		}
	}
	c.emitTerminated(run)
	c.logger.Printf("controller: run terminated id=%s status=%s reason=%s loops=%d publishable=%t",
		run.ID, run.Status, run.Reason, run.Loops, run.Publishable)
	return run, nil
}

func (c *Controller) abort(ctx context.Context, machine *Machine, run domain.Run, loop int, cause error) (domain.Run, error) {
	if err := machine.To(StateTerminated); err != nil {
		c.logger.Printf("controller: terminate transition run=%s err=%v", run.ID, err)
	}
	now := time.Now().UTC()
	run.Status = domain.RunStatusAborted
	run.Reason = cause.Error()
	run.Loops = loop
	run.Publishable = false
	run.CompletedAt = &now
	release := context.WithoutCancel(ctx)
	if err := c.store.FinishRun(release, run); err != nil {
		c.logger.Printf("controller: persist aborted run=%s err=%v", run.ID, err)
	}
	c.emitTerminated(run)
	c.logger.Printf("controller: run aborted id=%s loop=%d err=%v", run.ID, loop, cause)
	return run, cause
}

func (c *Controller) emitLoopCompleted(state domain.LoopState) {
	if c.bus == nil {
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		c.logger.Printf("controller: encode loop event run=%s err=%v", state.RunID, err)
		return
	}
	if err := c.bus.Publish(domain.Event{
		Topic:   domain.TopicLoopCompleted,
		RunID:   state.RunID,
		Loop:    state.Loop,
		Payload: raw,
	}); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Printf("controller: publish loop event run=%s err=%v", state.RunID, err)
	}
}

func (c *Controller) emitTerminated(run domain.Run) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(domain.Event{
		Topic:  domain.TopicRunTerminated,
		RunID:  run.ID,
		Loop:   run.Loops,
		Reason: run.Reason,
	}); err != nil {
		c.logger.Printf("controller: publish terminated event run=%s err=%v", run.ID, err)
	}
}

func attachCounterEvidence(picks []domain.Pick, commentary domain.JudgeCommentary) {
	for i := range picks {
		if notes := commentary.CounterEvidence[picks[i].Ticker]; len(notes) > 0 {
			picks[i].CounterEvidence = append(picks[i].CounterEvidence, notes...)
		}
	}
}

func attachRationales(decisions []domain.JudgeDecision, commentary domain.JudgeCommentary) {
	for i := range decisions {
		ticker := decisions[i].Kept
		if ticker == "" {
			ticker = decisions[i].Removed
		}
		if rationale, ok := commentary.Rationales[ticker]; ok {
			decisions[i].Rationale = rationale
		}
	}
}

// poolTickersByConviction orders the pool for the next layer: conviction
// first, corroboration second, ticker last for determinism.
func poolTickersByConviction(pool domain.Pool) []string {
	picks := topPoolPicks(pool, len(pool.Entries))
	out := make([]string, len(picks))
	for i, p := range picks {
		out[i] = p.Ticker
	}
	return out
}

func topPoolPicks(pool domain.Pool, n int) []domain.Pick {
	selected := make(map[string]bool)
	var out []domain.Pick
	for len(out) < n {
		pick, ok := nextUnselected(pool, selected)
		if !ok {
			break
		}
		selected[pick.Ticker] = true
		pick.Rank = len(out) + 1
		out = append(out, pick)
	}
	return out
}

func convictionDeltas(previous, current []domain.Pick) map[string]float64 {
	if len(previous) == 0 {
		return nil
	}
	prevByTicker := make(map[string]domain.Pick, len(previous))
	for _, p := range previous {
		prevByTicker[p.Ticker] = p
	}
	deltas := make(map[string]float64)
	for _, cur := range current {
		if prev, ok := prevByTicker[cur.Ticker]; ok {
			deltas[cur.Ticker] = cur.Conviction - prev.Conviction
		}
	}
	return deltas
}

func mergeMissing(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}
