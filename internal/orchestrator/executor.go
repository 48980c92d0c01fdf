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

	"github.com/bingoto-dev/AI-Equity-Research/internal/agent"
	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
	"github.com/bingoto-dev/AI-Equity-Research/internal/roster"
)

var (
	// ErrLayerUnavailable reports that every agent in a layer failed.
	ErrLayerUnavailable = errors.New("layer unavailable")
	// ErrAgentExcluded reports that an agent's vote was dropped for the loop
	// after a corrective re-ask also produced an invalid response.
	ErrAgentExcluded = errors.New("agent excluded for loop")
)

// TaskQueue is the queue surface the executor drives task lifecycles through.
type TaskQueue interface {
	Enqueue(ctx context.Context, kind domain.TaskKind, payload json.RawMessage) (domain.Task, error)
	Claim(ctx context.Context, task domain.Task, owner string) (domain.Task, error)
	Complete(ctx context.Context, task domain.Task, owner string, result json.RawMessage) (domain.Task, error)
	Fail(ctx context.Context, task domain.Task, owner, reason string) (domain.Task, error)
	DeadLetter(ctx context.Context, task domain.Task, owner, reason string) (domain.Task, error)
}

// Executor fans one layer's agents out concurrently and folds their outputs
// into a candidate pool. Every agent interaction is a full task lifecycle:
// enqueue, claim, invoke, complete or fail.
type Executor struct {
	queue   TaskQueue
	proxy   agent.Proxy
	roster  roster.Roster
	timeout time.Duration
	logger  *log.Logger
}

func NewExecutor(q TaskQueue, proxy agent.Proxy, ros roster.Roster, perCallTimeout time.Duration, logger *log.Logger) *Executor {
	if perCallTimeout <= 0 {
		perCallTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{queue: q, proxy: proxy, roster: ros, timeout: perCallTimeout, logger: logger}
}

// LayerResult is the fan-in of one layer run.
type LayerResult struct {
	Pool    domain.Pool
	Outputs []domain.AnalystOutput
}

// RunLayer executes every agent of the layer concurrently and merges the
// surviving outputs. A minority of failed agents degrades the pool; losing
// the whole layer returns ErrLayerUnavailable.
func (e *Executor) RunLayer(
	ctx context.Context,
	runID string,
	loop int,
	kind domain.TaskKind,
	agents []roster.Agent,
	candidates []string,
	previousTop3 []domain.Pick,
) (LayerResult, error) {
	if len(agents) == 0 {
		return LayerResult{}, fmt.Errorf("%w: no agents configured", ErrLayerUnavailable)
	}

	type agentResult struct {
		agentID string
		output  domain.AnalystOutput
		err     error
	}

	results := make(chan agentResult, len(agents))
	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a roster.Agent) {
			defer wg.Done()
			out, err := e.runResearchTask(ctx, runID, loop, kind, a, candidates, previousTop3)
			results <- agentResult{agentID: a.ID, output: out, err: err}
		}(a)
	}
	wg.Wait()
	close(results)

	var outputs []domain.AnalystOutput
	var missing []string
	for res := range results {
		if res.err != nil {
			if ctx.Err() != nil {
				return LayerResult{}, ctx.Err()
			}
			e.logger.Printf("executor: agent failed layer kind=%s agent=%s loop=%d err=%v", kind, res.agentID, loop, res.err)
			missing = append(missing, res.agentID)
			continue
		}
		outputs = append(outputs, res.output)
	}
	if len(outputs) == 0 {
		return LayerResult{}, fmt.Errorf("%w: all %d agents failed for kind %s", ErrLayerUnavailable, len(agents), kind)
	}

	pool := MergePool(outputs, e.roster.Calibration)
	pool.Degraded = len(missing) > 0
	sort.Strings(missing)
	pool.MissingAgents = missing
	return LayerResult{Pool: pool, Outputs: outputs}, nil
}

func (e *Executor) runResearchTask(
	ctx context.Context,
	runID string,
	loop int,
	kind domain.TaskKind,
	a roster.Agent,
	candidates []string,
	previousTop3 []domain.Pick,
) (domain.AnalystOutput, error) {
	payload, err := json.Marshal(domain.ResearchRequest{
		RunID:        runID,
		Loop:         loop,
		AgentID:      a.ID,
		Candidates:   candidates,
		PreviousTop3: previousTop3,
	})
	if err != nil {
		return domain.AnalystOutput{}, fmt.Errorf("marshal research request: %w", err)
	}

	var out domain.AnalystOutput
	validate := func(raw json.RawMessage) error {
		out = domain.AnalystOutput{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decode analyst output: %w", err)
		}
		out.AgentID = a.ID
		out.Loop = loop
		return domain.ValidateAnalystOutput(out)
	}
	if _, err := e.Invoke(ctx, a.ID, kind, payload, validate); err != nil {
		return domain.AnalystOutput{}, err
	}

	scale := a.ConvictionScale
	if scale <= 0 {
		scale = 100
	}
	for i := range out.Picks {
		out.Picks[i].Conviction = normalizeConviction(out.Picks[i].Conviction, scale)
	}
	return out, nil
}

// Invoke drives one complete task lifecycle for an agent call: transient
// failures retry through the queue's backoff schedule until dead-lettered, an
// invalid response gets exactly one corrective re-ask before the agent is
// excluded for the loop.
func (e *Executor) Invoke(
	ctx context.Context,
	agentID string,
	kind domain.TaskKind,
	payload json.RawMessage,
	validate func(json.RawMessage) error,
) (json.RawMessage, error) {
	task, err := e.queue.Enqueue(ctx, kind, payload)
	if err != nil {
		return nil, err
	}
	owner := agentID + "/" + uuid.NewString()

	for {
		claimed, err := e.queue.Claim(ctx, task, owner)
		if err != nil {
			return nil, fmt.Errorf("claim for agent %s: %w", agentID, err)
		}

		raw, invokeErr := e.ask(ctx, agentID, kind, claimed.Payload, validate)
		if invokeErr != nil && agent.Classify(invokeErr) == agent.FailureInvalidResponse && ctx.Err() == nil {
			// Corrective re-ask, same claim, no backoff.
			e.logger.Printf("executor: corrective re-ask agent=%s kind=%s task=%s", agentID, kind, task.ID)
			raw, invokeErr = e.ask(ctx, agentID, kind, claimed.Payload, validate)
		}

		if invokeErr == nil {
			if _, err := e.queue.Complete(ctx, claimed, owner, raw); err != nil {
				return nil, fmt.Errorf("complete task for agent %s: %w", agentID, err)
			}
			return raw, nil
		}

		if ctx.Err() != nil {
			// Abandon without further queue side effects beyond the
			// cancelled failure mark.
			release := context.WithoutCancel(ctx)
			if _, err := e.queue.Fail(release, claimed, owner, "cancelled"); err != nil {
				e.logger.Printf("executor: release cancelled claim task=%s err=%v", claimed.ID, err)
			}
			return nil, ctx.Err()
		}

		if agent.Classify(invokeErr) == agent.FailureInvalidResponse {
			// Retrying cannot repair a twice-invalid response; park the task
			// terminally so the queue never advertises it as claimable.
			if _, err := e.queue.DeadLetter(ctx, claimed, owner, "invalid response"); err != nil {
				return nil, fmt.Errorf("dead-letter invalid task for agent %s: %w", agentID, err)
			}
			return nil, fmt.Errorf("%w: agent %s kind %s: %v", ErrAgentExcluded, agentID, kind, invokeErr)
		}

		failed, err := e.queue.Fail(ctx, claimed, owner, invokeErr.Error())
		if err != nil {
			return nil, fmt.Errorf("fail task for agent %s: %w", agentID, err)
		}
		if failed.Status == domain.TaskStatusDeadLettered {
			return nil, fmt.Errorf("agent %s kind %s dead-lettered after %d attempts: %w",
				agentID, kind, failed.Attempts, invokeErr)
		}
		if err := sleepUntil(ctx, failed.NextAttemptAt); err != nil {
			return nil, err
		}
		task = failed
	}
}

func (e *Executor) ask(
	ctx context.Context,
	agentID string,
	kind domain.TaskKind,
	payload json.RawMessage,
	validate func(json.RawMessage) error,
) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	raw, err := e.proxy.Invoke(callCtx, agentID, kind, payload)
	if err != nil {
		return nil, err
	}
	if validate != nil {
		if err := validate(raw); err != nil {
			return nil, agent.NewError(agent.FailureInvalidResponse, agentID, err)
		}
	}
	return raw, nil
}

func sleepUntil(ctx context.Context, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MergePool deduplicates outputs by ticker. The highest conviction wins, ties
// broken by calibration weight then agent id, so merging in any permutation
// yields the same pool. Re-merging an agent's output is a no-op.
func MergePool(outputs []domain.AnalystOutput, calibration func(agentID string) float64) domain.Pool {
	if calibration == nil {
		calibration = func(string) float64 { return 1.0 }
	}
	entries := make(map[string]domain.PoolEntry)
	source := make(map[string]string)
	for _, out := range outputs {
		for _, pick := range out.Picks {
			entry, ok := entries[pick.Ticker]
			if !ok {
				entries[pick.Ticker] = domain.PoolEntry{Pick: pick, Agents: []string{out.AgentID}}
				source[pick.Ticker] = out.AgentID
				continue
			}
			if !containsString(entry.Agents, out.AgentID) {
				entry.Agents = append(entry.Agents, out.AgentID)
				sort.Strings(entry.Agents)
			}
			if pickWins(pick, out.AgentID, entry.Pick, source[pick.Ticker], calibration) {
				entry.Pick = pick
				source[pick.Ticker] = out.AgentID
			}
			entries[pick.Ticker] = entry
		}
	}
	return domain.Pool{Entries: entries}
}

func pickWins(candidate domain.Pick, candidateAgent string, incumbent domain.Pick, incumbentAgent string, calibration func(string) float64) bool {
	if candidate.Conviction != incumbent.Conviction {
		return candidate.Conviction > incumbent.Conviction
	}
	cw, iw := calibration(candidateAgent), calibration(incumbentAgent)
	if cw != iw {
		return cw > iw
	}
	return candidateAgent < incumbentAgent
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func normalizeConviction(v, scale float64) float64 {
	if v < 0 {
		return 0
	}
	n := v * 100 / scale
	if n > 100 {
		return 100
	}
	return n
}
