package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/bingoto-dev/AI-Equity-Research/internal/agent"
	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
	"github.com/bingoto-dev/AI-Equity-Research/internal/messaging/inproc"
	"github.com/bingoto-dev/AI-Equity-Research/internal/queue"
	"github.com/bingoto-dev/AI-Equity-Research/internal/roster"
	"github.com/bingoto-dev/AI-Equity-Research/internal/store/sqlite"
)

const controllerRoster = `
agents:
  - id: alpha
    layer: 1
  - id: beta
    layer: 1
  - id: deep
    layer: 2
  - id: fm
    role: fund_manager
  - id: redteam
    role: red_team
  - id: fundamental
    role: fundamental
  - id: macro
    role: macro
`

type fixture struct {
	store *sqlite.Store
	bus   *inproc.Bus
	proxy *agent.ScriptedProxy
}

func newFixture(t *testing.T, maxLoops int) (*Controller, *fixture) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "controller_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}

	bus := inproc.NewBus(64)
	t.Cleanup(bus.Close)
	proxy := agent.NewScriptedProxy()
	ros, err := roster.Parse([]byte(controllerRoster))
	if err != nil {
		t.Fatalf("parse roster: %v", err)
	}
	q := queue.New(store, queue.Options{
		MaxRetries: 2,
		Backoff:    func(int) time.Duration { return time.Millisecond },
		Bus:        bus,
	})
	aggregator, err := NewAggregator(nil, 2, nil)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	ctrl, err := NewController(ControllerDeps{
		Executor:   NewExecutor(q, proxy, ros, time.Second, nil),
		Judge:      NewJudge(10),
		Aggregator: aggregator,
		Evaluator:  NewEvaluator(EvaluatorConfig{MaxLoops: maxLoops}),
		Roster:     ros,
		Store:      store,
		Bus:        bus,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return ctrl, &fixture{store: store, bus: bus, proxy: proxy}
}

func scriptAnalyst(t *testing.T, p *agent.ScriptedProxy, agentID string, kind domain.TaskKind, entries ...[2]any) {
	t.Helper()
	if err := p.ScriptJSON(agentID, kind, domain.AnalystOutput{AgentID: agentID, Picks: picks(entries...)}); err != nil {
		t.Fatalf("script analyst %s: %v", agentID, err)
	}
}

func scriptScorer(t *testing.T, p *agent.ScriptedProxy, agentID string, value int) {
	t.Helper()
	scores := make(map[string]int, len(domain.RubricDimensions))
	for _, dim := range domain.RubricDimensions {
		scores[dim] = value
	}
	if err := p.ScriptJSON(agentID, domain.TaskKindScore, domain.ScoreRecord{Scores: scores}); err != nil {
		t.Fatalf("script scorer %s: %v", agentID, err)
	}
}

func scriptRedTeam(t *testing.T, p *agent.ScriptedProxy, tickers ...string) {
	t.Helper()
	notes := make(map[string][]string, len(tickers))
	for _, ticker := range tickers {
		notes[ticker] = []string{"bear case: " + ticker}
	}
	if err := p.ScriptJSON("redteam", domain.TaskKindJudgeReview, domain.JudgeCommentary{CounterEvidence: notes}); err != nil {
		t.Fatalf("script red team: %v", err)
	}
}

func scriptStableScenario(t *testing.T, p *agent.ScriptedProxy) {
	scriptAnalyst(t, p, "alpha", domain.TaskKindLayer1Research,
		[2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70}, [2]any{"DDD", 60})
	scriptAnalyst(t, p, "beta", domain.TaskKindLayer1Research,
		[2]any{"AAA", 85}, [2]any{"EEE", 60})
	scriptAnalyst(t, p, "deep", domain.TaskKindLayer2Research,
		[2]any{"AAA", 92}, [2]any{"BBB", 81}, [2]any{"CCC", 72}, [2]any{"DDD", 55})
	scriptAnalyst(t, p, "fm", domain.TaskKindFundManager,
		[2]any{"AAA", 92}, [2]any{"BBB", 81}, [2]any{"CCC", 72})
	scriptRedTeam(t, p, "AAA", "BBB", "CCC")
	scriptScorer(t, p, "fundamental", 4)
	scriptScorer(t, p, "macro", 4)
}

func TestRunConvergesByPerfectMatch(t *testing.T) {
	ctrl, fx := newFixture(t, 5)
	scriptStableScenario(t, fx.proxy)

	loopCh, cancelLoop, err := fx.bus.Subscribe(domain.TopicLoopCompleted)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelLoop()
	termCh, cancelTerm, err := fx.bus.Subscribe(domain.TopicRunTerminated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelTerm()

	run, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.RunStatusConverged {
		t.Fatalf("expected converged, got %s (%s)", run.Status, run.Reason)
	}
	if run.Reason != string(domain.ConvergencePerfectMatch) {
		t.Fatalf("expected perfect-match reason, got %s", run.Reason)
	}
	if run.Loops != 2 {
		t.Fatalf("expected convergence at loop 2, got %d", run.Loops)
	}
	if !run.Publishable {
		t.Fatal("expected publishable run with red-team evidence on every pick")
	}
	if len(run.FinalTop3) != 3 || run.FinalTop3[0].Ticker != "AAA" {
		t.Fatalf("unexpected final top3: %+v", run.FinalTop3)
	}

	states, err := fx.store.ListLoopStates(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("list loop states: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 loop states, got %d", len(states))
	}
	for i, state := range states {
		if state.Loop != i+1 {
			t.Fatalf("loop index must increment without gaps: %+v", states)
		}
		if state.Degraded {
			t.Fatalf("loop %d unexpectedly degraded: %v", state.Loop, state.MissingAgents)
		}
		if len(state.Consensus) != 3 {
			t.Fatalf("loop %d: expected 3 consensus scores, got %d", state.Loop, len(state.Consensus))
		}
		if state.Consensus[0].LowSample {
			t.Fatalf("loop %d: two scorers must not be low-sample", state.Loop)
		}
	}
	if states[1].StabilityScore != 1.0 {
		t.Fatalf("expected stability 1.0 on a repeated top3, got %v", states[1].StabilityScore)
	}

	if got := len(loopCh); got != 2 {
		t.Fatalf("expected 2 loop.completed events, got %d", got)
	}
	select {
	case ev := <-termCh:
		if ev.Reason != string(domain.ConvergencePerfectMatch) {
			t.Fatalf("unexpected termination event: %+v", ev)
		}
	default:
		t.Fatal("expected run.terminated event")
	}

	stored, err := fx.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != domain.RunStatusConverged || stored.CompletedAt == nil {
		t.Fatalf("unexpected stored run: %+v", stored)
	}
}

func TestMissingEvidenceMakesRunNotPublishable(t *testing.T) {
	ctrl, fx := newFixture(t, 5)
	scriptAnalyst(t, fx.proxy, "alpha", domain.TaskKindLayer1Research,
		[2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70})
	scriptAnalyst(t, fx.proxy, "beta", domain.TaskKindLayer1Research,
		[2]any{"AAA", 85})
	scriptAnalyst(t, fx.proxy, "deep", domain.TaskKindLayer2Research,
		[2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70})
	scriptAnalyst(t, fx.proxy, "fm", domain.TaskKindFundManager,
		[2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70})
	// The red team reports nothing: picks keep converging but carry no
	// disconfirming notes.
	fx.proxy.Script("redteam", domain.TaskKindJudgeReview,
		agent.Step{Response: json.RawMessage(`{}`)},
	)
	scriptScorer(t, fx.proxy, "fundamental", 4)
	scriptScorer(t, fx.proxy, "macro", 4)

	run, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.RunStatusConverged {
		t.Fatalf("expected converged, got %s (%s)", run.Status, run.Reason)
	}
	if run.Publishable {
		t.Fatal("expected not publishable without disconfirming evidence")
	}
}

func TestRunHitsCeilingAfterMaxLoops(t *testing.T) {
	ctrl, fx := newFixture(t, 3)
	scriptAnalyst(t, fx.proxy, "alpha", domain.TaskKindLayer1Research,
		[2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70})
	scriptAnalyst(t, fx.proxy, "beta", domain.TaskKindLayer1Research,
		[2]any{"DDD", 60})
	scriptAnalyst(t, fx.proxy, "deep", domain.TaskKindLayer2Research,
		[2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70})
	// A churning fund manager: disjoint top3 every loop, so no criterion
	// fires before the ceiling.
	for loop := 1; loop <= 3; loop++ {
		var entries []domain.Pick
		for slot := 1; slot <= 3; slot++ {
			entries = append(entries, domain.Pick{
				Ticker:     fmt.Sprintf("T%d%d", loop, slot),
				Rank:       slot,
				Conviction: float64(100 - 10*slot),
			})
		}
		if err := fx.proxy.ScriptJSON("fm", domain.TaskKindFundManager,
			domain.AnalystOutput{AgentID: "fm", Picks: entries}); err != nil {
			t.Fatalf("script fm loop %d: %v", loop, err)
		}
	}
	scriptScorer(t, fx.proxy, "fundamental", 3)
	scriptScorer(t, fx.proxy, "macro", 5)

	run, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.RunStatusCeiling {
		t.Fatalf("expected ceiling, got %s (%s)", run.Status, run.Reason)
	}
	if run.Loops != 3 {
		t.Fatalf("ceiling must fire exactly at max loops, got %d", run.Loops)
	}
}

func TestRunAbortsWhenLayerUnavailable(t *testing.T) {
	ctrl, fx := newFixture(t, 5)
	// No scripts at all: every layer-1 agent dead-letters.

	run, err := ctrl.Run(context.Background())
	if !errors.Is(err, ErrLayerUnavailable) {
		t.Fatalf("expected ErrLayerUnavailable, got %v", err)
	}
	if run.Status != domain.RunStatusAborted {
		t.Fatalf("expected aborted, got %s", run.Status)
	}
	if run.Publishable {
		t.Fatal("aborted runs are never publishable")
	}

	stored, err := fx.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != domain.RunStatusAborted || stored.Reason == "" {
		t.Fatalf("unexpected stored run: %+v", stored)
	}
}

func TestDegradedLoopReportsMissingAgents(t *testing.T) {
	ctrl, fx := newFixture(t, 5)
	// Everyone except beta cooperates: minority loss degrades the loop
	// instead of aborting it.
	scriptAnalyst(t, fx.proxy, "alpha", domain.TaskKindLayer1Research,
		[2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70})
	fx.proxy.Script("beta", domain.TaskKindLayer1Research,
		agent.Step{Err: agent.NewError(agent.FailureUnavailable, "beta", errors.New("down"))},
	)
	scriptAnalyst(t, fx.proxy, "deep", domain.TaskKindLayer2Research,
		[2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70})
	scriptAnalyst(t, fx.proxy, "fm", domain.TaskKindFundManager,
		[2]any{"AAA", 90}, [2]any{"BBB", 80}, [2]any{"CCC", 70})
	scriptRedTeam(t, fx.proxy, "AAA", "BBB", "CCC")
	scriptScorer(t, fx.proxy, "fundamental", 4)
	scriptScorer(t, fx.proxy, "macro", 4)

	run, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	states, err := fx.store.ListLoopStates(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("list loop states: %v", err)
	}
	if len(states) == 0 {
		t.Fatal("expected loop states")
	}
	first := states[0]
	if !first.Degraded {
		t.Fatal("expected degraded loop with a missing agent")
	}
	if len(first.MissingAgents) != 1 || first.MissingAgents[0] != "beta" {
		t.Fatalf("expected beta reported missing, got %v", first.MissingAgents)
	}
}
