package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/bingoto-dev/AI-Equity-Research/internal/agent"
	"github.com/bingoto-dev/AI-Equity-Research/internal/config"
	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
	"github.com/bingoto-dev/AI-Equity-Research/internal/messaging/inproc"
	"github.com/bingoto-dev/AI-Equity-Research/internal/orchestrator"
	"github.com/bingoto-dev/AI-Equity-Research/internal/queue"
	"github.com/bingoto-dev/AI-Equity-Research/internal/roster"
	"github.com/bingoto-dev/AI-Equity-Research/internal/sink"
	sqlitestore "github.com/bingoto-dev/AI-Equity-Research/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to research.toml")
	dbFlag := flag.String("db", "", "sqlite database path override")
	rosterFlag := flag.String("roster", "", "roster yaml path override")
	outFlag := flag.String("out", "", "output directory override")
	scenarioFlag := flag.String("scenario", "", "path to a scripted scenario yaml (deterministic replay)")
	demo := flag.Bool("demo", false, "run the built-in demo scenario")
	flag.Parse()

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	} else {
		cfg = config.Config{}.WithDefaults()
	}

	dbPath := filepath.Clean(firstNonEmpty(*dbFlag, cfg.DBPath))
	outputDir := filepath.Clean(firstNonEmpty(*outFlag, cfg.OutputDir))
	rosterPath := firstNonEmpty(*rosterFlag, cfg.RosterPath)

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create db directory: %v", err)
		}
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	var ros roster.Roster
	switch {
	case rosterPath != "":
		ros, err = roster.Load(rosterPath)
		if err != nil {
			log.Fatalf("load roster: %v", err)
		}
	case *demo:
		ros = demoRoster()
	default:
		log.Fatalf("a roster is required: pass -roster, set roster_path, or use -demo")
	}

	proxy := agent.NewScriptedProxy()
	switch {
	case *scenarioFlag != "":
		if err := loadScenario(proxy, *scenarioFlag); err != nil {
			log.Fatalf("load scenario: %v", err)
		}
	case *demo:
		scriptDemo(proxy)
	default:
		log.Fatalf("no agent backend wired: pass -scenario or use -demo")
	}

	bus := inproc.NewBus(256)
	defer bus.Close()

	q := queue.New(store, queue.Options{
		MaxRetries: cfg.Queue.MaxRetries,
		Backoff:    queue.ExponentialBackoff(cfg.Queue.BackoffBase(), cfg.Queue.BackoffMax()),
		Bus:        bus,
		Logger:     log.Default(),
	})
	executor := orchestrator.NewExecutor(q, proxy, ros, cfg.Loop.PerCallTimeout(), log.Default())
	aggregator, err := orchestrator.NewAggregator(cfg.Scoring.Weights, cfg.Scoring.MinSample,
		orchestrator.LinearBand(cfg.Scoring.BandSlope))
	if err != nil {
		log.Fatalf("configure score aggregator: %v", err)
	}
	writer, err := sink.NewWriter(outputDir)
	if err != nil {
		log.Fatalf("create output sink: %v", err)
	}

	ctrl, err := orchestrator.NewController(orchestrator.ControllerDeps{
		Executor: executor,
		Judge:    orchestrator.NewJudge(cfg.Loop.JudgeRegressionPct),
		Evaluator: orchestrator.NewEvaluator(orchestrator.EvaluatorConfig{
			MaxLoops:          cfg.Loop.MaxLoops,
			PerfectMatchLoops: cfg.Loop.PerfectMatchLoops,
			SetStabilityLoops: cfg.Loop.SetStabilityLoops,
			ScoreThresholdPct: cfg.Loop.ScoreThresholdPct,
		}),
		Aggregator: aggregator,
		Roster:     ros,
		Store:      store,
		Sink:       writer,
		Bus:        bus,
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("build controller: %v", err)
	}

	run, err := ctrl.Run(ctx)
	if err != nil {
		log.Fatalf("run failed: status=%s reason=%s err=%v", run.Status, run.Reason, err)
	}

	fmt.Printf("run %s: %s (%s) after %d loops, publishable=%t\n",
		run.ID, run.Status, run.Reason, run.Loops, run.Publishable)
	for _, pick := range run.FinalTop3 {
		fmt.Printf("  %d. %-6s conviction=%.1f\n", pick.Rank, pick.Ticker, pick.Conviction)
	}
	fmt.Printf("snapshots written under %s\n", filepath.Join(outputDir, run.ID))
}

// scenarioFile is the deterministic replay format: canned responses per
// agent and task kind, consumed in order.
type scenarioFile struct {
	Scripts []struct {
		Agent     string            `yaml:"agent"`
		Kind      string            `yaml:"kind"`
		Responses []map[string]any  `yaml:"responses"`
		Errors    []scenarioFailure `yaml:"errors"`
	} `yaml:"scripts"`
}

type scenarioFailure struct {
	Kind    string `yaml:"kind"`
	Message string `yaml:"message"`
}

func loadScenario(proxy *agent.ScriptedProxy, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scenario %s: %w", path, err)
	}
	var file scenarioFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode scenario: %w", err)
	}
	if len(file.Scripts) == 0 {
		return fmt.Errorf("scenario %s has no scripts", path)
	}
	for _, script := range file.Scripts {
		kind := domain.TaskKind(script.Kind)
		for _, failure := range script.Errors {
			proxy.Script(script.Agent, kind, agent.Step{
				Err: agent.NewError(agent.FailureKind(failure.Kind), script.Agent,
					fmt.Errorf("%s", failure.Message)),
			})
		}
		for _, response := range script.Responses {
			raw, err := json.Marshal(response)
			if err != nil {
				return fmt.Errorf("encode scenario response for %s/%s: %w", script.Agent, script.Kind, err)
			}
			proxy.Script(script.Agent, kind, agent.Step{Response: raw})
		}
	}
	return nil
}

func demoRoster() roster.Roster {
	r := roster.Roster{Agents: []roster.Agent{
		{ID: "value_hunter", Name: "Value Hunter", Layer: 1, Calibration: 1.2},
		{ID: "growth_scout", Name: "Growth Scout", Layer: 1},
		{ID: "contrarian", Name: "Contrarian", Layer: 1},
		{ID: "deep_diver", Name: "Deep Diver", Layer: 2, Calibration: 1.5},
		{ID: "forensic", Name: "Forensic Analyst", Layer: 2},
		{ID: "fund_manager", Name: "Fund Manager", Role: roster.RoleFundManager},
		{ID: "red_team", Name: "Red Team", Role: roster.RoleRedTeam},
		{ID: "scorer_fundamental", Name: "Fundamental Scorer", Role: "fundamental"},
		{ID: "scorer_macro", Name: "Macro Scorer", Role: "macro"},
		{ID: "scorer_risk", Name: "Risk Scorer", Role: "risk"},
		{ID: "scorer_technical", Name: "Technical Scorer", Role: "technical"},
	}}
	return r.Normalized()
}

// scriptDemo wires a small deterministic market: layer agents keep proposing
// the same names, so the run converges by perfect match on loop 2.
func scriptDemo(proxy *agent.ScriptedProxy) {
	research := func(agentID string, kind domain.TaskKind, picks ...domain.Pick) {
		out := domain.AnalystOutput{AgentID: agentID, Picks: picks}
		raw, err := json.Marshal(out)
		if err != nil {
			log.Fatalf("encode demo output: %v", err)
		}
		proxy.Script(agentID, kind, agent.Step{Response: raw})
	}
	pick := func(ticker string, rank int, conviction float64, thesis string) domain.Pick {
		return domain.Pick{Ticker: ticker, Rank: rank, Conviction: conviction, Thesis: thesis}
	}

	research("value_hunter", domain.TaskKindLayer1Research,
		pick("NVO", 1, 88, "GLP-1 franchise priced for decline"),
		pick("ASML", 2, 82, "monopoly on EUV"),
		pick("PBR", 3, 74, "dividend yield covers political risk"),
		pick("INTC", 4, 55, "foundry turnaround optionality"),
	)
	research("growth_scout", domain.TaskKindLayer1Research,
		pick("ASML", 1, 90, "order book reacceleration"),
		pick("NVO", 2, 80, "oral semaglutide ramp"),
		pick("SE", 3, 65, "take-rate expansion"),
	)
	research("contrarian", domain.TaskKindLayer1Research,
		pick("PBR", 1, 78, "consensus maximum bearish"),
		pick("INTC", 2, 70, "18A inflection ignored"),
		pick("BABA", 3, 60, "capital return pivot"),
	)
	research("deep_diver", domain.TaskKindLayer2Research,
		pick("ASML", 1, 91, "backlog verified against fab schedules"),
		pick("NVO", 2, 86, "supply constraints clearing H2"),
		pick("PBR", 3, 75, "fx-adjusted payout sustainable"),
		pick("INTC", 4, 58, "execution risk remains"),
	)
	research("forensic", domain.TaskKindLayer2Research,
		pick("NVO", 1, 87, "accruals clean, guidance conservative"),
		pick("ASML", 2, 85, "deferred revenue quality high"),
		pick("PBR", 3, 72, "lifting costs stable"),
	)
	research("fund_manager", domain.TaskKindFundManager,
		pick("ASML", 1, 91, "highest corroboration, cleanest setup"),
		pick("NVO", 2, 87, "durable growth at reasonable multiple"),
		pick("PBR", 3, 74, "income sleeve with upside"),
	)

	commentary := domain.JudgeCommentary{
		CounterEvidence: map[string][]string{
			"ASML": {"china export controls could clip 15% of revenue"},
			"NVO":  {"compounding pharmacies undercut pricing"},
			"PBR":  {"election cycle may redirect capex"},
		},
	}
	raw, err := json.Marshal(commentary)
	if err != nil {
		log.Fatalf("encode demo commentary: %v", err)
	}
	proxy.Script("red_team", domain.TaskKindJudgeReview, agent.Step{Response: raw})

	for scorer, base := range map[string]int{
		"scorer_fundamental": 4,
		"scorer_macro":       4,
		"scorer_risk":        3,
		"scorer_technical":   4,
	} {
		scores := make(map[string]int, len(domain.RubricDimensions))
		for _, dim := range domain.RubricDimensions {
			scores[dim] = base
		}
		raw, err := json.Marshal(domain.ScoreRecord{Scores: scores})
		if err != nil {
			log.Fatalf("encode demo scores: %v", err)
		}
		proxy.Script(scorer, domain.TaskKindScore, agent.Step{Response: raw})
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
