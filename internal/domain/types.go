package domain

import (
	"encoding/json"
	"time"
)

type TaskKind string

const (
	TaskKindLayer1Research TaskKind = "layer1_research"
	TaskKindLayer2Research TaskKind = "layer2_research"
	TaskKindFundManager    TaskKind = "fund_manager"
	TaskKindCEOReview      TaskKind = "ceo_review"
	TaskKindJudgeReview    TaskKind = "judge_review"
	TaskKindScore          TaskKind = "score"
)

type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusClaimed      TaskStatus = "claimed"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
)

// Task is one unit of agent work tracked by the queue. Ownership transfer
// happens exclusively through a compare-and-swap on Version.
type Task struct {
	ID            string          `json:"id"`
	Kind          TaskKind        `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Owner         string          `json:"owner,omitempty"`
	Version       int64           `json:"version"`
	Status        TaskStatus      `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TaskEvent is one immutable row of the audit trail appended on every task
// transition. Replaying a run's events reproduces its queue history.
type TaskEvent struct {
	ID         int64      `json:"id"`
	TaskID     string     `json:"task_id"`
	FromStatus TaskStatus `json:"from_status"`
	ToStatus   TaskStatus `json:"to_status"`
	Owner      string     `json:"owner,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Pick is a single candidate result from one agent, immutable once returned.
// Conviction is normalized to 0-100 before any cross-agent comparison.
type Pick struct {
	Ticker          string   `json:"ticker"`
	CompanyName     string   `json:"company_name,omitempty"`
	Rank            int      `json:"rank"`
	Conviction      float64  `json:"conviction"`
	Thesis          string   `json:"thesis,omitempty"`
	CounterEvidence []string `json:"counter_evidence,omitempty"`
}

// AnalystOutput is the ordered pick list one agent produced for one loop.
type AnalystOutput struct {
	AgentID   string `json:"agent_id"`
	Loop      int    `json:"loop"`
	Picks     []Pick `json:"picks"`
	Reasoning string `json:"reasoning,omitempty"`
}

// PoolEntry is a deduplicated candidate. Agents records every contributor so
// re-merging the same output cannot inflate the corroboration count.
type PoolEntry struct {
	Pick   Pick     `json:"pick"`
	Agents []string `json:"agents"`
}

func (e PoolEntry) Corroboration() int { return len(e.Agents) }

// Pool is the deduplicated union of one layer's outputs, keyed by ticker.
type Pool struct {
	Entries       map[string]PoolEntry `json:"entries"`
	Degraded      bool                 `json:"degraded"`
	MissingAgents []string             `json:"missing_agents,omitempty"`
}

type JudgeVerdict string

const (
	VerdictKeep JudgeVerdict = "KEEP"
	VerdictSwap JudgeVerdict = "SWAP"
)

type JudgeReason string

const (
	JudgeReasonIdentical       JudgeReason = "identical"
	JudgeReasonRankHeld        JudgeReason = "rank-held"
	JudgeReasonScoreDominant   JudgeReason = "score-dominant"
	JudgeReasonScoreRegressed  JudgeReason = "score-regressed"
	JudgeReasonNewEntry        JudgeReason = "new-entry"
	JudgeReasonEvidenceMissing JudgeReason = "disconfirming-evidence-missing"
)

// JudgeDecision is the per-slot verdict of the keep/swap gate.
type JudgeDecision struct {
	Slot      int          `json:"slot"`
	Verdict   JudgeVerdict `json:"verdict"`
	Kept      string       `json:"kept,omitempty"`
	Removed   string       `json:"removed,omitempty"`
	Reason    JudgeReason  `json:"reason"`
	Rationale string       `json:"rationale,omitempty"`
}

// JudgeCommentary is the structured response of review agents: per-ticker
// rationale text and disconfirming notes to attach to retained picks.
type JudgeCommentary struct {
	Rationales      map[string]string   `json:"rationales,omitempty"`
	CounterEvidence map[string][]string `json:"counter_evidence,omitempty"`
}

// RubricDimensions lists the seven scored dimensions in canonical order.
var RubricDimensions = []string{
	"conviction",
	"differentiation",
	"magnitude",
	"timing",
	"reversibility",
	"risk_awareness",
	"evidence_quality",
}

// ScoreRecord holds one agent's rubric scores (integer 1-5) for one candidate.
type ScoreRecord struct {
	Ticker  string         `json:"ticker"`
	AgentID string         `json:"agent_id"`
	Scores  map[string]int `json:"scores"`
}

// ConsensusScore aggregates the ScoreRecords of one candidate.
type ConsensusScore struct {
	Ticker         string             `json:"ticker"`
	DimensionMeans map[string]float64 `json:"dimension_means"`
	Aggregate      float64            `json:"aggregate"`
	Variance       float64            `json:"variance"`
	Band           float64            `json:"band"`
	SampleSize     int                `json:"sample_size"`
	LowSample      bool               `json:"low_sample"`
}

type ConvergenceReason string

const (
	ConvergenceContinue       ConvergenceReason = "continue"
	ConvergencePerfectMatch   ConvergenceReason = "perfect-match"
	ConvergenceSetStability   ConvergenceReason = "set-stability"
	ConvergenceScoreThreshold ConvergenceReason = "score-convergence"
	ConvergenceCeiling        ConvergenceReason = "ceiling-reached"
)

// ConvergenceVerdict is the outcome of one evaluation, with the progress
// counters operators use to see how close a run is to settling.
type ConvergenceVerdict struct {
	Converged          bool              `json:"converged"`
	Reason             ConvergenceReason `json:"reason"`
	Loop               int               `json:"loop"`
	ConsecutiveOrdered int               `json:"consecutive_ordered,omitempty"`
	ConsecutiveSets    int               `json:"consecutive_sets,omitempty"`
	MaxScoreDelta      float64           `json:"max_score_delta,omitempty"`
}

// LoopState is the per-iteration record. History is append-only; a LoopState
// is never mutated after its loop completes.
type LoopState struct {
	RunID          string             `json:"run_id"`
	Loop           int                `json:"loop"`
	Proposed       []Pick             `json:"proposed"`
	Top3           []Pick             `json:"top3"`
	PreviousTop3   []Pick             `json:"previous_top3,omitempty"`
	Deltas         map[string]float64 `json:"deltas,omitempty"`
	Decisions      []JudgeDecision    `json:"decisions"`
	Consensus      []ConsensusScore   `json:"consensus,omitempty"`
	StabilityScore float64            `json:"stability_score"`
	Verdict        ConvergenceVerdict `json:"verdict"`
	Degraded       bool               `json:"degraded"`
	MissingAgents  []string           `json:"missing_agents,omitempty"`
	Publishable    bool               `json:"publishable"`
	CreatedAt      time.Time          `json:"created_at"`
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusConverged RunStatus = "converged"
	RunStatusCeiling   RunStatus = "ceiling"
	RunStatusAborted   RunStatus = "aborted"
)

// Run is the top-level record of one research run.
type Run struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	Publishable bool       `json:"publishable"`
	Loops       int        `json:"loops"`
	FinalTop3   []Pick     `json:"final_top3,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Bus topics emitted by the core for downstream consumers.
const (
	TopicLoopCompleted    = "loop.completed"
	TopicRunTerminated    = "run.terminated"
	TopicTaskDeadLettered = "task.dead_lettered"
)

// Event is one bus emission.
type Event struct {
	Topic     string          `json:"topic"`
	RunID     string          `json:"run_id,omitempty"`
	Loop      int             `json:"loop,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
