package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResearchRequest is the payload for layer1_research, layer2_research and
// fund_manager tasks. Candidates is empty for layer 1 (open universe) and
// carries the previous layer's pool tickers otherwise.
type ResearchRequest struct {
	RunID        string   `json:"run_id"`
	Loop         int      `json:"loop"`
	AgentID      string   `json:"agent_id"`
	Candidates   []string `json:"candidates,omitempty"`
	PreviousTop3 []Pick   `json:"previous_top3,omitempty"`
}

// JudgeRequest is the payload for ceo_review and judge_review tasks.
type JudgeRequest struct {
	RunID    string `json:"run_id"`
	Loop     int    `json:"loop"`
	Previous []Pick `json:"previous,omitempty"`
	Proposed []Pick `json:"proposed"`
}

// ScoreRequest is the payload for score tasks: one scorer, one candidate.
type ScoreRequest struct {
	RunID   string `json:"run_id"`
	Loop    int    `json:"loop"`
	AgentID string `json:"agent_id"`
	Ticker  string `json:"ticker"`
	Thesis  string `json:"thesis,omitempty"`
}

// ValidatePayload checks that raw matches the request schema for kind. This is
// the single place payload schema violations are caught.
func ValidatePayload(kind TaskKind, raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("kind %s: empty payload", kind)
	}
	switch kind {
	case TaskKindLayer1Research, TaskKindLayer2Research, TaskKindFundManager:
		var req ResearchRequest
		if err := strictUnmarshal(raw, &req); err != nil {
			return fmt.Errorf("kind %s: %w", kind, err)
		}
		if strings.TrimSpace(req.RunID) == "" || req.Loop < 1 || strings.TrimSpace(req.AgentID) == "" {
			return fmt.Errorf("kind %s: run_id, loop and agent_id are required", kind)
		}
		if kind == TaskKindLayer2Research && len(req.Candidates) == 0 {
			return fmt.Errorf("kind %s: candidates are required", kind)
		}
		return nil
	case TaskKindCEOReview, TaskKindJudgeReview:
		var req JudgeRequest
		if err := strictUnmarshal(raw, &req); err != nil {
			return fmt.Errorf("kind %s: %w", kind, err)
		}
		if strings.TrimSpace(req.RunID) == "" || req.Loop < 1 || len(req.Proposed) == 0 {
			return fmt.Errorf("kind %s: run_id, loop and proposed picks are required", kind)
		}
		return nil
	case TaskKindScore:
		var req ScoreRequest
		if err := strictUnmarshal(raw, &req); err != nil {
			return fmt.Errorf("kind %s: %w", kind, err)
		}
		if strings.TrimSpace(req.RunID) == "" || req.Loop < 1 ||
			strings.TrimSpace(req.AgentID) == "" || strings.TrimSpace(req.Ticker) == "" {
			return fmt.Errorf("kind %s: run_id, loop, agent_id and ticker are required", kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown task kind %q", kind)
	}
}

// ValidateAnalystOutput checks the contract an agent's ranked list must
// satisfy before the core will consume it.
func ValidateAnalystOutput(out AnalystOutput) error {
	if strings.TrimSpace(out.AgentID) == "" {
		return fmt.Errorf("analyst output: agent_id is required")
	}
	if len(out.Picks) > 5 {
		return fmt.Errorf("analyst output: %d picks exceeds maximum of 5", len(out.Picks))
	}
	for i, pick := range out.Picks {
		if strings.TrimSpace(pick.Ticker) == "" {
			return fmt.Errorf("analyst output: pick %d has empty ticker", i)
		}
		if pick.Rank < 1 || pick.Rank > 5 {
			return fmt.Errorf("analyst output: pick %s has rank %d outside 1..5", pick.Ticker, pick.Rank)
		}
		if pick.Conviction < 0 {
			return fmt.Errorf("analyst output: pick %s has negative conviction", pick.Ticker)
		}
	}
	return nil
}

// ValidateScoreRecord checks that a scorer returned exactly the rubric
// dimensions, each an integer 1-5.
func ValidateScoreRecord(rec ScoreRecord) error {
	if strings.TrimSpace(rec.Ticker) == "" || strings.TrimSpace(rec.AgentID) == "" {
		return fmt.Errorf("score record: ticker and agent_id are required")
	}
	if len(rec.Scores) != len(RubricDimensions) {
		return fmt.Errorf("score record %s/%s: got %d dimensions, want %d",
			rec.Ticker, rec.AgentID, len(rec.Scores), len(RubricDimensions))
	}
	for _, dim := range RubricDimensions {
		v, ok := rec.Scores[dim]
		if !ok {
			return fmt.Errorf("score record %s/%s: missing dimension %q", rec.Ticker, rec.AgentID, dim)
		}
		if v < 1 || v > 5 {
			return fmt.Errorf("score record %s/%s: dimension %q score %d outside 1..5",
				rec.Ticker, rec.AgentID, dim, v)
		}
	}
	return nil
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
