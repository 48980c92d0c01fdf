package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
)

// Step is one scripted interaction: either a canned response or a failure.
type Step struct {
	Response json.RawMessage
	Err      error
}

// ScriptedProxy replays pre-recorded agent interactions. Each (agent, kind)
// pair consumes its script in order; the last step repeats once the script
// runs out, so loops beyond the scripted horizon stay deterministic.
type ScriptedProxy struct {
	mu    sync.Mutex
	steps map[string][]Step
	calls map[string]int
}

func NewScriptedProxy() *ScriptedProxy {
	return &ScriptedProxy{
		steps: make(map[string][]Step),
		calls: make(map[string]int),
	}
}

// Script appends steps for one agent and task kind.
func (p *ScriptedProxy) Script(agentID string, kind domain.TaskKind, steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := scriptKey(agentID, kind)
	p.steps[key] = append(p.steps[key], steps...)
}

// ScriptJSON is Script with the response marshalled from v.
func (p *ScriptedProxy) ScriptJSON(agentID string, kind domain.TaskKind, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("scripted proxy: marshal response for %s/%s: %w", agentID, kind, err)
	}
	p.Script(agentID, kind, Step{Response: raw})
	return nil
}

func (p *ScriptedProxy) Invoke(ctx context.Context, agentID string, kind domain.TaskKind, payload json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := scriptKey(agentID, kind)
	script := p.steps[key]
	if len(script) == 0 {
		return nil, NewError(FailureUnavailable, agentID, fmt.Errorf("no script for kind %s", kind))
	}
	idx := p.calls[key]
	if idx >= len(script) {
		idx = len(script) - 1
	}
	p.calls[key]++
	step := script[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

// Calls reports how many times the (agent, kind) pair was invoked.
func (p *ScriptedProxy) Calls(agentID string, kind domain.TaskKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[scriptKey(agentID, kind)]
}

func scriptKey(agentID string, kind domain.TaskKind) string {
	return agentID + "/" + string(kind)
}
