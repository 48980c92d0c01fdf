// Package roster loads the agent roster: which agents sit in which layer,
// their calibration weights, conviction scales, and scorer roles.
package roster

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Control roles. Agents with any other non-empty role are scorers.
const (
	RoleFundManager = "fund_manager"
	RoleCEO         = "ceo"
	RoleRedTeam     = "red_team"
)

// Agent is one roster entry. ConvictionScale is the upper bound of the
// agent's native conviction range; outputs are normalized to 0-100 against it.
type Agent struct {
	ID              string  `yaml:"id"`
	Name            string  `yaml:"name"`
	Layer           int     `yaml:"layer"`
	Calibration     float64 `yaml:"calibration"`
	ConvictionScale float64 `yaml:"conviction_scale"`
	Role            string  `yaml:"role"`
}

// Roster is the full agent registry for a run.
type Roster struct {
	Agents []Agent `yaml:"agents"`
}

// Parse decodes and validates a roster payload.
func Parse(data []byte) (Roster, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Roster{}, fmt.Errorf("roster: payload is empty")
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Roster{}, fmt.Errorf("roster: decode: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Roster{}, err
	}
	return r.Normalized(), nil
}

// Load reads a roster file from disk.
func Load(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, fmt.Errorf("roster: read %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return Roster{}, fmt.Errorf("roster: %s: %w", path, err)
	}
	return r, nil
}

// Validate rejects rosters that cannot drive a run: duplicate ids, empty
// layers, or agents outside the known layer/role set.
func (r Roster) Validate() error {
	if len(r.Agents) == 0 {
		return fmt.Errorf("roster: no agents defined")
	}
	seen := make(map[string]bool, len(r.Agents))
	layerCounts := map[int]int{}
	for i, a := range r.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("roster: agent %d has empty id", i)
		}
		if seen[id] {
			return fmt.Errorf("roster: duplicate agent id %q", id)
		}
		seen[id] = true
		switch a.Layer {
		case 1, 2:
			layerCounts[a.Layer]++
		case 0:
			if strings.TrimSpace(a.Role) == "" {
				return fmt.Errorf("roster: agent %q has neither layer nor role", id)
			}
		default:
			return fmt.Errorf("roster: agent %q has unknown layer %d", id, a.Layer)
		}
		if a.Calibration < 0 {
			return fmt.Errorf("roster: agent %q has negative calibration", id)
		}
		if a.ConvictionScale < 0 {
			return fmt.Errorf("roster: agent %q has negative conviction scale", id)
		}
	}
	if layerCounts[1] == 0 {
		return fmt.Errorf("roster: layer 1 has no agents")
	}
	if layerCounts[2] == 0 {
		return fmt.Errorf("roster: layer 2 has no agents")
	}
	return nil
}

// Normalized returns a copy with trimmed fields, defaulted weights and
// scales, and agents sorted by id for deterministic iteration.
func (r Roster) Normalized() Roster {
	out := Roster{Agents: make([]Agent, len(r.Agents))}
	for i, a := range r.Agents {
		a.ID = strings.TrimSpace(a.ID)
		a.Name = strings.TrimSpace(a.Name)
		a.Role = strings.ToLower(strings.TrimSpace(a.Role))
		if a.Calibration == 0 {
			a.Calibration = 1.0
		}
		if a.ConvictionScale == 0 {
			a.ConvictionScale = 100.0
		}
		out.Agents[i] = a
	}
	sort.Slice(out.Agents, func(i, j int) bool { return out.Agents[i].ID < out.Agents[j].ID })
	return out
}

// Layer returns the agents assigned to the given research layer, in id order.
func (r Roster) Layer(n int) []Agent {
	var out []Agent
	for _, a := range r.Agents {
		if a.Layer == n {
			out = append(out, a)
		}
	}
	return out
}

// Scorers returns the agents carrying a scorer role, control roles excluded.
func (r Roster) Scorers() []Agent {
	var out []Agent
	for _, a := range r.Agents {
		switch a.Role {
		case "", RoleFundManager, RoleCEO, RoleRedTeam:
		default:
			out = append(out, a)
		}
	}
	return out
}

// ByRole returns the first agent with the given role.
func (r Roster) ByRole(role string) (Agent, bool) {
	for _, a := range r.Agents {
		if a.Role == role {
			return a, true
		}
	}
	return Agent{}, false
}

// Calibration returns the calibration weight for an agent id, 1.0 when the
// agent is unknown.
func (r Roster) Calibration(agentID string) float64 {
	for _, a := range r.Agents {
		if a.ID == agentID {
			return a.Calibration
		}
	}
	return 1.0
}

// ConvictionScale returns the agent's native conviction upper bound, 100 when
// the agent is unknown.
func (r Roster) ConvictionScale(agentID string) float64 {
	for _, a := range r.Agents {
		if a.ID == agentID {
			return a.ConvictionScale
		}
	}
	return 100.0
}
