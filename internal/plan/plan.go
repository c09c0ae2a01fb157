package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aristath/stagerunner/internal/scheduler"
)

// unitSpec is the JSON shape of one work unit in a plan file.
type unitSpec struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind,omitempty"`
	DependsOn     []string          `json:"depends_on,omitempty"`
	Priority      int               `json:"priority,omitempty"`
	EstimatedCost float64           `json:"estimated_cost,omitempty"`
	TimeoutMs     int64             `json:"timeout_ms,omitempty"`
	Command       string            `json:"command,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
}

// File is the JSON shape of a plan file.
type File struct {
	Name  string     `json:"name,omitempty"`
	Units []unitSpec `json:"units"`
}

const defaultKind = "shell"

// Load reads a plan file and converts it to work units. The "command"
// shorthand lands in Params["command"]; units without a kind default to
// shell execution. Structural problems (missing IDs, empty plan) fail
// here, dependency problems fail later in graph construction.
func Load(path string) ([]scheduler.WorkUnit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}
	return Parse(data)
}

// Parse converts plan file bytes to work units.
func Parse(data []byte) ([]scheduler.WorkUnit, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if len(f.Units) == 0 {
		return nil, fmt.Errorf("plan contains no units")
	}

	units := make([]scheduler.WorkUnit, 0, len(f.Units))
	for i, spec := range f.Units {
		if spec.ID == "" {
			return nil, fmt.Errorf("plan unit at index %d has no id", i)
		}

		kind := spec.Kind
		if kind == "" {
			kind = defaultKind
		}

		params := make(map[string]string, len(spec.Params)+1)
		for k, v := range spec.Params {
			params[k] = v
		}
		if spec.Command != "" {
			params["command"] = spec.Command
		}

		units = append(units, scheduler.WorkUnit{
			ID:            spec.ID,
			Kind:          kind,
			DependsOn:     append([]string(nil), spec.DependsOn...),
			Priority:      spec.Priority,
			EstimatedCost: spec.EstimatedCost,
			Timeout:       time.Duration(spec.TimeoutMs) * time.Millisecond,
			Params:        params,
		})
	}
	return units, nil
}
