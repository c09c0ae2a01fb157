package scheduler

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// TestBuildValidation tests graph construction with various unit sets.
func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name        string
		units       []WorkUnit
		wantErr     bool
		errContains string
	}{
		{
			name: "valid linear chain",
			units: []WorkUnit{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
		},
		{
			name: "valid diamond",
			units: []WorkUnit{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"A"}},
				{ID: "D", DependsOn: []string{"B", "C"}},
			},
		},
		{
			name:  "single unit",
			units: []WorkUnit{{ID: "A"}},
		},
		{
			name: "direct cycle",
			units: []WorkUnit{
				{ID: "A", DependsOn: []string{"B"}},
				{ID: "B", DependsOn: []string{"A"}},
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "transitive cycle",
			units: []WorkUnit{
				{ID: "A", DependsOn: []string{"C"}},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "self reference",
			units: []WorkUnit{
				{ID: "A", DependsOn: []string{"A"}},
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "unknown dependency",
			units: []WorkUnit{
				{ID: "A", DependsOn: []string{"ghost"}},
			},
			wantErr:     true,
			errContains: "unknown unit",
		},
		{
			name: "duplicate ID",
			units: []WorkUnit{
				{ID: "A"},
				{ID: "A"},
			},
			wantErr:     true,
			errContains: "duplicate",
		},
		{
			name: "empty ID",
			units: []WorkUnit{
				{ID: ""},
			},
			wantErr:     true,
			errContains: "empty ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.units)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if g.Len() != len(tt.units) {
				t.Errorf("graph has %d units, want %d", g.Len(), len(tt.units))
			}
		})
	}
}

// TestBuildCycleErrorNamesMembers verifies CycleError lists units on the cycle.
func TestBuildCycleErrorNamesMembers(t *testing.T) {
	units := []WorkUnit{
		{ID: "A", DependsOn: []string{"C"}},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
		{ID: "D", DependsOn: []string{"A"}}, // not on the cycle
	}

	_, err := Build(units)
	if err == nil {
		t.Fatal("expected cycle error")
	}

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}

	if len(cycleErr.Members) == 0 {
		t.Fatal("cycle error names no members")
	}
	onCycle := map[string]bool{"A": true, "B": true, "C": true}
	for _, id := range cycleErr.Members {
		if !onCycle[id] {
			t.Errorf("cycle member %q is not on the cycle", id)
		}
	}
}

// TestWaves verifies wave placement and intra-wave ordering.
func TestWaves(t *testing.T) {
	tests := []struct {
		name  string
		units []WorkUnit
		want  [][]string
	}{
		{
			name: "independent units share one wave",
			units: []WorkUnit{
				{ID: "A"}, {ID: "B"}, {ID: "C"},
			},
			want: [][]string{{"A", "B", "C"}},
		},
		{
			name: "linear chain yields one wave per unit",
			units: []WorkUnit{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
			want: [][]string{{"A"}, {"B"}, {"C"}},
		},
		{
			name: "fan-in fan-out",
			units: []WorkUnit{
				{ID: "A"},
				{ID: "B"},
				{ID: "C", DependsOn: []string{"A", "B"}},
				{ID: "D", DependsOn: []string{"C"}},
				{ID: "E"},
			},
			want: [][]string{{"A", "B", "E"}, {"C"}, {"D"}},
		},
		{
			name: "priority orders within a wave",
			units: []WorkUnit{
				{ID: "low", Priority: 1},
				{ID: "high", Priority: 10},
				{ID: "mid", Priority: 5},
			},
			want: [][]string{{"high", "mid", "low"}},
		},
		{
			name: "equal priority breaks ties by ID",
			units: []WorkUnit{
				{ID: "b"}, {ID: "a"}, {ID: "c"},
			},
			want: [][]string{{"a", "b", "c"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.units)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got := g.Waves()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("waves = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestWaveIndexExceedsDependencies verifies each unit lands strictly after
// all its dependencies, for an arbitrary acyclic set.
func TestWaveIndexExceedsDependencies(t *testing.T) {
	units := []WorkUnit{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
		{ID: "e", DependsOn: []string{"a", "d"}},
		{ID: "f"},
		{ID: "g", DependsOn: []string{"f", "e"}},
	}

	g, err := Build(units)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waveOf := map[string]int{}
	total := 0
	for i, wave := range g.Waves() {
		for _, id := range wave {
			if _, dup := waveOf[id]; dup {
				t.Errorf("unit %q appears in more than one wave", id)
			}
			waveOf[id] = i
			total++
		}
	}

	if total != len(units) {
		t.Errorf("waves contain %d units, want %d", total, len(units))
	}

	for _, u := range units {
		for _, dep := range u.DependsOn {
			if waveOf[u.ID] <= waveOf[dep] {
				t.Errorf("unit %q (wave %d) not after dependency %q (wave %d)",
					u.ID, waveOf[u.ID], dep, waveOf[dep])
			}
		}
	}
}

// TestAffectedBy tests transitive dependent lookup.
func TestAffectedBy(t *testing.T) {
	units := []WorkUnit{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
		{ID: "D", DependsOn: []string{"A"}},
		{ID: "E"},
	}

	g, err := Build(units)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		id   string
		want []string
	}{
		{"A", []string{"B", "C", "D"}},
		{"B", []string{"C"}},
		{"C", []string{}},
		{"E", []string{}},
	}

	for _, tt := range tests {
		got := g.AffectedBy(tt.id)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("AffectedBy(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

// TestCriticalPath verifies the highest-cost chain is reported root first.
func TestCriticalPath(t *testing.T) {
	units := []WorkUnit{
		{ID: "A", EstimatedCost: 1},
		{ID: "B", EstimatedCost: 10, DependsOn: []string{"A"}},
		{ID: "C", EstimatedCost: 2, DependsOn: []string{"A"}},
		{ID: "D", EstimatedCost: 1, DependsOn: []string{"B", "C"}},
	}

	g, err := Build(units)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"A", "B", "D"}
	if got := g.CriticalPath(); !reflect.DeepEqual(got, want) {
		t.Errorf("CriticalPath() = %v, want %v", got, want)
	}
}

// TestUnitsAreCopies verifies accessors return defensive copies.
func TestUnitsAreCopies(t *testing.T) {
	g, err := Build([]WorkUnit{
		{ID: "A", Params: map[string]string{"command": "true"}},
		{ID: "B", DependsOn: []string{"A"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u, ok := g.Unit("A")
	if !ok {
		t.Fatal("unit A not found")
	}
	u.Params["command"] = "mutated"

	again, _ := g.Unit("A")
	if again.Params["command"] != "true" {
		t.Error("mutation through accessor leaked into the graph")
	}
}
