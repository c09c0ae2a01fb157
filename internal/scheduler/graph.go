package scheduler

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// Graph is the validated, immutable view of a work-unit set: adjacency in
// both directions, a topological order, and the execution waves derived from
// it. Build is the only constructor; a Graph that exists is acyclic.
type Graph struct {
	units      map[string]*WorkUnit
	order      []string            // topological order
	waves      [][]string          // wave N+1 depends only on waves <= N
	dependents map[string][]string // unitID -> units that depend on it
}

// Build validates the unit set and derives the execution plan.
// Fails on duplicate IDs, unknown dependency references, and cycles
// (including self-references), returning a *CycleError for the latter.
func Build(units []WorkUnit) (*Graph, error) {
	g := &Graph{
		units:      make(map[string]*WorkUnit, len(units)),
		dependents: make(map[string][]string),
	}

	for i := range units {
		u := units[i]
		if u.ID == "" {
			return nil, fmt.Errorf("work unit at index %d has empty ID", i)
		}
		if _, exists := g.units[u.ID]; exists {
			return nil, fmt.Errorf("duplicate work unit ID %q", u.ID)
		}
		g.units[u.ID] = cloneUnit(&u)
	}

	// Verify all dependencies resolve within the set and build the
	// dependents map for downstream lookups.
	for id, u := range g.units {
		for _, depID := range u.DependsOn {
			if depID == id {
				return nil, &CycleError{Members: []string{id, id}}
			}
			if _, exists := g.units[depID]; !exists {
				return nil, fmt.Errorf("work unit %q depends on unknown unit %q", id, depID)
			}
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}

	order, err := g.topoOrder()
	if err != nil {
		return nil, err
	}
	g.order = order
	g.waves = g.computeWaves()

	return g, nil
}

// topoOrder runs toposort over the dependency edges. On a cycle it falls
// back to a DFS that names the participating units.
func (g *Graph) topoOrder() ([]string, error) {
	var edges []toposort.Edge
	for id, u := range g.units {
		if len(u.DependsOn) == 0 {
			// Edge from nil keeps root units in the sorted output.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range u.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		if cycle := g.findCycle(); len(cycle) > 0 {
			return nil, &CycleError{Members: cycle}
		}
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(g.units))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.units) {
		return nil, fmt.Errorf("topological sort lost %d units", len(g.units)-len(order))
	}

	return order, nil
}

// findCycle locates one cycle via depth-first traversal with the classic
// unvisited / in-progress / done coloring. A back-edge to an in-progress
// unit closes the cycle; the returned slice walks it in edge order and
// repeats the entry unit at the end.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		inProgress
		done
	)

	color := make(map[string]int, len(g.units))
	var stack []string
	var cycle []string

	ids := make([]string, 0, len(g.units))
	for id := range g.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = inProgress
		stack = append(stack, id)

		deps := append([]string(nil), g.units[id].DependsOn...)
		sort.Strings(deps)
		for _, depID := range deps {
			switch color[depID] {
			case inProgress:
				// Back-edge: slice the stack from the first occurrence.
				for i, sid := range stack {
					if sid == depID {
						cycle = append(append([]string(nil), stack[i:]...), depID)
						return true
					}
				}
			case unvisited:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = done
		return false
	}

	for _, id := range ids {
		if color[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

// computeWaves performs Kahn's algorithm, placing each unit in the earliest
// wave where all its dependencies are already placed. This yields the
// minimum wave count and therefore maximum parallelism. Within a wave,
// units are ordered by priority descending, then ID ascending.
func (g *Graph) computeWaves() [][]string {
	wave := make(map[string]int, len(g.units))
	maxWave := -1

	// The topological order guarantees dependencies are placed first.
	for _, id := range g.order {
		w := 0
		for _, depID := range g.units[id].DependsOn {
			if wave[depID]+1 > w {
				w = wave[depID] + 1
			}
		}
		wave[id] = w
		if w > maxWave {
			maxWave = w
		}
	}

	waves := make([][]string, maxWave+1)
	for id, w := range wave {
		waves[w] = append(waves[w], id)
	}

	for _, ids := range waves {
		sort.Slice(ids, func(i, j int) bool {
			a, b := g.units[ids[i]], g.units[ids[j]]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.ID < b.ID
		})
	}

	return waves
}

// Unit returns a copy of the unit with the given ID.
func (g *Graph) Unit(id string) (*WorkUnit, bool) {
	u, exists := g.units[id]
	if !exists {
		return nil, false
	}
	return cloneUnit(u), true
}

// Units returns copies of all units in topological order.
func (g *Graph) Units() []*WorkUnit {
	units := make([]*WorkUnit, 0, len(g.order))
	for _, id := range g.order {
		units = append(units, cloneUnit(g.units[id]))
	}
	return units
}

// Len returns the number of units in the graph.
func (g *Graph) Len() int {
	return len(g.units)
}

// Order returns the topological order of unit IDs.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Waves returns the execution waves. Units within a wave share no
// dependency and may run concurrently; wave N+1 depends only on waves <= N.
func (g *Graph) Waves() [][]string {
	waves := make([][]string, len(g.waves))
	for i, ids := range g.waves {
		waves[i] = append([]string(nil), ids...)
	}
	return waves
}

// AffectedBy returns every transitive dependent of the given unit, the set
// that must be skipped when it fails irrecoverably. The result is sorted
// for determinism.
func (g *Graph) AffectedBy(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[id]...)

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.dependents[next]...)
	}

	affected := make([]string, 0, len(seen))
	for uid := range seen {
		affected = append(affected, uid)
	}
	sort.Strings(affected)
	return affected
}

// CriticalPath returns the dependency chain with the highest cumulative
// EstimatedCost, root first. Reporting only -- it has no scheduling effect.
func (g *Graph) CriticalPath() []string {
	if len(g.order) == 0 {
		return nil
	}

	cost := make(map[string]float64, len(g.units))
	prev := make(map[string]string, len(g.units))

	for _, id := range g.order {
		best := 0.0
		bestDep := ""
		deps := append([]string(nil), g.units[id].DependsOn...)
		sort.Strings(deps)
		for _, depID := range deps {
			if cost[depID] > best {
				best = cost[depID]
				bestDep = depID
			}
		}
		cost[id] = best + g.units[id].EstimatedCost
		prev[id] = bestDep
	}

	// Find the most expensive terminal unit, ties broken by ID.
	end := ""
	for _, id := range g.order {
		if end == "" || cost[id] > cost[end] || (cost[id] == cost[end] && id < end) {
			end = id
		}
	}

	var path []string
	for id := end; id != ""; id = prev[id] {
		path = append(path, id)
	}

	// Reverse into root-first order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
