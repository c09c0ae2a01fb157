package scheduler

import "time"

// WorkUnit is the atomic schedulable item. Units declare their dependencies
// by ID; the graph decides when they may run. The scheduler never looks at
// Params -- they are the opaque input handed to whatever executor is
// registered for the unit's Kind.
type WorkUnit struct {
	ID            string            // Unique stable identifier
	Kind          string            // Operation tag, resolved through the executor registry
	DependsOn     []string          // Unit IDs that must succeed first
	Priority      int               // Tie-break within a wave (higher runs earlier)
	EstimatedCost float64           // Optional, used for critical path reporting only
	Timeout       time.Duration     // Optional per-unit timeout override (0 = engine default)
	Params        map[string]string // Opaque executor input
}

func cloneUnit(u *WorkUnit) *WorkUnit {
	if u == nil {
		return nil
	}

	cp := *u
	if u.DependsOn != nil {
		cp.DependsOn = append([]string(nil), u.DependsOn...)
	}
	if u.Params != nil {
		cp.Params = make(map[string]string, len(u.Params))
		for k, v := range u.Params {
			cp.Params[k] = v
		}
	}
	return &cp
}
