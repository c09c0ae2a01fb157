package scheduler

import (
	"fmt"
	"strings"
)

// CycleError is returned by Build when the declared dependencies contain a
// cycle. Members lists the unit IDs on the offending cycle, in edge order.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Members, " -> "))
}
