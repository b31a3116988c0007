package run

import (
	"fmt"

	"github.com/skamble7/renova/internal/capability"
)

// topoOrder returns plan step indexes in an order that respects
// depends_on_steps plus explicit edges. Kahn's algorithm with the
// original step order as tiebreak keeps runs deterministic.
func topoOrder(steps []capability.PlanStep, edges []capability.Edge) ([]int, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.StepID] = i
	}

	indegree := make([]int, len(steps))
	successors := make([][]int, len(steps))
	addEdge := func(from, to string) error {
		fi, ok := index[from]
		if !ok {
			return fmt.Errorf("edge references unknown step %q", from)
		}
		ti, ok := index[to]
		if !ok {
			return fmt.Errorf("edge references unknown step %q", to)
		}
		successors[fi] = append(successors[fi], ti)
		indegree[ti]++
		return nil
	}

	for i, s := range steps {
		for _, dep := range s.DependsOnSteps {
			di, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", s.StepID, dep)
			}
			successors[di] = append(successors[di], i)
			indegree[i]++
		}
	}
	for _, e := range edges {
		if err := addEdge(e.From, e.To); err != nil {
			return nil, err
		}
	}

	// Ready set ordered by original position.
	var order []int
	ready := make([]int, 0, len(steps))
	for i := range steps {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	for len(ready) > 0 {
		// Pop the smallest original index.
		min := 0
		for i := 1; i < len(ready); i++ {
			if ready[i] < ready[min] {
				min = i
			}
		}
		cur := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		order = append(order, cur)
		for _, next := range successors[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, fmt.Errorf("playbook has a dependency cycle")
	}
	return order, nil
}
