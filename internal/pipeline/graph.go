package pipeline

import (
	"errors"
	"fmt"
)

var ErrCycle = errors.New("step dependencies contain a cycle")

// Plan is the tiered execution order of a pipeline's steps.
type Plan struct {
	Tiers [][]string // step names; steps within a tier have no edges between them
}

// BuildPlan groups steps into tiers by dependency depth using Kahn's
// algorithm. Within a tier, steps keep their declared order. Dependencies
// naming steps outside the pipeline add no edge: the broker's dependency
// gate reports them at run time.
func BuildPlan(steps []Step) (*Plan, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := index[s.Name]; dup {
			return nil, fmt.Errorf("%w %q", ErrDuplicateStep, s.Name)
		}
		index[s.Name] = i
	}

	edges := make(map[string][]string) // dependency -> dependents
	inDegree := make(map[string]int, len(steps))
	depth := make(map[string]int, len(steps))
	for _, s := range steps {
		depth[s.Name] = 0
		seen := make(map[string]bool)
		for _, dep := range s.DependsOn {
			if _, known := index[dep]; !known || seen[dep] {
				continue
			}
			seen[dep] = true
			edges[dep] = append(edges[dep], s.Name)
			inDegree[s.Name]++
		}
	}

	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if inDegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		processed++

		for _, next := range edges[node] {
			inDegree[next]--
			if d := depth[node] + 1; d > depth[next] {
				depth[next] = d
			}
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed != len(steps) {
		return nil, ErrCycle
	}

	maxDepth := -1
	for _, d := range depth {
		maxDepth = max(maxDepth, d)
	}

	tiers := make([][]string, maxDepth+1)
	for _, s := range steps {
		d := depth[s.Name]
		tiers[d] = append(tiers[d], s.Name)
	}

	return &Plan{Tiers: tiers}, nil
}
