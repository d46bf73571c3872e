package ceremony

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidWorkGraph indicates the submitted task graph cannot be convened:
// empty, duplicate or missing IDs, unknown dependencies, or cycles. Nothing is
// persisted when validation fails.
var ErrInvalidWorkGraph = errors.New("ceremony: invalid work graph")

// TaskSpec declares one task in a work graph submission. Description is the
// opaque payload handed to the worker; Kind selects which runner interprets it.
type TaskSpec struct {
	ID          string   `yaml:"id"`
	Kind        string   `yaml:"kind"`
	Description string   `yaml:"description"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
}

// Graph is the caller-submitted dependency graph for a ceremony.
type Graph struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// Validate checks the graph invariants enforced at convene time.
func (g Graph) Validate() error {
	if len(g.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks declared", ErrInvalidWorkGraph)
	}
	ids := make(map[string]bool, len(g.Tasks))
	for _, spec := range g.Tasks {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return fmt.Errorf("%w: task with empty id", ErrInvalidWorkGraph)
		}
		if ids[id] {
			return fmt.Errorf("%w: duplicate task id %s", ErrInvalidWorkGraph, id)
		}
		if strings.TrimSpace(spec.Kind) == "" {
			return fmt.Errorf("%w: task %s missing kind", ErrInvalidWorkGraph, id)
		}
		if strings.TrimSpace(spec.Description) == "" {
			return fmt.Errorf("%w: task %s missing description", ErrInvalidWorkGraph, id)
		}
		ids[id] = true
	}
	for _, spec := range g.Tasks {
		for _, dep := range spec.DependsOn {
			if dep == spec.ID {
				return fmt.Errorf("%w: task %s depends on itself", ErrInvalidWorkGraph, spec.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("%w: task %s depends on unknown task %s", ErrInvalidWorkGraph, spec.ID, dep)
			}
		}
	}
	return g.checkAcyclic()
}

// checkAcyclic runs Kahn's algorithm; any node left unordered sits on a cycle.
func (g Graph) checkAcyclic() error {
	indegree := make(map[string]int, len(g.Tasks))
	dependents := make(map[string][]string, len(g.Tasks))
	for _, spec := range g.Tasks {
		indegree[spec.ID] += 0
		for _, dep := range spec.DependsOn {
			indegree[spec.ID]++
			dependents[dep] = append(dependents[dep], spec.ID)
		}
	}
	var queue []string
	for _, spec := range g.Tasks {
		if indegree[spec.ID] == 0 {
			queue = append(queue, spec.ID)
		}
	}
	ordered := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered++
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if ordered != len(g.Tasks) {
		var cyclic []string
		for _, spec := range g.Tasks {
			if indegree[spec.ID] > 0 {
				cyclic = append(cyclic, spec.ID)
			}
		}
		return fmt.Errorf("%w: cycle involving %s", ErrInvalidWorkGraph, strings.Join(cyclic, ", "))
	}
	return nil
}

// New builds an active ceremony from a validated graph. Tasks keep the graph's
// declaration order.
func New(id string, graph Graph, maxConcurrency int, now time.Time) (*Ceremony, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("%w: max concurrency must be positive, got %d", ErrInvalidWorkGraph, maxConcurrency)
	}
	c := &Ceremony{
		ID:             id,
		State:          StateActive,
		CreatedAt:      now.UTC(),
		MaxConcurrency: maxConcurrency,
		Tasks:          make([]*Task, 0, len(graph.Tasks)),
	}
	for _, spec := range graph.Tasks {
		c.Tasks = append(c.Tasks, &Task{
			ID:          spec.ID,
			Kind:        spec.Kind,
			Description: spec.Description,
			DependsOn:   cloneStrings(spec.DependsOn),
			Status:      StatusPending,
		})
	}
	return c, nil
}
