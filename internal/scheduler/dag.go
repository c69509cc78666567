package scheduler

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// Validate checks the dependencies declared by DependentTask
// implementations. It returns task names in an order where every task
// comes after its dependencies, or an error if a dependency is missing or
// the dependencies form a cycle.
func (s *Scheduler) Validate() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deps := make(map[string][]string, len(s.tasks))
	for name, rt := range s.tasks {
		deps[name] = dependenciesOf(rt.task)
	}

	// First, verify all dependencies exist
	for name, taskDeps := range deps {
		for _, dep := range taskDeps {
			if _, exists := s.tasks[dep]; !exists {
				return nil, fmt.Errorf("task %q depends on unknown task %q", name, dep)
			}
		}
	}

	var edges []toposort.Edge
	for name, taskDeps := range deps {
		if len(taskDeps) == 0 {
			// Edge from nil so that tasks without dependencies are included
			edges = append(edges, toposort.Edge{nil, name})
			continue
		}
		for _, dep := range taskDeps {
			edges = append(edges, toposort.Edge{dep, name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task dependencies contain a cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, name := range sorted {
		if name != nil {
			order = append(order, name.(string))
		}
	}

	if len(order) != len(s.tasks) {
		found := make(map[string]bool, len(order))
		for _, name := range order {
			found[name] = true
		}
		var missing []string
		for name := range s.tasks {
			if !found[name] {
				missing = append(missing, name)
			}
		}
		return nil, fmt.Errorf("dependency sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

func dependenciesOf(task Task) []string {
	if dt, ok := task.(DependentTask); ok {
		return dt.DependsOn()
	}
	return nil
}

func resourcesOf(task Task) []string {
	if rt, ok := task.(ResourceTask); ok {
		return rt.Resources()
	}
	return nil
}

// dependenciesMet reports whether every dependency of rt has completed
// at least once and is not running. Must be called with s.mu held.
func (s *Scheduler) dependenciesMet(rt *registeredTask) bool {
	for _, dep := range dependenciesOf(rt.task) {
		other, ok := s.tasks[dep]
		if !ok || other.completions == 0 || other.active != nil {
			return false
		}
	}
	return true
}
