package workflow

import "fmt"

// validateDependencies checks that every step's dependsOn references another
// step of the same workflow, contains no self-references, and that the
// dependency graph is acyclic.
func validateDependencies(steps []Step) error {
	ids := make(map[string]int, len(steps))
	for i, s := range steps {
		ids[s.ID] = i
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("workflow: step %q depends on itself", s.ID)
			}
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("workflow: step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	// DFS with three colors: 0 unvisited, 1 on stack, 2 done.
	color := make([]int, len(steps))
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = 1
		for _, dep := range steps[i].DependsOn {
			j := ids[dep]
			switch color[j] {
			case 1:
				return fmt.Errorf("workflow: dependency cycle through step %q", steps[j].ID)
			case 0:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		color[i] = 2
		return nil
	}
	for i := range steps {
		if color[i] == 0 {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadySteps returns pending steps whose dependencies are all complete or
// skipped, excluding ids present in active, ordered by index ascending.
// Steps are assumed ordered by index within the workflow.
func ReadySteps(w *Workflow, active map[string]bool) []*Step {
	byID := make(map[string]*Step, len(w.Steps))
	for i := range w.Steps {
		byID[w.Steps[i].ID] = &w.Steps[i]
	}

	var ready []*Step
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.Status != StepPending || active[s.ID] {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			d := byID[dep]
			if d == nil || !d.Status.Satisfied() {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}
