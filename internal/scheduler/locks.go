package scheduler

import (
	"sort"
)

// resourceLocks tracks which resources are held by running tasks.
// It is only used under the scheduler lock, so acquisition never blocks:
// a task whose resources are taken simply waits for a later tick.
type resourceLocks struct {
	held map[string]string // resource -> holding task
}

func newResourceLocks() *resourceLocks {
	return &resourceLocks{held: make(map[string]string)}
}

// tryAcquire takes every resource for owner, or none of them.
func (r *resourceLocks) tryAcquire(owner string, resources []string) bool {
	if len(resources) == 0 {
		return true
	}

	sorted := make([]string, len(resources))
	copy(sorted, resources)
	sort.Strings(sorted)

	for _, res := range sorted {
		if holder, ok := r.held[res]; ok && holder != owner {
			return false
		}
	}
	for _, res := range sorted {
		r.held[res] = owner
	}
	return true
}

// release frees the resources held by owner.
func (r *resourceLocks) release(owner string, resources []string) {
	for _, res := range resources {
		if r.held[res] == owner {
			delete(r.held, res)
		}
	}
}
