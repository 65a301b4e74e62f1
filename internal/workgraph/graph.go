package workgraph

import "sort"

// Graph is an immutable snapshot of all issues plus their blocking
// dependencies. It is re-fetched every cycle; staleness within one cycle is
// acceptable because the next cycle's load self-corrects.
type Graph struct {
	issues map[string]*Issue
	order  []string
}

// NewGraph builds a snapshot from a slice of issues. Iteration order is
// fixed at construction (sorted by ID) so all downstream decisions are
// deterministic for a given snapshot.
func NewGraph(issues []*Issue) *Graph {
	g := &Graph{issues: make(map[string]*Issue, len(issues))}
	for _, is := range issues {
		if _, dup := g.issues[is.ID]; dup {
			continue
		}
		g.issues[is.ID] = is
		g.order = append(g.order, is.ID)
	}
	sort.Strings(g.order)
	return g
}

// Issue returns the issue with the given ID, or nil.
func (g *Graph) Issue(id string) *Issue {
	return g.issues[id]
}

// Issues returns all issues in deterministic (ID-sorted) order.
func (g *Graph) Issues() []*Issue {
	out := make([]*Issue, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.issues[id])
	}
	return out
}

// Len returns the number of issues in the snapshot.
func (g *Graph) Len() int { return len(g.order) }

// Empty reports whether the snapshot holds no issues.
func (g *Graph) Empty() bool { return len(g.order) == 0 }

// BlockingDeps returns the issues that block the given issue. Dependencies
// referencing IDs outside the snapshot are ignored.
func (g *Graph) BlockingDeps(id string) []*Issue {
	is := g.issues[id]
	if is == nil {
		return nil
	}
	var deps []*Issue
	for _, dep := range is.BlockedBy {
		if d := g.issues[dep]; d != nil {
			deps = append(deps, d)
		}
	}
	return deps
}

// Blocked reports whether any blocking dependency of the issue is not done,
// returning the first offending dependency ID.
func (g *Graph) Blocked(id string) (string, bool) {
	for _, dep := range g.BlockingDeps(id) {
		if dep.Status != StatusDone {
			return dep.ID, true
		}
	}
	return "", false
}

// FilterTo returns a new snapshot containing the target issue plus its
// transitive blocking closure. Scheduling a subtree without its blockers
// would deadlock, so the closure always rides along. Returns an empty graph
// if the target is unknown.
func (g *Graph) FilterTo(id string) *Graph {
	if g.issues[id] == nil {
		return NewGraph(nil)
	}
	seen := map[string]bool{}
	var keep []*Issue
	var walk func(string)
	walk = func(cur string) {
		if seen[cur] {
			return
		}
		seen[cur] = true
		is := g.issues[cur]
		if is == nil {
			return
		}
		keep = append(keep, is)
		for _, dep := range is.BlockedBy {
			walk(dep)
		}
	}
	walk(id)
	return NewGraph(keep)
}

// CountByStatus returns the number of issues per status.
func (g *Graph) CountByStatus() map[Status]int {
	counts := make(map[Status]int)
	for _, id := range g.order {
		counts[g.issues[id].Status]++
	}
	return counts
}
