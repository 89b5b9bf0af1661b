package workgraph

import (
	"fmt"
	"sort"
	"time"

	"github.com/heimdalr/dag"
)

// Transition is a status change the resolver derived from the graph state.
type Transition struct {
	UnitID string
	Status UnitStatus
	Cause  string
}

// Resolver answers ordering questions about a graph: which units are ready,
// which can never run and in which order units must be visited. It reads
// the unit statuses of the graph it was built from but never mutates them.
type Resolver struct {
	graph      *Graph
	units      map[string]*Unit
	order      map[string]int
	prereqs    map[string][]string
	dependents map[string][]string
	incoming   map[string][]*Edge
	depth      map[string]int
	topo       []string
}

// Validate checks a graph for duplicate ids, dangling references and
// cycles without building a long lived resolver.
func Validate(g *Graph) error {
	_, err := NewResolver(g)
	return err
}

// NewResolver indexes the graph and rejects configuration errors.
func NewResolver(g *Graph) (*Resolver, error) {
	r := &Resolver{graph: g}
	if err := r.build(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resolver) build() error {
	g := r.graph
	units := make(map[string]*Unit, len(g.Units))
	order := make(map[string]int, len(g.Units))
	d := dag.NewDAG()
	for i, unit := range g.Units {
		if _, exists := units[unit.ID]; exists {
			return fmt.Errorf("duplicate unit id %q", unit.ID)
		}
		units[unit.ID] = unit
		order[unit.ID] = i
		if err := d.AddVertexByID(unit.ID, unit.ID); err != nil {
			return fmt.Errorf("failed to add unit %s: %w", unit.ID, err)
		}
	}

	prereqs := make(map[string][]string, len(g.Units))
	dependents := make(map[string][]string, len(g.Units))
	incoming := make(map[string][]*Edge)
	seen := make(map[[2]string]bool)

	link := func(from, to string) error {
		if from == to {
			return &CycleError{Path: []string{from, to}}
		}
		if seen[[2]string{from, to}] {
			return nil
		}
		if err := d.AddEdge(from, to); err != nil {
			switch err.(type) {
			case dag.EdgeLoopError, dag.SrcDstEqualError:
				return &CycleError{Path: cyclePath(dependents, from, to)}
			case dag.EdgeDuplicateError:
				return nil
			}
			return fmt.Errorf("failed to add edge from %s to %s: %w", from, to, err)
		}
		seen[[2]string{from, to}] = true
		prereqs[to] = append(prereqs[to], from)
		dependents[from] = append(dependents[from], to)
		return nil
	}

	for _, unit := range g.Units {
		for _, dep := range unit.Dependencies {
			if _, ok := units[dep]; !ok {
				return &DanglingDependencyError{UnitID: unit.ID, Reference: dep}
			}
			if err := link(dep, unit.ID); err != nil {
				return err
			}
		}
	}
	for _, edge := range g.Edges {
		if _, ok := units[edge.To]; !ok {
			return &DanglingDependencyError{UnitID: edge.From, Reference: edge.To}
		}
		if _, ok := units[edge.From]; !ok {
			return &DanglingDependencyError{UnitID: edge.To, Reference: edge.From}
		}
		if err := link(edge.From, edge.To); err != nil {
			return err
		}
		incoming[edge.To] = append(incoming[edge.To], edge)
	}

	r.units = units
	r.order = order
	r.prereqs = prereqs
	r.dependents = dependents
	r.incoming = incoming
	r.topo = r.topologicalOrder()
	r.depth = make(map[string]int, len(r.topo))
	for _, id := range r.topo {
		depth := 0
		for _, p := range prereqs[id] {
			if r.depth[p]+1 > depth {
				depth = r.depth[p] + 1
			}
		}
		r.depth[id] = depth
	}
	return nil
}

// cyclePath finds the existing path to -> ... -> from that the edge
// from -> to would close.
func cyclePath(dependents map[string][]string, from, to string) []string {
	prev := map[string]string{to: ""}
	queue := []string{to}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == from {
			path := []string{}
			for n := from; n != ""; n = prev[n] {
				path = append([]string{n}, path...)
			}
			return append([]string{from}, path...)
		}
		for _, next := range dependents[cur] {
			if _, ok := prev[next]; !ok {
				prev[next] = cur
				queue = append(queue, next)
			}
		}
	}
	return []string{from, to, from}
}

// topologicalOrder is Kahn's algorithm with ties broken by declaration order.
func (r *Resolver) topologicalOrder() []string {
	indegree := make(map[string]int, len(r.graph.Units))
	for _, unit := range r.graph.Units {
		indegree[unit.ID] = len(r.prereqs[unit.ID])
	}
	var frontier []string
	for _, unit := range r.graph.Units {
		if indegree[unit.ID] == 0 {
			frontier = append(frontier, unit.ID)
		}
	}
	result := make([]string, 0, len(r.graph.Units))
	for len(frontier) > 0 {
		sort.SliceStable(frontier, func(i, j int) bool {
			return r.order[frontier[i]] < r.order[frontier[j]]
		})
		id := frontier[0]
		frontier = frontier[1:]
		result = append(result, id)
		for _, next := range r.dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}
	return result
}

// TopologicalOrder returns every unit id such that each unit appears after
// all of its prerequisites.
func (r *Resolver) TopologicalOrder() []string {
	return append([]string(nil), r.topo...)
}

// Depth returns the length of the longest prerequisite chain above a unit.
func (r *Resolver) Depth(id string) int {
	return r.depth[id]
}

// Prerequisites returns the units that must complete before id may run,
// from both declared dependencies and edges.
func (r *Resolver) Prerequisites(id string) []string {
	return append([]string(nil), r.prereqs[id]...)
}

// Dependents returns the units that directly wait on id.
func (r *Resolver) Dependents(id string) []string {
	return append([]string(nil), r.dependents[id]...)
}

// Descendants returns every unit that transitively waits on id, in
// topological order.
func (r *Resolver) Descendants(id string) []string {
	reached := map[string]bool{}
	stack := append([]string(nil), r.dependents[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[cur] {
			continue
		}
		reached[cur] = true
		stack = append(stack, r.dependents[cur]...)
	}
	var result []string
	for _, uid := range r.topo {
		if reached[uid] {
			result = append(result, uid)
		}
	}
	return result
}

// IncomingEdges returns the explicit edges that point at id.
func (r *Resolver) IncomingEdges(id string) []*Edge {
	return r.incoming[id]
}

// ReadySet returns the pending units whose prerequisites have all
// completed, ordered by depth ascending, priority descending and then
// declaration order.
func (r *Resolver) ReadySet() []*Unit {
	return r.ReadyAt(time.Time{})
}

// ReadyAt is ReadySet but also excludes units whose backoff gate lies after
// now. A zero now disables the gate. Sequential edges allow only one of
// their targets per source to be running or selected at a time.
func (r *Resolver) ReadyAt(now time.Time) []*Unit {
	var candidates []*Unit
	for _, unit := range r.graph.Units {
		if unit.Status != UnitPending {
			continue
		}
		if !now.IsZero() && unit.NotBefore.After(now) {
			continue
		}
		if r.prerequisitesCompleted(unit.ID) {
			candidates = append(candidates, unit)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if da, db := r.depth[a.ID], r.depth[b.ID]; da != db {
			return da < db
		}
		if pa, pb := a.Priority.Rank(), b.Priority.Rank(); pa != pb {
			return pa > pb
		}
		return r.order[a.ID] < r.order[b.ID]
	})

	busy := map[string]bool{}
	for _, unit := range r.graph.Units {
		if unit.Status != UnitRunning {
			continue
		}
		for _, edge := range r.incoming[unit.ID] {
			if edge.Kind == EdgeSequential {
				busy[edge.From] = true
			}
		}
	}
	ready := make([]*Unit, 0, len(candidates))
	for _, unit := range candidates {
		var sources []string
		blocked := false
		for _, edge := range r.incoming[unit.ID] {
			if edge.Kind != EdgeSequential {
				continue
			}
			if busy[edge.From] {
				blocked = true
				break
			}
			sources = append(sources, edge.From)
		}
		if blocked {
			continue
		}
		for _, src := range sources {
			busy[src] = true
		}
		ready = append(ready, unit)
	}
	return ready
}

func (r *Resolver) prerequisitesCompleted(id string) bool {
	for _, p := range r.prereqs[id] {
		if r.units[p].Status != UnitCompleted {
			return false
		}
	}
	return true
}

// Unreachable returns the transitions for pending units that can never run.
// A unit with a failed, blocked or rolled-back prerequisite becomes
// blocked; otherwise a unit with a skipped prerequisite becomes skipped.
// Transitions are returned in topological order and already account for
// each other, so chains resolve in one call.
func (r *Resolver) Unreachable() []Transition {
	projected := map[string]UnitStatus{}
	status := func(id string) UnitStatus {
		if s, ok := projected[id]; ok {
			return s
		}
		return r.units[id].Status
	}
	var result []Transition
	for _, id := range r.topo {
		if r.units[id].Status != UnitPending {
			continue
		}
		var blockedBy, skippedBy string
		for _, p := range r.prereqs[id] {
			switch status(p) {
			case UnitFailed, UnitBlocked, UnitRolledBack:
				if blockedBy == "" {
					blockedBy = p
				}
			case UnitSkipped:
				if skippedBy == "" {
					skippedBy = p
				}
			}
		}
		switch {
		case blockedBy != "":
			projected[id] = UnitBlocked
			result = append(result, Transition{
				UnitID: id,
				Status: UnitBlocked,
				Cause:  fmt.Sprintf("dependency %s is %s", blockedBy, status(blockedBy)),
			})
		case skippedBy != "":
			projected[id] = UnitSkipped
			result = append(result, Transition{
				UnitID: id,
				Status: UnitSkipped,
				Cause:  fmt.Sprintf("dependency %s was skipped", skippedBy),
			})
		}
	}
	return result
}

// AddUnit appends a unit to the graph and re-indexes it. The graph is left
// unchanged when the unit is rejected.
func (r *Resolver) AddUnit(unit *Unit) error {
	if unit.ID == "" {
		return fmt.Errorf("unit id required")
	}
	if unit.Kind == "" {
		return fmt.Errorf("unit %q: kind required", unit.ID)
	}
	if err := unit.normalize(); err != nil {
		return err
	}
	if _, exists := r.units[unit.ID]; exists {
		return fmt.Errorf("duplicate unit id %q", unit.ID)
	}
	r.graph.Units = append(r.graph.Units, unit)
	if err := r.build(); err != nil {
		r.graph.Units = r.graph.Units[:len(r.graph.Units)-1]
		if rebuildErr := r.build(); rebuildErr != nil {
			return fmt.Errorf("%w (restoring index: %v)", err, rebuildErr)
		}
		return err
	}
	return nil
}

// Unit returns the indexed unit with the given id.
func (r *Resolver) Unit(id string) (*Unit, bool) {
	u, ok := r.units[id]
	return u, ok
}
