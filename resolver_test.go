package workgraph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestGraph(t *testing.T, units []*Unit, edges ...*Edge) *Graph {
	t.Helper()
	g, err := New(Options{Name: "test", Units: units, Edges: edges})
	require.NoError(t, err)
	for _, unit := range g.Units {
		unit.Status = UnitPending
	}
	return g
}

func unitIDs(units []*Unit) []string {
	ids := make([]string, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	return ids
}

func TestResolverValidate(t *testing.T) {
	t.Run("cycle through edges", func(t *testing.T) {
		g := &Graph{
			Name: "cyclic",
			Units: []*Unit{
				{ID: "a", Kind: "x"},
				{ID: "b", Kind: "x", Dependencies: []string{"a"}},
				{ID: "c", Kind: "x", Dependencies: []string{"b"}},
			},
			Edges: []*Edge{{From: "c", To: "a", Kind: EdgeParallel}},
		}
		err := Validate(g)
		require.ErrorIs(t, err, ErrCycleDetected)
		var cycleErr *CycleError
		require.ErrorAs(t, err, &cycleErr)
		require.Equal(t, []string{"c", "a", "b", "c"}, cycleErr.Path)
	})

	t.Run("self edge", func(t *testing.T) {
		g := &Graph{Name: "self", Units: []*Unit{{ID: "a", Kind: "x", Dependencies: []string{"a"}}}}
		require.ErrorIs(t, Validate(g), ErrCycleDetected)
	})

	t.Run("dangling dependency", func(t *testing.T) {
		g := &Graph{Name: "dangling", Units: []*Unit{{ID: "a", Kind: "x", Dependencies: []string{"ghost"}}}}
		err := Validate(g)
		require.ErrorIs(t, err, ErrDanglingDependency)
		var danglingErr *DanglingDependencyError
		require.ErrorAs(t, err, &danglingErr)
		require.Equal(t, "ghost", danglingErr.Reference)
	})

	t.Run("dangling edge", func(t *testing.T) {
		g := &Graph{
			Name:  "dangling",
			Units: []*Unit{{ID: "a", Kind: "x"}},
			Edges: []*Edge{{From: "a", To: "nowhere"}},
		}
		require.ErrorIs(t, Validate(g), ErrDanglingDependency)
	})

	t.Run("duplicate edge is fine", func(t *testing.T) {
		g := &Graph{
			Name:  "dup",
			Units: []*Unit{{ID: "a", Kind: "x"}, {ID: "b", Kind: "x", Dependencies: []string{"a"}}},
			Edges: []*Edge{{From: "a", To: "b"}},
		}
		require.NoError(t, Validate(g))
	})
}

func TestReadySet(t *testing.T) {
	g := newTestGraph(t, []*Unit{
		{ID: "root", Kind: "x"},
		{ID: "low", Kind: "x", Priority: PriorityLow},
		{ID: "crit", Kind: "x", Priority: PriorityCritical},
		{ID: "child", Kind: "x", Dependencies: []string{"root"}, Priority: PriorityCritical},
		{ID: "grandchild", Kind: "x", Dependencies: []string{"child"}},
	})
	r, err := NewResolver(g)
	require.NoError(t, err)

	require.Equal(t, []string{"crit", "root", "low"}, unitIDs(r.ReadySet()))

	root, _ := r.Unit("root")
	root.Status = UnitCompleted
	require.Equal(t, []string{"crit", "low", "child"}, unitIDs(r.ReadySet()))

	child, _ := r.Unit("child")
	child.Status = UnitRunning
	require.Equal(t, []string{"crit", "low"}, unitIDs(r.ReadySet()))

	require.Equal(t, 0, r.Depth("root"))
	require.Equal(t, 2, r.Depth("grandchild"))
	require.Equal(t, []string{"root", "low", "crit", "child", "grandchild"}, r.TopologicalOrder())
}

func TestReadySetNeverIncludesIncompleteDependencies(t *testing.T) {
	g := newTestGraph(t, []*Unit{
		{ID: "a", Kind: "x"},
		{ID: "b", Kind: "x", Dependencies: []string{"a"}},
		{ID: "c", Kind: "x"},
		{ID: "d", Kind: "x", Dependencies: []string{"b", "c"}},
		{ID: "e", Kind: "x"},
	}, &Edge{From: "e", To: "d", Kind: EdgeParallel})
	r, err := NewResolver(g)
	require.NoError(t, err)

	statuses := []UnitStatus{UnitPending, UnitRunning, UnitCompleted, UnitFailed}
	// Every assignment of statuses to a, b, c and e.
	for mask := 0; mask < 256; mask++ {
		for i, id := range []string{"a", "b", "c", "e"} {
			u, _ := r.Unit(id)
			u.Status = statuses[(mask>>(2*i))&3]
		}
		d, _ := r.Unit("d")
		d.Status = UnitPending
		for _, ready := range r.ReadySet() {
			require.Equal(t, UnitPending, ready.Status)
			for _, dep := range r.Prerequisites(ready.ID) {
				u, _ := r.Unit(dep)
				require.Equal(t, UnitCompleted, u.Status, "unit %s ready before %s completed", ready.ID, dep)
			}
		}
	}
}

func TestReadyAtHonoursBackoff(t *testing.T) {
	g := newTestGraph(t, []*Unit{{ID: "a", Kind: "x"}})
	r, err := NewResolver(g)
	require.NoError(t, err)
	now := g.Units[0].CreatedAt
	g.Units[0].NotBefore = now.Add(1)
	require.Empty(t, r.ReadyAt(now))
	require.Len(t, r.ReadyAt(now.Add(1)), 1)
	require.Len(t, r.ReadySet(), 1)
}

func TestSequentialEdgesAreExclusive(t *testing.T) {
	g := newTestGraph(t, []*Unit{
		{ID: "src", Kind: "x"},
		{ID: "s1", Kind: "x"},
		{ID: "s2", Kind: "x"},
		{ID: "p1", Kind: "x"},
		{ID: "p2", Kind: "x"},
	},
		&Edge{From: "src", To: "s1", Kind: EdgeSequential},
		&Edge{From: "src", To: "s2", Kind: EdgeSequential},
		&Edge{From: "src", To: "p1", Kind: EdgeParallel},
		&Edge{From: "src", To: "p2", Kind: EdgeParallel},
	)
	r, err := NewResolver(g)
	require.NoError(t, err)
	src, _ := r.Unit("src")
	src.Status = UnitCompleted

	require.Equal(t, []string{"s1", "p1", "p2"}, unitIDs(r.ReadySet()))

	s1, _ := r.Unit("s1")
	s1.Status = UnitRunning
	require.Equal(t, []string{"p1", "p2"}, unitIDs(r.ReadySet()))

	s1.Status = UnitCompleted
	require.Equal(t, []string{"s2", "p1", "p2"}, unitIDs(r.ReadySet()))
}

func TestUnreachable(t *testing.T) {
	g := newTestGraph(t, []*Unit{
		{ID: "a", Kind: "x"},
		{ID: "b", Kind: "x", Dependencies: []string{"a"}},
		{ID: "c", Kind: "x", Dependencies: []string{"b"}},
		{ID: "s", Kind: "x"},
		{ID: "t", Kind: "x", Dependencies: []string{"s"}},
		{ID: "mixed", Kind: "x", Dependencies: []string{"s", "a"}},
	})
	r, err := NewResolver(g)
	require.NoError(t, err)

	a, _ := r.Unit("a")
	a.Status = UnitFailed
	s, _ := r.Unit("s")
	s.Status = UnitSkipped

	transitions := r.Unreachable()
	got := map[string]UnitStatus{}
	for _, tr := range transitions {
		got[tr.UnitID] = tr.Status
	}
	require.Equal(t, map[string]UnitStatus{
		"b":     UnitBlocked,
		"c":     UnitBlocked,
		"t":     UnitSkipped,
		"mixed": UnitBlocked,
	}, got)
	require.Equal(t, "b", transitions[0].UnitID)

	require.Equal(t, []string{"b", "c", "mixed"}, r.Descendants("a"))
	require.Equal(t, []string{"b", "mixed"}, r.Dependents("a"))
}

func TestResolverAddUnit(t *testing.T) {
	g := newTestGraph(t, []*Unit{{ID: "a", Kind: "x"}})
	r, err := NewResolver(g)
	require.NoError(t, err)

	require.NoError(t, r.AddUnit(&Unit{ID: "b", Kind: "x", Dependencies: []string{"a"}}))
	require.Equal(t, []string{"a"}, r.Prerequisites("b"))
	require.Len(t, g.Units, 2)

	err = r.AddUnit(&Unit{ID: "c", Kind: "x", Dependencies: []string{"ghost"}})
	require.ErrorIs(t, err, ErrDanglingDependency)
	require.Len(t, g.Units, 2)
	_, ok := r.Unit("c")
	require.False(t, ok)

	require.Error(t, r.AddUnit(&Unit{ID: "a", Kind: "x"}))
	require.Error(t, r.AddUnit(&Unit{ID: "d"}))
}
