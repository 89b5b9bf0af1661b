package workgraph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	g := &Graph{Units: []*Unit{
		{ID: "a", Status: UnitCompleted, Progress: 100, Labels: map[string]string{"block": "build"}},
		{ID: "b", Status: UnitRunning, Progress: 50, Labels: map[string]string{"block": "build"}},
		{ID: "c", Status: UnitFailed, Progress: 10, Labels: map[string]string{"block": "test"}},
		{ID: "d", Status: UnitBlocked},
		{ID: "e", Status: UnitSkipped, Progress: 100},
		{ID: "f", Status: UnitPending},
	}}

	s := Summarize(g)
	require.Equal(t, Summary{
		TotalUnits:      6,
		Pending:         1,
		Running:         1,
		Completed:       1,
		Failed:          1,
		Blocked:         1,
		Skipped:         1,
		OverallProgress: 43,
	}, s)
	require.Equal(t, s, Summarize(g), "summaries are idempotent")
	require.Equal(t, UnitRunning, g.Units[1].Status)

	groups := SummarizeGroups(g, "block")
	require.Len(t, groups, 3)
	require.Equal(t, "", groups[0].Group)
	require.Equal(t, 3, groups[0].TotalUnits)
	require.Equal(t, "build", groups[1].Group)
	require.Equal(t, 75, groups[1].OverallProgress)
	require.Equal(t, "test", groups[2].Group)
	require.Equal(t, 1, groups[2].Failed)
}

func TestOverallProgress(t *testing.T) {
	require.Equal(t, 0, OverallProgress(nil))
	require.Equal(t, 100, OverallProgress([]*Unit{{Progress: 100}, {Progress: 150}}))
	require.Equal(t, 33, OverallProgress([]*Unit{{Progress: 100}, {Progress: 0}, {Progress: -5}}))
}
