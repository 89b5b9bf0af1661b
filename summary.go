package workgraph

import "sort"

// Summary counts units by status. It is derived from a graph and never
// stored.
type Summary struct {
	TotalUnits      int `json:"total_units"`
	Idle            int `json:"idle"`
	Pending         int `json:"pending"`
	Running         int `json:"running"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	Blocked         int `json:"blocked"`
	Skipped         int `json:"skipped"`
	RolledBack      int `json:"rolled_back"`
	OverallProgress int `json:"overall_progress"`
}

// Summarize counts the units of a graph by status and computes overall
// progress. It does not modify the graph.
func Summarize(g *Graph) Summary {
	s := Summary{TotalUnits: len(g.Units)}
	for _, unit := range g.Units {
		switch unit.Status {
		case UnitIdle:
			s.Idle++
		case UnitPending:
			s.Pending++
		case UnitRunning:
			s.Running++
		case UnitCompleted:
			s.Completed++
		case UnitFailed:
			s.Failed++
		case UnitBlocked:
			s.Blocked++
		case UnitSkipped:
			s.Skipped++
		case UnitRolledBack:
			s.RolledBack++
		}
	}
	s.OverallProgress = OverallProgress(g.Units)
	return s
}

// OverallProgress is the unweighted mean of unit progress, rounded down. An
// empty set of units has progress 0.
func OverallProgress(units []*Unit) int {
	if len(units) == 0 {
		return 0
	}
	total := 0
	for _, unit := range units {
		total += clampProgress(unit.Progress)
	}
	return total / len(units)
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// GroupSummary is the progress of units sharing a label value.
type GroupSummary struct {
	Group string `json:"group"`
	Summary
}

// SummarizeGroups summarizes the units of a graph grouped by the value of
// a label, sorted by group name. Units without the label are grouped under
// the empty string.
func SummarizeGroups(g *Graph, label string) []GroupSummary {
	groups := map[string][]*Unit{}
	for _, unit := range g.Units {
		key := unit.Label(label)
		groups[key] = append(groups[key], unit)
	}
	result := make([]GroupSummary, 0, len(groups))
	for name, units := range groups {
		result = append(result, GroupSummary{
			Group:   name,
			Summary: Summarize(&Graph{Units: units}),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Group < result[j].Group
	})
	return result
}
