package workflow

import (
	"sort"
	"strings"

	"github.com/loomworks/loom/core/fault"
)

// ValidateGraph checks a workflow's node graph at registration time: the
// node list is non-empty, IDs are unique, dependencies resolve within the
// workflow, and the graph is acyclic. On success the dependency levels are
// computed and stored on the workflow so runs never repeat the check.
func ValidateGraph(wf *Workflow) error {
	if wf == nil || len(wf.Nodes) == 0 {
		return fault.New(fault.KindValidation, "workflow has no nodes")
	}
	byID := make(map[string]*Node, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.ID == "" {
			return fault.New(fault.KindValidation, "node id required")
		}
		if _, dup := byID[n.ID]; dup {
			return fault.New(fault.KindValidation, "duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
	}
	for _, n := range wf.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fault.New(fault.KindValidation, "node %q depends on unknown node %q", n.ID, dep)
			}
		}
	}
	levels, err := partitionLevels(wf.Nodes)
	if err != nil {
		return err
	}
	wf.Levels = levels
	return nil
}

// partitionLevels computes dependency levels by repeated topological
// peeling: level 0 holds nodes with no dependencies, level k holds nodes
// whose dependencies are all satisfied by levels < k. Leftover nodes after
// peeling form a cycle.
func partitionLevels(nodes []*Node) ([][]string, error) {
	remaining := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		remaining[n.ID] = n
	}
	placed := make(map[string]bool, len(nodes))
	var levels [][]string
	for len(remaining) > 0 {
		var level []string
		for id, n := range remaining {
			ready := true
			for _, dep := range n.DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			return nil, fault.New(fault.KindValidation, "workflow graph contains a cycle").
				WithDetail("involving %s", strings.Join(sortedKeys(remaining), ", "))
		}
		sort.Strings(level)
		for _, id := range level {
			placed[id] = true
			delete(remaining, id)
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func sortedKeys(m map[string]*Node) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
