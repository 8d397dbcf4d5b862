package autoflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flexinfer/autoflow/pkg/types"
)

// export renders the adjacency JSON structure. Nodes appear in
// declaration order; edges are sorted by (from, to) declaration order so
// identical builds serialize identically.
func (d *dag) export() *types.GraphExport {
	out := &types.GraphExport{Flow: d.flow}

	ordered := append([]string{}, d.order...)
	sort.Slice(ordered, func(i, j int) bool {
		return d.nodes[ordered[i]].seq < d.nodes[ordered[j]].seq
	})

	for _, id := range ordered {
		n := d.nodes[id]
		out.Nodes = append(out.Nodes, types.GraphNode{
			ID:    id,
			Label: n.label(),
			Kind:  string(n.kind),
		})
	}
	for _, from := range ordered {
		targets := make([]string, 0, len(d.nodes[from].downstream))
		for to := range d.nodes[from].downstream {
			targets = append(targets, to)
		}
		sort.Slice(targets, func(i, j int) bool {
			return d.nodes[targets[i]].seq < d.nodes[targets[j]].seq
		})
		for _, to := range targets {
			out.Edges = append(out.Edges, types.GraphEdge{From: from, To: to})
		}
	}
	out.Count = len(out.Nodes)
	return out
}

// exportDOT renders the graph in DOT form. Fan-out barriers draw as
// diamonds and every dependency on a fan-out routes through the barrier;
// there are no bypass edges from a source to a downstream consumer.
func (d *dag) exportDOT() string {
	exp := d.export()

	var sb strings.Builder
	sb.WriteString("digraph ")
	sb.WriteString(fmt.Sprintf("%q", d.flow))
	sb.WriteString(" {\n")
	for _, n := range exp.Nodes {
		if n.Kind == string(types.NodeKindFanOut) {
			sb.WriteString(fmt.Sprintf("  %q [shape=diamond label=%q];\n", n.ID, n.Label))
		} else {
			sb.WriteString(fmt.Sprintf("  %q [label=%q];\n", n.ID, n.Label))
		}
	}
	for _, e := range exp.Edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q;\n", e.From, e.To))
	}
	sb.WriteString("}\n")
	return sb.String()
}
