package reducers

import (
	"github.com/roach88/eventsync/internal/client"
	"github.com/roach88/eventsync/internal/ir"
)

// LocalReduce predicts the effect of a graph event on a client snapshot.
// It is idempotent for a given event. Events the server would reject are
// ignored.
func LocalReduce(snap client.Snapshot, ev ir.Event) {
	switch ev.Type {
	case NewNode:
		if n, err := nodeFromEvent(ev); err == nil {
			snap.Map(Nodes)[n.ID] = n.Value()
		}
	case MoveNode:
		id, err := requireID(ev)
		if err != nil {
			return
		}
		nodes := snap.Map(Nodes)
		n, ok := NodeFromValue(nodes[id])
		if !ok {
			return
		}
		n.X, _ = ev.Int("x")
		n.Y, _ = ev.Int("y")
		nodes[id] = n.Value()
	case DeleteNode:
		id, err := requireID(ev)
		if err != nil {
			return
		}
		delete(snap.Map(Nodes), id)
		if _, ok := snap[Edges]; !ok {
			return
		}
		kept := ir.IRArray{}
		for _, v := range snap.List(Edges) {
			if e, ok := EdgeFromValue(v); ok && e.Touches(id) {
				continue
			}
			kept = append(kept, v)
		}
		snap.SetList(Edges, kept)
	case NewEdge:
		e, err := edgeFromEvent(ev)
		if err != nil {
			return
		}
		edges := snap.List(Edges)
		for _, v := range edges {
			if have, ok := EdgeFromValue(v); ok && have == e {
				return
			}
		}
		snap.SetList(Edges, append(edges, e.Value()))
	}
}
