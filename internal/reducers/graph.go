package reducers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/engine"
	"github.com/roach88/eventsync/internal/ir"
)

// Graph is the server-side reducer of the graph domain.
type Graph struct{}

// Name implements the named-reducer convention of the engine.
func (Graph) Name() string { return "graph" }

// Reduce applies one event to the document. Unknown types are a no-op.
func (g Graph) Reduce(ctx context.Context, args engine.ReduceArgs) error {
	ev := args.Event
	switch ev.Type {
	case NewNode:
		return g.newNode(args.Doc, ev)
	case MoveNode:
		return g.moveNode(args.Doc, ev)
	case DeleteNode:
		return g.deleteNode(args.Doc, ev)
	case NewEdge:
		return g.newEdge(args.Doc, ev)
	case Periodic:
		return g.periodic(args.Doc, ev)
	default:
		return nil
	}
}

func (Graph) newNode(d *doc.Document, ev ir.Event) error {
	n, err := nodeFromEvent(ev)
	if err != nil {
		return err
	}
	d.Map(Nodes).Set(n.ID, n.Value())
	return nil
}

func (Graph) moveNode(d *doc.Document, ev ir.Event) error {
	id, err := requireID(ev)
	if err != nil {
		return err
	}
	nodes := d.Map(Nodes)
	v, ok := nodes.Get(id)
	if !ok {
		return fmt.Errorf("move %q: %w", id, ErrUnknownNode)
	}
	n, _ := NodeFromValue(v)
	n.X, _ = ev.Int("x")
	n.Y, _ = ev.Int("y")
	nodes.Set(id, n.Value())
	return nil
}

func (Graph) deleteNode(d *doc.Document, ev ir.Event) error {
	id, err := requireID(ev)
	if err != nil {
		return err
	}
	if !d.Map(Nodes).Delete(id) {
		return fmt.Errorf("delete %q: %w", id, ErrUnknownNode)
	}

	edges := d.List(Edges)
	removed := 0
	for i := edges.Len() - 1; i >= 0; i-- {
		v, _ := edges.Get(i)
		if e, ok := EdgeFromValue(v); ok && e.Touches(id) {
			removed += edges.Delete(i, 1)
		}
	}
	if removed > 0 {
		slog.Debug("removed dangling edges", "node", id, "edges", removed)
	}
	return nil
}

func (Graph) newEdge(d *doc.Document, ev ir.Event) error {
	e, err := edgeFromEvent(ev)
	if err != nil {
		return err
	}
	nodes := d.Map(Nodes)
	for _, id := range []string{e.From, e.To} {
		if !nodes.Has(id) {
			return fmt.Errorf("edge %s->%s: %q: %w", e.From, e.To, id, ErrUnknownNode)
		}
	}
	d.List(Edges).Push(e.Value())
	return nil
}

func (Graph) periodic(d *doc.Document, ev ir.Event) error {
	meta := d.Map(Meta)
	if date, ok := ev.String("date"); ok {
		meta.Set("last_tick", ir.IRString(date))
	}
	ticks := int64(0)
	if v, ok := meta.Get("ticks"); ok {
		if n, ok := v.(ir.IRInt); ok {
			ticks = int64(n)
		}
	}
	meta.Set("ticks", ir.IRInt(ticks+1))
	return nil
}

// Register adds the graph reducer to p.
func Register(p *engine.Processor) {
	p.AddReducer(Graph{})
}
