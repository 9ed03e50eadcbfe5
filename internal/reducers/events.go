package reducers

import (
	"errors"
	"fmt"

	"github.com/roach88/eventsync/internal/engine"
	"github.com/roach88/eventsync/internal/ir"
)

// Event types of the graph domain.
const (
	NewNode    = "new-node"
	MoveNode   = "move-node"
	DeleteNode = "delete-node"
	NewEdge    = "new-edge"
	Periodic   = engine.PeriodicEventType
)

// Container names.
const (
	Nodes = "nodes"
	Edges = "edges"
	Meta  = "meta"
)

// Keys are the containers a graph override can affect.
var Keys = []string{Nodes, Edges}

// ErrUnknownNode is returned when an event names a node that does not exist.
var ErrUnknownNode = errors.New("unknown node")

// Node is one graph node.
type Node struct {
	ID    string
	Label string
	X, Y  int64
}

// Value encodes n as stored in the nodes container.
func (n Node) Value() ir.IRObject {
	return ir.Obj(
		ir.O("id", ir.IRString(n.ID)),
		ir.O("label", ir.IRString(n.Label)),
		ir.O("x", ir.IRInt(n.X)),
		ir.O("y", ir.IRInt(n.Y)),
	)
}

// Edge connects two nodes.
type Edge struct {
	From string
	To   string
}

// Value encodes e as stored in the edges list.
func (e Edge) Value() ir.IRObject {
	return ir.Obj(
		ir.O("from", ir.IRString(e.From)),
		ir.O("to", ir.IRString(e.To)),
	)
}

// Touches reports whether e starts or ends at node id.
func (e Edge) Touches(id string) bool {
	return e.From == id || e.To == id
}

// NewNodeEvent builds a new-node event.
func NewNodeEvent(n Node) ir.Event {
	return ir.NewEvent(NewNode, n.Value())
}

// MoveNodeEvent builds a move-node event.
func MoveNodeEvent(id string, x, y int64) ir.Event {
	return ir.NewEvent(MoveNode, ir.Obj(
		ir.O("id", ir.IRString(id)),
		ir.O("x", ir.IRInt(x)),
		ir.O("y", ir.IRInt(y)),
	))
}

// DeleteNodeEvent builds a delete-node event.
func DeleteNodeEvent(id string) ir.Event {
	return ir.NewEvent(DeleteNode, ir.Obj(ir.O("id", ir.IRString(id))))
}

// NewEdgeEvent builds a new-edge event.
func NewEdgeEvent(from, to string) ir.Event {
	return ir.NewEvent(NewEdge, Edge{From: from, To: to}.Value())
}

func requireID(ev ir.Event) (string, error) {
	id, ok := ev.String("id")
	if !ok || id == "" {
		return "", fmt.Errorf("%s: missing node id", ev.Type)
	}
	return id, nil
}

func nodeFromEvent(ev ir.Event) (Node, error) {
	id, err := requireID(ev)
	if err != nil {
		return Node{}, err
	}
	n := Node{ID: id}
	n.Label, _ = ev.String("label")
	n.X, _ = ev.Int("x")
	n.Y, _ = ev.Int("y")
	return n, nil
}

func edgeFromEvent(ev ir.Event) (Edge, error) {
	from, _ := ev.String("from")
	to, _ := ev.String("to")
	if from == "" || to == "" {
		return Edge{}, fmt.Errorf("%s: edge needs from and to", ev.Type)
	}
	return Edge{From: from, To: to}, nil
}

// NodeFromValue decodes a stored node.
func NodeFromValue(v ir.IRValue) (Node, bool) {
	obj, ok := v.(ir.IRObject)
	if !ok {
		return Node{}, false
	}
	var n Node
	id, _ := obj["id"].(ir.IRString)
	label, _ := obj["label"].(ir.IRString)
	x, _ := obj["x"].(ir.IRInt)
	y, _ := obj["y"].(ir.IRInt)
	n.ID, n.Label, n.X, n.Y = string(id), string(label), int64(x), int64(y)
	return n, n.ID != ""
}

// EdgeFromValue decodes a stored edge.
func EdgeFromValue(v ir.IRValue) (Edge, bool) {
	obj, ok := v.(ir.IRObject)
	if !ok {
		return Edge{}, false
	}
	from, _ := obj["from"].(ir.IRString)
	to, _ := obj["to"].(ir.IRString)
	return Edge{From: string(from), To: string(to)}, from != "" && to != ""
}
