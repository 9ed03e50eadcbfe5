// Package reducers holds the sample graph domain: a node/edge whiteboard
// kept in two containers of the shared document.
//
//	nodes  map   node id -> {"id", "label", "x", "y"}
//	edges  list  {"from", "to"}
//	meta   map   "last_tick", "ticks"
//
// Graph is the server-side reducer. LocalReduce predicts the same effect
// on a client snapshot for the Local Override Layer.
package reducers
