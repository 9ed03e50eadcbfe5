// Package schema validates event payloads against CUE schemas.
//
// A schema source declares one struct per event type under the top-level
// events field:
//
//	events: "move-node": {
//		id: string
//		x:  int
//		y:  int
//	}
//
// An event is unified with the schema of its type and must be concrete.
// Events whose type has no schema pass unchecked. Sequence metadata is not
// part of the payload and is never checked here.
package schema
