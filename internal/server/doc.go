// Package server exposes a Processor over HTTP with gin: event dispatch,
// document snapshots and a websocket feed of committed changes.
package server
