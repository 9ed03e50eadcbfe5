// Package client is the client side of event dispatch.
//
// A Client forwards events to the server-side processor through a
// Dispatcher: LocalDispatcher for an in-process engine, HTTPDispatcher for a
// remote server, and JitterDispatcher to add simulated network latency.
//
// Sequences stamp events with a sequence id and an increasing counter and
// latch on the first failure. OverrideSequence adds client optimism: each
// event is first applied by a local reducer to the LocalOverrider read
// model, so the UI can show the predicted result before the server answers.
//
// Feed keeps a replica document in sync with the server's update stream;
// a LocalOverrider over that replica is the usual UI read model.
package client
