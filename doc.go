// Package celerity is a distributed task queue: tasks are registered on an
// App, sent to a broker (Redis Streams, RabbitMQ or in-memory) and executed by
// workers, with results kept in a result backend (Redis, SQL or in-memory).
//
// Calls compose through canvas primitives (chain, group, chord, map, starmap,
// chunks), periodic sends come from Beat, and Control inspects and steers the
// running workers.
package celerity
