// Package ingest feeds change events into the pipeline from outside the
// process and exposes the operator API.
//
// Events arrive over HTTP (POST /v1/events, JSON, msgpack or CBOR chosen by
// Content-Type) or from a ZeroMQ SUB socket carrying msgpack frames. Both
// paths decode into WireEvent and submit through the same Pipeline
// interface, so backpressure surfaces identically: HTTP answers 429 with
// Retry-After and the ZeroMQ source logs and drops (the event is already
// in the dead-letter sink).
package ingest
