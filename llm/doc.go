// Package llm defines the unified model provider interface and the
// concurrency-bounded caller the rest of the engine goes through.
//
// The engine never talks to a model backend directly: every completion or
// stream request passes through a Caller, whose weighted semaphore is the
// primary backpressure mechanism against overloading the backend.
package llm
