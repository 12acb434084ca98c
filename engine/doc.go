// Package engine contains the reasoning and execution core: an intent
// router that dispatches requests to either a deterministic retrieval
// pipeline or an iterative Thought/Action/Observation loop, a document
// summarization pipeline, and the cancellation and event plumbing shared
// by all routes. Progress is reported as a stream of events the delivery
// layer forwards verbatim.
package engine
