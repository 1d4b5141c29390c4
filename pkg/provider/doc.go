// Package provider adapts LLM backends to a single streamed generation
// contract.
//
// A generation is requested once and consumed as a stream of output
// events: text deltas, tool requests, then exactly one terminal event
// (done or error). Failed generations are restarted from the same
// request, never resumed mid-stream. Errors are normalized to
// GenerationError kinds so callers can decide retry behavior without
// knowing the backend.
//
// Built-in providers: anthropic, openai (including OpenAI-compatible
// endpoints via base URL override) and scripted for offline use.
package provider
