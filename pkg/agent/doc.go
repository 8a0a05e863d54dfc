// Package agent drives one conversational turn: it asks the model, runs the
// tools the model requests, feeds the results back and streams everything to
// an EventSink until the model answers in text or the iteration cap is hit.
//
// Invariants:
//   - Turns of one session are serialized on the session lane of commandqueue.
//   - Tool calls run sequentially, in the order the model issued them.
//   - Memory is written only at commit points: after each tool round and
//     after the final answer.
//   - Nothing is emitted after cancellation is observed or after an error
//     event.
//
// Usage:
//
//	engine, _ := agent.NewEngine(agent.Config{Provider: p, Tools: te, Memory: cache, Queue: q})
//	state, err := engine.Run(ctx, "session-1", "list tables in SCHEMA_A", sink)
package agent
