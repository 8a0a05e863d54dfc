// Package stream implements the line-oriented chat stream protocol.
//
// Each record is "<code>:<json>\n". Codes: 0 text, 9 tool call started,
// a tool result, d finished, e error.
//
// Invariants:
//   - Records from one Encoder are written whole and in call order.
//   - A turn ends with exactly one d or e record.
//   - The Decoder never fails on content: unknown prefixes and malformed JSON
//     become Raw events carrying the line as-is.
//   - One space after a transport marker ("data:") is tolerated.
//
// Usage:
//
//	enc := stream.NewEncoder(w, stream.WithSSE())
//	_ = enc.Text("Hello")
//	_ = enc.Finish(stream.FinishStop)
//
//	dec := stream.NewDecoder(resp.Body)
//	var msg stream.Message
//	for {
//		ev, err := dec.Next()
//		if err != nil {
//			break
//		}
//		msg.Apply(ev)
//	}
package stream
