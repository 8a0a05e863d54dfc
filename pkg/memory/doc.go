// Package memory keeps recent conversation history per session in a bounded,
// expiring, in-process cache.
//
// Invariants:
// - The cache never holds more than MaxSessions entries; the least recently accessed entry is evicted first.
// - A session never holds more than MaxMessages messages; the oldest are dropped after every append.
// - Every access refreshes a session's expiry clock.
// - Each removed entry (capacity, expiry or explicit) notifies listeners and decrements the active gauge exactly once.
// - Read-modify-write on one session is atomic with respect to other writers of the same session.
//
// Usage:
//
//	cache := memory.New(memory.Config{MaxMessages: 20, MaxSessions: 1000, TTL: 30 * time.Minute})
//	cache.Append("session-1", memory.Message{Role: memory.RoleUser, Content: "hello"})
//	history := cache.Get("session-1", 50)
//	_ = history
package memory
