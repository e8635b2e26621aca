// Package memory stores past conversation text and retrieves the entries
// most relevant to a new query.
//
// Invariants:
// - Entries are scoped by session key; Retrieve never crosses sessions.
// - Without an embedding provider, retrieval degrades to keyword matching.
//
// Usage:
//
//	backend, _ := memory.NewStore(ctx, memory.Config{DBPath: "memory.db"})
//	scope := memory.NewScope(backend, sessionID, 3)
//	_ = scope.Store(ctx, "user: I am an elf")
//	hits, _ := scope.Retrieve(ctx, "what race am I?")
//	_ = hits
package memory
