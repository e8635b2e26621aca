// Package session holds conversation turns and per-conversation side-state.
//
// Invariants:
// - Turns are append-only; All returns them in insertion order.
// - A stored turn is never mutated; callers receive copies.
// - Each Session owns its own Store and side-state, so sessions never share turns.
// - Side-state is replaced wholesale, never merged field by field.
//
// Usage:
//
//	reg := session.NewRegistry(session.RegistryConfig{})
//	sess, _ := reg.GetOrCreate(ctx, "abc")
//	_ = sess.Append(ctx, session.Turn{Role: session.RoleUser, Text: "hello"})
//	turns := sess.Turns()
//	_ = turns
package session
