// Package controller drives one conversation turn end to end: window,
// prompt, completion, state extraction, append and render.
//
// Invariants:
// - A failed turn leaves the session exactly as it was: no turns, no state change.
// - The user turn and the assistant turn are appended together, in that order.
// - The dungeon flow moves from creating_character to playing once, when the
//   character sheet reports completed; nothing moves it back.
// - Callers serialize HandleTurn per session (see commandqueue).
package controller
