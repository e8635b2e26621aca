// Package prompt renders system instructions and assembles the message list
// sent to the model.
//
// Templates use {name} placeholders; {{ and }} stand for literal braces.
// Rendering fails with a *TemplateError instead of emitting a placeholder
// that has no value.
package prompt
