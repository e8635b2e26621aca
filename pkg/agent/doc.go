// Package agent sends composed prompts to a hosted LLM and returns its text
// plus an optional structured payload.
//
// Invariants:
// - A call with no credential fails with ErrCredentialMissing before any network I/O.
// - Providers are built with SDK retries disabled; nothing here retries.
// - A malformed payload never hides the text: it is reported on Completion.DecodeErr.
//
// Usage:
//
//	client := agent.NewClient(agent.ClientConfig{Profile: agent.AuthProfile{Provider: "openai"}})
//	comp, err := client.Complete(ctx, agent.StaticCredential(key), req, schema)
//	if agent.IsCredentialError(err) {
//		// ask the operator for a key
//	}
//	_ = comp
package agent
