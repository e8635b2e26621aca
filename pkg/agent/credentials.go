package agent

import "strings"

// CredentialSource supplies the API key for one call.
type CredentialSource interface {
	Credential() string
}

// StaticCredential is a fixed API key.
type StaticCredential string

func (s StaticCredential) Credential() string { return strings.TrimSpace(string(s)) }

// CredentialChain returns the first non-empty credential of its sources.
type CredentialChain []CredentialSource

func (c CredentialChain) Credential() string {
	for _, src := range c {
		if src == nil {
			continue
		}
		if key := strings.TrimSpace(src.Credential()); key != "" {
			return key
		}
	}
	return ""
}
