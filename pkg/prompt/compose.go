package prompt

import (
	"strings"

	"github.com/harun/tavern/pkg/agent"
	"github.com/harun/tavern/pkg/session"
)

const relevantHeading = "Relevant past conversation:"

// ComposeOptions carries model settings and optional retrieved context.
type ComposeOptions struct {
	Model agent.ModelOptions
	// Context lines are appended to the system instruction.
	Context []string
}

// Compose builds the request for one turn: the rendered system instruction,
// the windowed history in order and the new user message last.
func Compose(tmpl *Template, vars map[string]string, window []session.Turn, userText string, opts ComposeOptions) (agent.LLMRequest, error) {
	system, err := tmpl.Render(vars)
	if err != nil {
		return agent.LLMRequest{}, err
	}

	if len(opts.Context) > 0 {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\n")
		b.WriteString(relevantHeading)
		for _, line := range opts.Context {
			b.WriteString("\n- ")
			b.WriteString(line)
		}
		system = b.String()
	}

	messages := make([]agent.Message, 0, len(window)+1)
	for _, turn := range window {
		if turn.Text == "" {
			continue
		}
		messages = append(messages, agent.Message{Role: string(turn.Role), Content: turn.Text})
	}
	messages = append(messages, agent.Message{Role: string(session.RoleUser), Content: userText})

	return agent.LLMRequest{
		Model:        opts.Model.Model,
		SystemPrompt: system,
		Messages:     messages,
		Temperature:  opts.Model.Temperature,
		MaxTokens:    opts.Model.MaxTokens,
	}, nil
}
