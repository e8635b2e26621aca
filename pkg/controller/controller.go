package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/tavern/internal/observability"
	"github.com/harun/tavern/internal/tracing"
	"github.com/harun/tavern/pkg/agent"
	"github.com/harun/tavern/pkg/extract"
	"github.com/harun/tavern/pkg/memory"
	"github.com/harun/tavern/pkg/prompt"
	"github.com/harun/tavern/pkg/session"
	"github.com/harun/tavern/pkg/window"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrEmptyInput is returned for blank user text.
var ErrEmptyInput = errors.New("message is empty")

// Flow selects the conversation behaviour.
type Flow string

const (
	FlowChatbot Flow = "chatbot"
	FlowDungeon Flow = "dungeon"
)

// ParseFlow validates a configured flow name.
func ParseFlow(s string) (Flow, error) {
	switch Flow(strings.ToLower(strings.TrimSpace(s))) {
	case "", FlowChatbot:
		return FlowChatbot, nil
	case FlowDungeon:
		return FlowDungeon, nil
	default:
		return "", fmt.Errorf("unknown flow %q (expected chatbot or dungeon)", s)
	}
}

// DefaultGreeting returns the first assistant message of a flow.
func DefaultGreeting(flow Flow) string {
	if flow == FlowDungeon {
		return "Welcome, adventurer! Before our quest begins, tell me about your character: their name, race, class and alignment."
	}
	return "How can I help you?"
}

// Completer is the completion client used by the controller.
type Completer interface {
	Complete(ctx context.Context, creds agent.CredentialSource, req agent.LLMRequest, schema *agent.ResponseSchema) (*agent.Completion, error)
}

// Config configures a Controller.
type Config struct {
	Flow     Flow
	Window   window.Mode
	Model    agent.ModelOptions
	Greeting string
	// Credential is the process-wide API key; a session credential wins.
	Credential string
	// MemoryLimit caps retrieved memory entries per turn.
	MemoryLimit int

	Client  Completer
	Catalog *prompt.Catalog
	// Memory is optional.
	Memory memory.Backend
	Logger zerolog.Logger
}

// Controller runs turns for one flow. It holds no per-session state.
type Controller struct {
	flow        Flow
	window      window.Mode
	model       agent.ModelOptions
	greeting    string
	credential  agent.StaticCredential
	memoryLimit int

	client  Completer
	catalog *prompt.Catalog
	memory  memory.Backend
	logger  zerolog.Logger
}

// New creates a controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Client == nil {
		return nil, errors.New("completion client is required")
	}
	if cfg.Flow == "" {
		cfg.Flow = FlowChatbot
	}
	if cfg.Flow != FlowChatbot && cfg.Flow != FlowDungeon {
		return nil, fmt.Errorf("unknown flow %q", cfg.Flow)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = prompt.NewCatalog()
	}
	if cfg.Window.Kind == "" {
		cfg.Window = window.Full()
	}
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting(cfg.Flow)
	}

	return &Controller{
		flow:        cfg.Flow,
		window:      cfg.Window,
		model:       cfg.Model,
		greeting:    cfg.Greeting,
		credential:  agent.StaticCredential(cfg.Credential),
		memoryLimit: cfg.MemoryLimit,
		client:      cfg.Client,
		catalog:     cfg.Catalog,
		memory:      cfg.Memory,
		logger:      cfg.Logger.With().Str("component", "controller").Str("flow", string(cfg.Flow)).Logger(),
	}, nil
}

// Flow returns the controller's flow.
func (c *Controller) Flow() Flow { return c.flow }

// Start greets an empty session. Calling it again is a no-op.
func (c *Controller) Start(ctx context.Context, sess *session.Session) (*View, error) {
	if sess.Count() == 0 {
		if err := sess.Append(ctx, session.Turn{Role: session.RoleAssistant, Text: c.greeting}); err != nil {
			return nil, fmt.Errorf("failed to append greeting: %w", err)
		}
	}
	return c.Render(sess), nil
}

// credentials resolves the key for sess: session override first.
func (c *Controller) credentials(sess *session.Session) agent.CredentialSource {
	return agent.CredentialChain{sess, c.credential}
}

// HasCredential reports whether a turn for sess would have an API key.
func (c *Controller) HasCredential(sess *session.Session) bool {
	return c.credentials(sess).Credential() != ""
}

// HandleTurn processes one user message and returns the refreshed view.
func (c *Controller) HandleTurn(ctx context.Context, sess *session.Session, text string) (view *View, err error) {
	ctx = tracing.WithSessionKey(ctx, sess.ID)
	ctx, span := tracing.StartSpan(ctx, "tavern.controller", "controller.handle_turn",
		attribute.String("session_id", sess.ID),
		attribute.String("flow", string(c.flow)),
		attribute.String("phase", string(sess.Phase())),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	start := time.Now()
	defer func() {
		observability.RecordTurn(string(c.flow), outcome(err), time.Since(start))
		if err != nil {
			tracing.Fail(span, err)
		}
	}()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}

	creds := c.credentials(sess)
	if creds.Credential() == "" {
		return nil, agent.ErrCredentialMissing
	}

	state := sess.State()
	phase := sess.Phase()
	visible := window.Apply(sess.Turns(), c.window)

	var recalled []string
	var scope *memory.Scope
	if c.memory != nil {
		scope = memory.NewScope(c.memory, sess.ID, c.memoryLimit)
		recalled, err = scope.Retrieve(ctx, text)
		if err != nil {
			logger.Warn().Err(err).Msg("Memory retrieval failed, continuing without context")
			recalled, err = nil, nil
		}
	}

	tmpl, vars, schema, err := c.phasePrompt(phase, state)
	if err != nil {
		return nil, err
	}

	req, err := prompt.Compose(tmpl, vars, visible, text, prompt.ComposeOptions{
		Model:   c.model,
		Context: recalled,
	})
	if err != nil {
		return nil, err
	}

	comp, err := c.client.Complete(ctx, creds, req, schema)
	if err != nil {
		return nil, err
	}

	warning := ""
	next := state
	if comp.DecodeErr != nil {
		warning = decodeWarning(comp.DecodeErr)
	} else if comp.Payload != nil {
		next, err = extract.Extract(comp.Payload, state)
		if err != nil {
			observability.RecordPayloadDecodeError(comp.Payload.Schema)
			logger.Warn().Err(err).Msg("Payload rejected, keeping previous state")
			warning = decodeWarning(err)
			next, err = state, nil
		}
	}

	// An unreadable payload is not an empty reply: the turn is kept and the
	// view carries the warning.
	if comp.Text == "" && comp.Payload == nil && comp.DecodeErr == nil {
		return nil, &agent.EndpointError{Provider: "completion", Err: errors.New("empty response")}
	}

	if err := sess.Append(ctx, session.Turn{Role: session.RoleUser, Text: text}); err != nil {
		return nil, fmt.Errorf("failed to append user turn: %w", err)
	}
	if comp.Text != "" || comp.Payload != nil {
		if err := sess.Append(ctx, session.Turn{Role: session.RoleAssistant, Text: comp.Text, Payload: comp.Payload}); err != nil {
			return nil, fmt.Errorf("failed to append assistant turn: %w", err)
		}
	}

	nextPhase := phase
	if c.flow == FlowDungeon && phase == session.PhaseCreatingCharacter &&
		next.Character != nil && next.Character.Completed {
		nextPhase = session.PhasePlaying
	}
	if err := sess.Commit(ctx, next, nextPhase); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist session state")
	}

	if nextPhase != phase {
		observability.RecordPhaseTransition(string(nextPhase))
		logger.Info().Str("character", next.Character.Name).Msg("Character complete, quest begins")
	}
	if next.QuestCompleted && !state.QuestCompleted {
		logger.Info().Msg("Quest completed")
	}

	if scope != nil {
		for _, line := range []struct{ role, text string }{{"user", text}, {"assistant", comp.Text}} {
			if line.text == "" {
				continue
			}
			if serr := scope.Store(ctx, line.role+": "+line.text); serr != nil {
				logger.Warn().Err(serr).Msg("Failed to store memory")
			}
		}
	}

	view = c.Render(sess)
	view.Warning = warning
	return view, nil
}

// phasePrompt picks the template, its variables and the payload schema.
func (c *Controller) phasePrompt(phase session.Phase, state session.SideState) (*prompt.Template, map[string]string, *agent.ResponseSchema, error) {
	if c.flow == FlowChatbot {
		tmpl, err := c.catalog.Get(prompt.Chatbot)
		return tmpl, map[string]string{}, nil, err
	}

	if phase == session.PhasePlaying {
		tmpl, err := c.catalog.Get(prompt.Gameplay)
		vars := map[string]string{
			"character": state.Character.String(),
			"state":     state.GameState,
		}
		return tmpl, vars, extract.GameState(), err
	}

	tmpl, err := c.catalog.Get(prompt.CharacterCreation)
	return tmpl, map[string]string{}, extract.Character(), err
}

func decodeWarning(err error) string {
	return fmt.Sprintf("The reply carried a state update that could not be read, so the previous state was kept (%v).", err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyInput):
		return "empty"
	case agent.IsCredentialError(err):
		return "credential"
	case errors.Is(err, prompt.ErrTemplate):
		return "template"
	case errors.Is(err, agent.ErrEndpoint):
		return "endpoint"
	default:
		return "error"
	}
}
