package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/tavern/pkg/controller"
	"github.com/rs/zerolog"
)

// CommandFunc handles one slash command.
type CommandFunc func(ctx context.Context, cmd CommandContext) error

// CommandContext contains command metadata.
type CommandContext struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	Command   string
	Args      []string
	RawArgs   string
}

type command struct {
	description string
	handler     CommandFunc
}

// Commands dispatches slash commands.
type Commands struct {
	bot      *Bot
	logger   zerolog.Logger
	handlers map[string]command
}

func newCommands(bot *Bot) *Commands {
	c := &Commands{
		bot:      bot,
		logger:   bot.logger.With().Str("module", "commands").Logger(),
		handlers: make(map[string]command),
	}
	c.Register("start", "Start or resume the conversation", c.handleStart)
	c.Register("sheet", "Show the character sheet and game state", c.handleSheet)
	c.Register("key", "Set your API key: /key <key>", c.handleKey)
	c.Register("reset", "Forget this conversation", c.handleReset)
	c.Register("help", "List commands", c.handleHelp)
	return c
}

// Register adds or replaces a command handler.
func (c *Commands) Register(name, description string, handler CommandFunc) {
	c.handlers[name] = command{description: description, handler: handler}
}

// Names returns the registered commands, sorted.
func (c *Commands) Names() []string {
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish sets the bot's command menu in Telegram.
func (c *Commands) Publish() error {
	list := make([]tgbotapi.BotCommand, 0, len(c.handlers))
	for _, name := range c.Names() {
		list = append(list, tgbotapi.BotCommand{Command: name, Description: c.handlers[name].description})
	}
	if _, err := c.bot.api.Request(tgbotapi.NewSetMyCommands(list...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	c.logger.Info().Int("count", len(list)).Msg("Bot commands updated")
	return nil
}

// HandleCommand parses and runs a command message.
func (c *Commands) HandleCommand(ctx context.Context, update tgbotapi.Update) error {
	if update.Message == nil || !update.Message.IsCommand() {
		return nil
	}

	msg := update.Message
	cmd := CommandContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Command:   msg.Command(),
		Args:      strings.Fields(msg.CommandArguments()),
		RawArgs:   msg.CommandArguments(),
	}
	if msg.From != nil {
		cmd.UserID = msg.From.ID
		cmd.Username = msg.From.UserName
	}

	// Arguments are not logged: /key carries a secret.
	c.logger.Debug().
		Int64("chat_id", cmd.ChatID).
		Str("command", cmd.Command).
		Msg("Command received")

	handler, exists := c.handlers[cmd.Command]
	if !exists {
		return c.bot.reply(cmd.ChatID, cmd.MessageID, fmt.Sprintf("Unknown command: /%s", cmd.Command))
	}
	return handler.handler(ctx, cmd)
}

func (c *Commands) handleStart(ctx context.Context, cmd CommandContext) error {
	sess, _, err := c.bot.session(ctx, cmd.ChatID)
	if err != nil {
		return err
	}
	view := c.bot.ctrl.Render(sess)
	text := view.LastAssistantText()
	if len(view.Turns) > 1 {
		text = "Welcome back. " + text
	}
	if !c.bot.ctrl.HasCredential(sess) {
		text += "\n\n" + credentialPrompt
	}
	return c.bot.reply(cmd.ChatID, 0, text)
}

func (c *Commands) handleSheet(ctx context.Context, cmd CommandContext) error {
	sess, _, err := c.bot.session(ctx, cmd.ChatID)
	if err != nil {
		return err
	}
	return c.bot.reply(cmd.ChatID, cmd.MessageID, formatSheet(c.bot.ctrl.Render(sess)))
}

func (c *Commands) handleKey(ctx context.Context, cmd CommandContext) error {
	key := strings.TrimSpace(cmd.RawArgs)
	if key == "" {
		return c.bot.reply(cmd.ChatID, cmd.MessageID, "Usage: /key <your API key>")
	}
	sess, _, err := c.bot.session(ctx, cmd.ChatID)
	if err != nil {
		return err
	}
	sess.SetCredential(key)

	// The key should not linger in the chat history.
	if _, err := c.bot.api.Request(tgbotapi.NewDeleteMessage(cmd.ChatID, cmd.MessageID)); err != nil {
		c.logger.Debug().Err(err).Msg("Could not delete key message")
	}
	return c.bot.reply(cmd.ChatID, 0, "API key saved for this chat. Send your message again.")
}

func (c *Commands) handleReset(ctx context.Context, cmd CommandContext) error {
	if _, err := c.bot.sessions.Reset(sessionID(cmd.ChatID)); err != nil {
		return err
	}
	return c.bot.reply(cmd.ChatID, cmd.MessageID, "Conversation forgotten. Send /start to begin again.")
}

func (c *Commands) handleHelp(ctx context.Context, cmd CommandContext) error {
	var b strings.Builder
	for _, name := range c.Names() {
		fmt.Fprintf(&b, "/%s - %s\n", name, c.handlers[name].description)
	}
	return c.bot.reply(cmd.ChatID, cmd.MessageID, strings.TrimRight(b.String(), "\n"))
}

// formatSheet renders the side panel as plain text.
func formatSheet(view *controller.View) string {
	if view.Flow != controller.FlowDungeon {
		return "There is no character sheet in this conversation."
	}

	var b strings.Builder
	b.WriteString("Character\n")
	if view.Character != nil {
		b.WriteString(view.Character.String())
	} else {
		b.WriteString("No character yet.")
	}
	b.WriteString("\n\nGame state\n")
	if view.GameState != "" {
		b.WriteString(view.GameState)
	} else {
		b.WriteString("The quest has not started.")
	}
	if view.QuestCompleted {
		b.WriteString("\n\nQuest completed!")
	}
	return b.String()
}
