package telegram

import (
	"context"
	"errors"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/tavern/internal/tracing"
	"github.com/harun/tavern/pkg/agent"
	"github.com/harun/tavern/pkg/controller"
)

const (
	credentialPrompt   = "An API key is required. Send /key <your API key>, then repeat your message."
	credentialRejected = "The API key was rejected. Send /key <your API key> with a valid key, then repeat your message."
)

// handleText runs a user turn through the chat's lane. The update ID is the
// dedup key, so a redelivered update does not run twice.
func (b *Bot) handleText(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	chatID := msg.Chat.ID

	ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, b.logger)

	sess, _, err := b.session(ctx, chatID)
	if err != nil {
		return err
	}

	b.typing(chatID)

	lane := "telegram:" + strconv.FormatInt(chatID, 10)
	res, err := b.queue.EnqueueOnce(ctx, lane, strconv.Itoa(update.UpdateID), func(ctx context.Context) (interface{}, error) {
		view, err := b.ctrl.HandleTurn(ctx, sess, msg.Text)
		if err != nil {
			return nil, err
		}
		return view, nil
	})
	if err != nil {
		logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Turn failed")
		return b.reply(chatID, msg.MessageID, errorReply(err))
	}

	view := res.(*controller.View)
	text := ""
	if turns := sess.Turns(); len(turns) > 0 {
		text = turns[len(turns)-1].Text
	}
	if view.Warning != "" {
		text += "\n\n(" + view.Warning + ")"
	}
	if text == "" {
		// Payload-only reply: show what changed.
		text = formatSheet(view)
	}
	return b.reply(chatID, msg.MessageID, text)
}

// errorReply turns a turn error into the message shown in the chat.
func errorReply(err error) string {
	switch {
	case errors.Is(err, agent.ErrCredentialMissing):
		return credentialPrompt
	case errors.Is(err, agent.ErrAuthentication):
		return credentialRejected
	case errors.Is(err, controller.ErrEmptyInput):
		return "Please send some text."
	default:
		return "Error: " + err.Error()
	}
}

func (b *Bot) typing(chatID int64) {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug().Err(err).Msg("Failed to send typing action")
	}
}
