package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/tavern/pkg/commandqueue"
	"github.com/harun/tavern/pkg/controller"
	"github.com/harun/tavern/pkg/session"
	"github.com/rs/zerolog"
)

// maxMessageLen is Telegram's limit for one text message.
const maxMessageLen = 4096

// botAPI is the subset of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Config configures a Bot.
type Config struct {
	BotToken   string
	Controller *controller.Controller
	Sessions   *session.Registry
	// Queue serialises turns per chat. Created when nil.
	Queue  *commandqueue.Queue
	Logger zerolog.Logger
}

// Bot runs one session per Telegram chat over long polling.
type Bot struct {
	api      botAPI
	username string
	ctrl     *controller.Controller
	sessions *session.Registry
	queue    *commandqueue.Queue
	ownQueue bool
	commands *Commands
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New authenticates against the Bot API and creates a bot.
func New(cfg Config) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if cfg.Controller == nil || cfg.Sessions == nil {
		return nil, fmt.Errorf("controller and session registry are required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := newBot(api, api.Self.UserName, cfg)
	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return bot, nil
}

func newBot(api botAPI, username string, cfg Config) *Bot {
	queue := cfg.Queue
	ownQueue := false
	if queue == nil {
		queue = commandqueue.New(commandqueue.Options{Logger: cfg.Logger})
		ownQueue = true
	}

	b := &Bot{
		api:      api,
		username: username,
		ctrl:     cfg.Controller,
		sessions: cfg.Sessions,
		queue:    queue,
		ownQueue: ownQueue,
		logger:   cfg.Logger.With().Str("component", "telegram").Logger(),
	}
	b.commands = newCommands(b)
	return b
}

// Start begins long polling.
func (b *Bot) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	b.logger.Info().Msg("Starting Telegram bot")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.processUpdates(ctx, updates)

	if err := b.commands.Publish(); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to publish command list")
	}
	return nil
}

// Stop ends polling and waits for the update loop to exit.
func (b *Bot) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return fmt.Errorf("bot is not running")
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	b.logger.Info().Msg("Stopping Telegram bot")
	b.api.StopReceivingUpdates()
	cancel()
	<-done

	if b.ownQueue {
		_ = b.queue.Close()
	}
	b.logger.Info().Msg("Telegram bot stopped")
	return nil
}

// IsRunning reports whether the bot is polling.
func (b *Bot) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bot) processUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer close(b.done)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			// Chats run concurrently; the queue keeps each chat in order.
			wg.Add(1)
			go func(update tgbotapi.Update) {
				defer wg.Done()
				if err := b.handleUpdate(ctx, update); err != nil {
					b.logger.Error().
						Err(err).
						Int("update_id", update.UpdateID).
						Msg("Failed to handle update")
				}
			}(update)
		}
	}
}

// handleUpdate routes an update to the command or text handler.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return nil
	}
	if msg.IsCommand() {
		return b.commands.HandleCommand(ctx, update)
	}
	if msg.Text == "" {
		return b.reply(msg.Chat.ID, msg.MessageID, "Only text messages are supported.")
	}
	return b.handleText(ctx, update)
}

// sessionID maps a chat to its session key.
func sessionID(chatID int64) string {
	return "telegram-" + strconv.FormatInt(chatID, 10)
}

// session returns the chat's session, greeting it on creation. The bool is
// true when the session was just created.
func (b *Bot) session(ctx context.Context, chatID int64) (*session.Session, bool, error) {
	id := sessionID(chatID)
	if sess, err := b.sessions.Get(id); err == nil {
		return sess, false, nil
	}
	sess, err := b.sessions.GetOrCreate(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if _, err := b.ctrl.Start(ctx, sess); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// reply sends text, split into Telegram-sized chunks.
func (b *Bot) reply(chatID int64, replyTo int, text string) error {
	for i, chunk := range splitMessage(text, maxMessageLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 && replyTo != 0 {
			msg.ReplyToMessageID = replyTo
		}
		if _, err := b.api.Send(msg); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}
	b.logger.Debug().Int64("chat_id", chatID).Msg("Message sent")
	return nil
}

// splitMessage cuts text into pieces of at most limit runes, preferring
// newline boundaries.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
