package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/tavern/internal/config"
	"github.com/harun/tavern/internal/logger"
	"github.com/harun/tavern/internal/observability"
	"github.com/harun/tavern/internal/telegram"
	"github.com/harun/tavern/internal/tracing"
	"github.com/harun/tavern/pkg/agent"
	"github.com/harun/tavern/pkg/chatserver"
	"github.com/harun/tavern/pkg/commandqueue"
	"github.com/harun/tavern/pkg/controller"
	"github.com/harun/tavern/pkg/memory"
	"github.com/harun/tavern/pkg/prompt"
	"github.com/harun/tavern/pkg/session"
	"github.com/harun/tavern/pkg/window"
)

const (
	limiterSweepInterval = 5 * time.Minute
	shutdownTimeout      = 10 * time.Second
)

// Daemon owns every long-lived component of a tavern process.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	client     *agent.Client
	catalog    *prompt.Catalog
	watcher    *prompt.Watcher
	memory     memory.Backend
	sessions   *session.Registry
	queue      *commandqueue.Queue
	controller *controller.Controller

	// Services
	chatServer  *chatserver.Server
	telegramBot *telegram.Bot
	lifecycle   *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
	closeOnce sync.Once

	tracingEnabled bool
}

// Status is a snapshot of the daemon state.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Sessions  int
}

var newTelegramBot = func(cfg telegram.Config) (*telegram.Bot, error) {
	return telegram.New(cfg)
}

// New builds the core modules and services without starting them.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := tracing.InitOpenTelemetry("tavern"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without spans")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	flow, err := controller.ParseFlow(cfg.Flow)
	if err != nil {
		return err
	}
	mode, err := window.Parse(cfg.Window.Mode, cfg.Window.K)
	if err != nil {
		return err
	}

	d.catalog = prompt.NewCatalog()
	if cfg.Prompts.Dir != "" {
		loaded, err := d.catalog.LoadDir(cfg.Prompts.Dir)
		if err != nil {
			return fmt.Errorf("failed to load prompt templates: %w", err)
		}
		d.logger.Info().Strs("templates", loaded).Str("dir", cfg.Prompts.Dir).Msg("Prompt templates loaded")

		if cfg.Prompts.Watch {
			d.watcher, err = prompt.NewWatcher(d.catalog, cfg.Prompts.Dir, zl)
			if err != nil {
				return fmt.Errorf("failed to watch prompt templates: %w", err)
			}
		}
	}

	d.client = agent.NewClient(agent.ClientConfig{
		Profile: agent.AuthProfile{
			Provider: cfg.AI.Provider,
			BaseURL:  cfg.AI.BaseURL,
			Timeout:  time.Duration(cfg.AI.TimeoutSeconds) * time.Second,
		},
		Logger: zl,
	})

	if cfg.Memory.Enabled {
		memCfg := memory.Config{
			DBPath: cfg.Memory.DBPath,
			Logger: zl,
		}
		if cfg.Memory.Backend == "postgres" {
			memCfg.DatabaseURL = cfg.Memory.DatabaseURL
		}
		// Embeddings need an OpenAI key; otherwise sqlite ranks by keywords.
		if cfg.AI.Provider == "openai" && cfg.AI.APIKey != "" {
			memCfg.EmbeddingProvider = memory.NewOpenAIEmbedder(cfg.AI.APIKey, cfg.Memory.EmbeddingModel, cfg.AI.BaseURL)
		}
		d.memory, err = memory.NewStore(d.ctx, memCfg)
		if err != nil {
			return fmt.Errorf("failed to open memory store: %w", err)
		}
		d.logger.Info().Str("backend", cfg.Memory.Backend).Bool("embeddings", memCfg.EmbeddingProvider != nil).Msg("Memory store initialized")
	}

	d.sessions = session.NewRegistry(session.RegistryConfig{
		JournalDir: cfg.Session.JournalDir,
		Logger:     zl,
	})
	d.queue = commandqueue.New(commandqueue.Options{Logger: zl})

	d.controller, err = controller.New(controller.Config{
		Flow:   flow,
		Window: mode,
		Model: agent.ModelOptions{
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			MaxTokens:   cfg.AI.MaxTokens,
		},
		Credential:  cfg.AI.APIKey,
		MemoryLimit: cfg.Memory.Limit,
		Client:      d.client,
		Catalog:     d.catalog,
		Memory:      d.memory,
		Logger:      zl,
	})
	if err != nil {
		return err
	}

	d.logger.Info().
		Str("flow", string(flow)).
		Str("provider", d.client.Provider()).
		Str("window", mode.String()).
		Msg("Core modules initialized")
	return nil
}

func (d *Daemon) initializeServices() error {
	srv, err := chatserver.NewServer(chatserver.Config{
		Host:       d.config.Server.Host,
		Port:       d.config.Server.Port,
		Controller: d.controller,
		Sessions:   d.sessions,
		Queue:      d.queue,
		Logger:     d.logger.GetZerolog(),
	})
	if err != nil {
		return err
	}
	d.chatServer = srv
	return nil
}

// Start starts the chat server, the optional Telegram bot and the session reaper.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting tavern")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.chatServer.Start(); err != nil {
		d.setStopped()
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start chat server: %w", err)
	}

	if d.config.Telegram.Enabled {
		bot, err := newTelegramBot(telegram.Config{
			BotToken:   d.config.Telegram.BotToken,
			Controller: d.controller,
			Sessions:   d.sessions,
			Queue:      d.queue,
			Logger:     d.logger.GetZerolog(),
		})
		if err == nil {
			err = bot.Start()
		}
		if err != nil {
			d.setStopped()
			d.stopServices()
			return fmt.Errorf("failed to start telegram bot: %w", err)
		}
		d.telegramBot = bot
		log.Info().Msg("Telegram bot started")
	}

	if ttl := d.config.Session.IdleTTLMinutes; ttl > 0 {
		if err := d.sessions.StartReaper(d.config.Session.ReapSchedule, time.Duration(ttl)*time.Minute); err != nil {
			log.Warn().Err(err).Msg("Failed to start session reaper")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(limiterSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := d.chatServer.SweepLimiters(); n > 0 {
					log.Debug().Int("removed", n).Msg("Swept idle rate limiters")
				}
			case <-d.ctx.Done():
				return
			}
		}
	}()

	log.Info().Str("addr", d.chatServer.Addr()).Msg("tavern started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// stopServices stops the ingress surfaces, in-flight turns first.
func (d *Daemon) stopServices() {
	if d.telegramBot != nil {
		if err := d.telegramBot.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop telegram bot")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.chatServer.Stop(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop chat server")
	}
	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}
}

// Stop stops every service and releases the core modules.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping tavern")
	d.stopServices()
	d.Close()
	d.logger.Info().Msg("tavern stopped")
	return nil
}

// Close releases the core modules. Use it directly when the daemon was
// built but never started, as the chat REPL does.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()

		if d.sessions != nil {
			d.sessions.Stop()
		}
		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.logger.Error().Err(err).Msg("Failed to stop template watcher")
			}
		}
		if d.queue != nil {
			if err := d.queue.Close(); err != nil {
				d.logger.Error().Err(err).Msg("Failed to close command queue")
			}
		}
		if d.memory != nil {
			if err := d.memory.Close(); err != nil {
				d.logger.Error().Err(err).Msg("Failed to close memory store")
			}
		}
		if d.tracingEnabled {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
				d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
			}
			cancel()
		}
	})
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: len(d.sessions.List()),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until ctx is done or SIGINT/SIGTERM arrives, then stops.
func (d *Daemon) Wait(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	d.logger.Info().Msg("Shutdown requested")
	return d.Stop()
}

// Controller returns the session controller.
func (d *Daemon) Controller() *controller.Controller { return d.controller }

// Sessions returns the session registry.
func (d *Daemon) Sessions() *session.Registry { return d.sessions }

// ChatServer returns the chat server.
func (d *Daemon) ChatServer() *chatserver.Server { return d.chatServer }

// Config returns the daemon configuration
func (d *Daemon) Config() *config.Config { return d.config }
