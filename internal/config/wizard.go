package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/harun/tavern/pkg/agent"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard on stdin and stdout
func NewWizard() *Wizard {
	return NewWizardWithIO(os.Stdin, os.Stdout)
}

// NewWizardWithIO creates a wizard on the given streams
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run walks through the settings, starting from base (or defaults when nil).
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := DefaultConfig()
	if base != nil {
		copied := *base
		cfg = &copied
	}
	validator := NewValidator()

	w.println("=== Tavern Configuration Wizard ===")
	w.println()

	for {
		flow, err := w.ask("Flow (chatbot/dungeon)", cfg.Flow)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateFlow(flow); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Flow = strings.ToLower(flow)
		break
	}

	for {
		provider, err := w.ask("Provider (openai/anthropic/gemini)", cfg.AI.Provider)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateProvider(provider); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		provider = strings.ToLower(provider)
		if provider != cfg.AI.Provider {
			cfg.AI.Model = agent.DefaultModel(provider)
		}
		cfg.AI.Provider = provider
		break
	}

	w.println("The API key is optional; without it each chat asks for one.")
	for {
		key, err := w.ask("API key (press Enter to skip)", "")
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if err := validator.ValidateAPIKey(key, cfg.AI.Provider); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.AI.APIKey = key
		break
	}

	model, err := w.ask("Model", cfg.AI.Model)
	if err != nil {
		return nil, err
	}
	cfg.AI.Model = model

	w.println()
	enable, err := w.ask("Enable Telegram integration? (y/n)", yesNo(cfg.Telegram.Enabled))
	if err != nil {
		return nil, err
	}
	cfg.Telegram.Enabled = strings.EqualFold(enable, "y")
	if cfg.Telegram.Enabled {
		for {
			token, err := w.ask("Telegram Bot Token", cfg.Telegram.BotToken)
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateTelegramToken(token); err != nil {
				w.printf("Error: %v\n", err)
				continue
			}
			cfg.Telegram.BotToken = token
			break
		}
	}

	w.println()
	for {
		port, err := w.ask("Chat server port", strconv.Itoa(cfg.Server.Port))
		if err != nil {
			return nil, err
		}
		n, convErr := strconv.Atoi(port)
		if convErr == nil {
			convErr = validator.ValidatePort(n)
		}
		if convErr != nil {
			w.printf("Error: %v\n", convErr)
			continue
		}
		cfg.Server.Port = n
		break
	}

	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		w.printf("Warning: %v, using default (info)\n", err)
		level = "info"
	}
	cfg.Logging.Level = level

	w.println()
	w.println("Configuration complete!")

	return cfg, nil
}

// ask prints a prompt with its default and returns the answer or the default.
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		w.printf("%s [%s]: ", prompt, def)
	} else {
		w.printf("%s: ", prompt)
	}
	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) println(a ...interface{}) {
	fmt.Fprintln(w.out, a...)
}

func (w *Wizard) printf(format string, a ...interface{}) {
	fmt.Fprintf(w.out, format, a...)
}

func yesNo(b bool) string {
	if b {
		return "y"
	}
	return "n"
}
