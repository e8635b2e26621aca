package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Built-in template names.
const (
	Chatbot           = "chatbot"
	CharacterCreation = "character_creation"
	Gameplay          = "gameplay"
)

const templateExt = ".tmpl"

var builtins = map[string]string{
	Chatbot: `You are a helpful assistant.`,

	CharacterCreation: `You are a dungeon master for a game of dungeons and dragons.

You are interacting with the first (and only) player in the game. Your job is to collect all needed information about their character. This will be used in the quest. Feel free to ask them as many questions as needed to get to the relevant information.
The relevant information is:
- Character's name
- Character's race (or species)
- Character's class
- Character's alignment

Every time you learn something new about the character, call the character function with everything you know so far. Set completed to true once all four are known.`,

	Gameplay: `You are a dungeon master for a game of dungeons and dragons.

You are leading a quest of one person. Their character description is here:

{character}

A summary of the game state is here:

{state}

Whenever the situation changes, call the game_state function with an updated summary. Set quest_completed to true when the quest is over.`,
}

// Catalog holds the active templates by name. Safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewCatalog returns a catalog containing the built-in templates.
func NewCatalog() *Catalog {
	c := &Catalog{templates: make(map[string]*Template, len(builtins))}
	for name, text := range builtins {
		c.templates[name] = MustParse(name, text)
	}
	return c
}

// Get returns the named template.
func (c *Catalog) Get(name string) (*Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[name]
	if !ok {
		return nil, &TemplateError{Template: name, Reason: "unknown template"}
	}
	return t, nil
}

// Names lists the loaded templates, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadDir overlays every <name>.tmpl file in dir onto the built-ins. The
// catalog is only updated if every file parses. Templates whose file was
// removed fall back to their built-in text. It returns the overridden names.
func (c *Catalog) LoadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	next := make(map[string]*Template, len(builtins))
	for name, text := range builtins {
		next[name] = MustParse(name, text)
	}

	var loaded []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), templateExt) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), templateExt)
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", entry.Name(), err)
		}
		t, err := Parse(name, strings.TrimRight(string(data), "\n"))
		if err != nil {
			return nil, err
		}
		next[name] = t
		loaded = append(loaded, name)
	}

	c.mu.Lock()
	c.templates = next
	c.mu.Unlock()

	sort.Strings(loaded)
	return loaded, nil
}
