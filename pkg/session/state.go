package session

import (
	"fmt"
	"strings"
)

// Phase is the dungeon flow's position in its two-state machine.
type Phase string

const (
	PhaseCreatingCharacter Phase = "creating_character"
	PhasePlaying           Phase = "playing"
)

// CharacterSheet is the player character collected during character creation.
type CharacterSheet struct {
	Name      string `json:"name"`
	Race      string `json:"race"`
	Class     string `json:"class"`
	Alignment string `json:"alignment"`
	Completed bool   `json:"completed"`
}

// String renders the sheet the way it is substituted into the gameplay prompt.
func (c *CharacterSheet) String() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", c.Name)
	fmt.Fprintf(&b, "Race: %s\n", c.Race)
	fmt.Fprintf(&b, "Class: %s\n", c.Class)
	fmt.Fprintf(&b, "Alignment: %s", c.Alignment)
	return b.String()
}

// SideState is auxiliary data derived from structured payloads. Each field is
// overwritten by the latest payload of its kind.
type SideState struct {
	Character      *CharacterSheet `json:"character,omitempty"`
	GameState      string          `json:"game_state"`
	QuestCompleted bool            `json:"quest_completed"`
}

// Clone copies the state including the character sheet.
func (s SideState) Clone() SideState {
	if s.Character != nil {
		c := *s.Character
		s.Character = &c
	}
	return s
}
