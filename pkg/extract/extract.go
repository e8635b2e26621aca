// Package extract turns structured model payloads into session side-state.
//
// Payloads replace the matching part of the state wholesale: a field the
// model omitted is reset to its zero value, never carried over.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/tavern/pkg/agent"
	"github.com/harun/tavern/pkg/session"
	"github.com/xeipuuv/gojsonschema"
)

// Payload schema names.
const (
	SchemaCharacter = "character"
	SchemaGameState = "game_state"
)

var characterParameters = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"name": map[string]interface{}{
			"type":        "string",
			"description": "Information about the name of the player that you will remember over time",
		},
		"race": map[string]interface{}{
			"type":        "string",
			"description": "Information about the race of the player that you will remember over time",
		},
		"class": map[string]interface{}{
			"type":        "string",
			"description": "Information about the class of the player that you will remember over time",
		},
		"alignment": map[string]interface{}{
			"type":        "string",
			"description": "Information about the alignment of the player that you will remember over time",
		},
		"completed": map[string]interface{}{
			"type":        "boolean",
			"description": "Whether the character creation is completed",
		},
	},
	"required": []interface{}{"completed"},
}

var gameStateParameters = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"state": map[string]interface{}{
			"type":        "string",
			"description": "Information about the current game state",
		},
		"quest_completed": map[string]interface{}{
			"type":        "boolean",
			"description": "Whether the quest has been completed",
		},
	},
	"required": []interface{}{"state"},
}

var (
	characterSchema = &agent.ResponseSchema{
		Name:        SchemaCharacter,
		Description: "Notebook to update with character information every time you get new information about the character.",
		Parameters:  characterParameters,
	}
	gameStateSchema = &agent.ResponseSchema{
		Name:        SchemaGameState,
		Description: "Notebook to write information about the current game state to.",
		Parameters:  gameStateParameters,
	}

	validators = map[string]gojsonschema.JSONLoader{
		SchemaCharacter: gojsonschema.NewGoLoader(characterParameters),
		SchemaGameState: gojsonschema.NewGoLoader(gameStateParameters),
	}
)

// Schemas returns the payload schemas offered to the model.
func Schemas() []*agent.ResponseSchema {
	return []*agent.ResponseSchema{Character(), GameState()}
}

// Character is the schema used while creating the character.
func Character() *agent.ResponseSchema { return characterSchema }

// GameState is the schema used during play.
func GameState() *agent.ResponseSchema { return gameStateSchema }

type characterRecord struct {
	Name      string `json:"name"`
	Race      string `json:"race"`
	Class     string `json:"class"`
	Alignment string `json:"alignment"`
	Completed bool   `json:"completed"`
}

type gameStateRecord struct {
	State          string `json:"state"`
	QuestCompleted bool   `json:"quest_completed"`
}

// Extract applies payload to current and returns the new state. A nil
// payload returns current unchanged. On error the returned state is current.
func Extract(payload *session.Payload, current session.SideState) (session.SideState, error) {
	if payload == nil {
		return current, nil
	}

	raw, err := json.Marshal(payload.Fields)
	if err != nil {
		return current, decodeErr(payload, "", err)
	}

	loader, ok := validators[payload.Schema]
	if !ok {
		return current, decodeErr(payload, string(raw), fmt.Errorf("unknown schema"))
	}
	if payload.Fields == nil {
		raw = []byte("{}")
	}
	if err := validate(loader, raw); err != nil {
		return current, decodeErr(payload, string(raw), err)
	}

	next := current.Clone()
	switch payload.Schema {
	case SchemaCharacter:
		var rec characterRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return current, decodeErr(payload, string(raw), err)
		}
		next.Character = &session.CharacterSheet{
			Name:      rec.Name,
			Race:      rec.Race,
			Class:     rec.Class,
			Alignment: rec.Alignment,
			Completed: rec.Completed,
		}
	case SchemaGameState:
		var rec gameStateRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return current, decodeErr(payload, string(raw), err)
		}
		next.GameState = rec.State
		next.QuestCompleted = rec.QuestCompleted
	}
	return next, nil
}

func validate(schema gojsonschema.JSONLoader, doc []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("payload validation failed: %s", strings.Join(msgs, "; "))
}

func decodeErr(payload *session.Payload, raw string, err error) error {
	return &agent.PayloadDecodeError{Schema: payload.Schema, Raw: raw, Err: err}
}
