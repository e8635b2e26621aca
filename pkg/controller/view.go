package controller

import (
	"github.com/harun/tavern/pkg/session"
)

// RenderedTurn is one visible chat message.
type RenderedTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// View is what a front end displays: the chat list and the side panel.
type View struct {
	SessionID      string                  `json:"session_id"`
	Flow           Flow                    `json:"flow"`
	Phase          session.Phase           `json:"phase,omitempty"`
	Turns          []RenderedTurn          `json:"turns"`
	Character      *session.CharacterSheet `json:"character,omitempty"`
	GameState      string                  `json:"game_state,omitempty"`
	QuestCompleted bool                    `json:"quest_completed"`
	Warning        string                  `json:"warning,omitempty"`
}

// Render builds the view of sess. Payload-only turns are not listed.
func (c *Controller) Render(sess *session.Session) *View {
	turns := sess.Turns()
	rendered := make([]RenderedTurn, 0, len(turns))
	for _, t := range turns {
		if t.Text == "" {
			continue
		}
		rendered = append(rendered, RenderedTurn{Role: string(t.Role), Text: t.Text})
	}

	view := &View{
		SessionID: sess.ID,
		Flow:      c.flow,
		Turns:     rendered,
	}
	if c.flow == FlowDungeon {
		state := sess.State()
		view.Phase = sess.Phase()
		view.Character = state.Character
		view.GameState = state.GameState
		view.QuestCompleted = state.QuestCompleted
	}
	return view
}

// LastAssistantText returns the newest assistant message in the view.
func (v *View) LastAssistantText() string {
	for i := len(v.Turns) - 1; i >= 0; i-- {
		if v.Turns[i].Role == string(session.RoleAssistant) {
			return v.Turns[i].Text
		}
	}
	return ""
}
