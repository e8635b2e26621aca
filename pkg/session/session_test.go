package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_AppendOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, store.Append(ctx, Turn{Role: role, Text: fmt.Sprintf("turn %d", i)}))
	}

	turns := store.All()
	require.Len(t, turns, 5)
	assert.Equal(t, store.Count(), len(turns))
	for i, turn := range turns {
		assert.Equal(t, fmt.Sprintf("turn %d", i), turn.Text)
		assert.NotEmpty(t, turn.ID)
		assert.False(t, turn.Timestamp.IsZero())
	}
}

func TestMemoryStore_RejectsInvalidTurns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tests := []struct {
		name string
		turn Turn
	}{
		{"unknown role", Turn{Role: "narrator", Text: "hi"}},
		{"no text or payload", Turn{Role: RoleUser}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Append(ctx, tt.turn)
			assert.ErrorIs(t, err, ErrInvalidTurn)
		})
	}
	assert.Equal(t, 0, store.Count())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	payload := &Payload{Schema: "character", Fields: map[string]interface{}{"name": "Arya"}}
	require.NoError(t, store.Append(ctx, Turn{Role: RoleAssistant, Payload: payload}))

	payload.Fields["name"] = "changed"
	turns := store.All()
	turns[0].Payload.Fields["name"] = "mutated"
	turns[0].Text = "mutated"

	again := store.All()
	assert.Equal(t, "Arya", again[0].Payload.Fields["name"])
	assert.Empty(t, again[0].Text)
}

func TestMemoryStore_ConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.Append(ctx, Turn{Role: RoleUser, Text: fmt.Sprintf("%d", i)})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, store.Count())
	assert.Len(t, store.All(), 50)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"abc123", false},
		{"telegram-42", false},
		{"", true},
		{"../etc", true},
		{"a/b", true},
		{"a\\b", true},
		{"a\x00b", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.key), func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJournalStore_Replay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	js, err := OpenJournal(dir, "sess1")
	require.NoError(t, err)
	require.NoError(t, js.Append(ctx, Turn{Role: RoleAssistant, Text: "greetings"}))
	require.NoError(t, js.Append(ctx, Turn{Role: RoleUser, Text: "hello"}))
	require.NoError(t, js.Append(ctx, Turn{
		Role:    RoleAssistant,
		Payload: &Payload{Schema: "character", Fields: map[string]interface{}{"completed": true}},
	}))

	reopened, err := OpenJournal(dir, "sess1")
	require.NoError(t, err)

	turns := reopened.All()
	require.Len(t, turns, 3)
	assert.Equal(t, "greetings", turns[0].Text)
	assert.Equal(t, "hello", turns[1].Text)
	require.NotNil(t, turns[2].Payload)
	assert.Equal(t, true, turns[2].Payload.Fields["completed"])
	assert.Equal(t, js.All()[0].ID, turns[0].ID)
}

func TestJournalStore_SkipsCorruptLines(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	js, err := OpenJournal(dir, "sess2")
	require.NoError(t, err)
	require.NoError(t, js.Append(ctx, Turn{Role: RoleUser, Text: "first"}))

	f, err := os.OpenFile(filepath.Join(dir, "sess2.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, js.Append(ctx, Turn{Role: RoleAssistant, Text: "second"}))

	reopened, err := OpenJournal(dir, "sess2")
	require.NoError(t, err)
	turns := reopened.All()
	require.Len(t, turns, 2)
	assert.Equal(t, "first", turns[0].Text)
	assert.Equal(t, "second", turns[1].Text)
}

func TestJournalStore_InvalidKey(t *testing.T) {
	_, err := OpenJournal(t.TempDir(), "../escape")
	assert.Error(t, err)
}

func TestSession_StateIsCopied(t *testing.T) {
	sess := New("s", nil)
	assert.Equal(t, PhaseCreatingCharacter, sess.Phase())

	sheet := &CharacterSheet{Name: "Arya", Completed: true}
	sess.SetState(SideState{Character: sheet, GameState: "in the tavern"})
	sheet.Name = "changed"

	got := sess.State()
	require.NotNil(t, got.Character)
	assert.Equal(t, "Arya", got.Character.Name)

	got.Character.Name = "mutated"
	assert.Equal(t, "Arya", sess.State().Character.Name)
}

func TestSession_AppendTouches(t *testing.T) {
	sess := New("s", nil)
	before := sess.LastActive()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, sess.Append(context.Background(), Turn{Role: RoleUser, Text: "hi"}))
	assert.True(t, sess.LastActive().After(before))
	assert.Equal(t, 1, sess.Count())
}

func TestSession_Credential(t *testing.T) {
	sess := New("s", nil)
	assert.Empty(t, sess.Credential())
	sess.SetCredential("sk-test")
	assert.Equal(t, "sk-test", sess.Credential())
}

func TestCharacterSheet_String(t *testing.T) {
	sheet := &CharacterSheet{Name: "Arya", Race: "Elf", Class: "Rogue", Alignment: "Chaotic Good"}
	assert.Equal(t, "Name: Arya\nRace: Elf\nClass: Rogue\nAlignment: Chaotic Good", sheet.String())

	var nilSheet *CharacterSheet
	assert.Empty(t, nilSheet.String())
}

func TestRegistry_Lifecycle(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(RegistryConfig{Logger: zerolog.Nop()})

	a, err := reg.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	again, err := reg.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = reg.GetOrCreate(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, reg.List())

	require.NoError(t, a.Append(ctx, Turn{Role: RoleUser, Text: "only in a"}))
	b, err := reg.Get("b")
	require.NoError(t, err)
	assert.Equal(t, 0, b.Count())

	assert.True(t, reg.Teardown("a"))
	assert.False(t, reg.Teardown("a"))
	_, err = reg.Get("a")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	fresh, err := reg.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Count())
}

func TestRegistry_JournalReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	reg := NewRegistry(RegistryConfig{JournalDir: dir, Logger: zerolog.Nop()})
	sess, err := reg.GetOrCreate(ctx, "persisted")
	require.NoError(t, err)
	require.NoError(t, sess.Append(ctx, Turn{Role: RoleUser, Text: "remember me"}))

	reg2 := NewRegistry(RegistryConfig{JournalDir: dir, Logger: zerolog.Nop()})
	restored, err := reg2.GetOrCreate(ctx, "persisted")
	require.NoError(t, err)
	require.Equal(t, 1, restored.Count())
	assert.Equal(t, "remember me", restored.Turns()[0].Text)
}

func TestRegistry_JournalRestoresState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	reg := NewRegistry(RegistryConfig{JournalDir: dir, Logger: zerolog.Nop()})
	sess, err := reg.GetOrCreate(ctx, "hero")
	require.NoError(t, err)
	require.NoError(t, sess.Append(ctx, Turn{Role: RoleAssistant, Text: "Who are you?"}))
	require.NoError(t, sess.Append(ctx, Turn{Role: RoleUser, Text: "Arya, elf rogue"}))
	require.NoError(t, sess.Append(ctx, Turn{Role: RoleAssistant, Payload: &Payload{
		Schema: "character",
		Fields: map[string]interface{}{"name": "Arya", "completed": true},
	}}))
	sheet := &CharacterSheet{Name: "Arya", Race: "Elf", Class: "Rogue", Completed: true}
	require.NoError(t, sess.Commit(ctx, SideState{Character: sheet, GameState: "at the gate"}, PhasePlaying))

	assert.True(t, reg.Teardown("hero"))

	restored, err := reg.GetOrCreate(ctx, "hero")
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Count())
	assert.Equal(t, PhasePlaying, restored.Phase())
	state := restored.State()
	require.NotNil(t, state.Character)
	assert.Equal(t, "Arya", state.Character.Name)
	assert.Equal(t, "at the gate", state.GameState)
}

func TestRegistry_ResetRemovesJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	reg := NewRegistry(RegistryConfig{JournalDir: dir, Logger: zerolog.Nop()})
	sess, err := reg.GetOrCreate(ctx, "hero")
	require.NoError(t, err)
	require.NoError(t, sess.Append(ctx, Turn{Role: RoleUser, Text: "old story"}))
	require.NoError(t, sess.Commit(ctx, SideState{Character: &CharacterSheet{Name: "Arya", Completed: true}}, PhasePlaying))

	removed, err := reg.Reset("hero")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = os.Stat(filepath.Join(dir, "hero.jsonl"))
	assert.True(t, os.IsNotExist(err))

	fresh, err := reg.GetOrCreate(ctx, "hero")
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Count())
	assert.Equal(t, PhaseCreatingCharacter, fresh.Phase())
	assert.Nil(t, fresh.State().Character)

	// A journal left by an earlier process is forgotten too.
	require.NoError(t, fresh.Append(ctx, Turn{Role: RoleUser, Text: "new story"}))
	other := NewRegistry(RegistryConfig{JournalDir: dir, Logger: zerolog.Nop()})
	removed, err = other.Reset("hero")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = other.Reset("hero")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = other.Reset("../escape")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSession_CommitWithoutJournal(t *testing.T) {
	sess := New("s", nil)
	require.NoError(t, sess.Commit(context.Background(), SideState{GameState: "camp"}, PhasePlaying))
	assert.Equal(t, PhasePlaying, sess.Phase())
	assert.Equal(t, "camp", sess.State().GameState)
}

func TestJournalStore_ReadsTurnOnlyLines(t *testing.T) {
	dir := t.TempDir()
	line := `{"session_key":"legacy","turn":{"id":"t1","role":"user","text":"hello","timestamp":"2024-01-01T00:00:00Z"}}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.jsonl"), []byte(line), 0600))

	js, err := OpenJournal(dir, "legacy")
	require.NoError(t, err)
	assert.Equal(t, 1, js.Count())
	_, ok := js.LastSnapshot()
	assert.False(t, ok)
}

func TestRegistry_Reap(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(RegistryConfig{Logger: zerolog.Nop()})

	_, err := reg.GetOrCreate(ctx, "old")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = reg.GetOrCreate(ctx, "new")
	require.NoError(t, err)

	assert.Equal(t, 0, reg.Reap(0))
	assert.Equal(t, 1, reg.Reap(20*time.Millisecond))
	assert.Equal(t, []string{"new"}, reg.List())
}

func TestRegistry_StartReaper(t *testing.T) {
	reg := NewRegistry(RegistryConfig{Logger: zerolog.Nop()})

	assert.Error(t, reg.StartReaper("not a schedule", time.Minute))

	require.NoError(t, reg.StartReaper("@every 1h", time.Minute))
	assert.Error(t, reg.StartReaper("@every 1h", time.Minute))
	reg.Stop()
	reg.Stop()
}
