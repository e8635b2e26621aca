package window

import (
	"fmt"
	"testing"

	"github.com/harun/tavern/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTurns(n int) []session.Turn {
	turns := make([]session.Turn, n)
	for i := range turns {
		turns[i] = session.Turn{Role: session.RoleUser, Text: fmt.Sprintf("t%d", i)}
	}
	return turns
}

func texts(turns []session.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Text
	}
	return out
}

func TestApply(t *testing.T) {
	tests := []struct {
		name string
		n    int
		mode Mode
		want []string
	}{
		{"full empty", 0, Full(), []string{}},
		{"full", 3, Full(), []string{"t0", "t1", "t2"}},
		{"last_k shorter history", 2, LastK(5), []string{"t0", "t1"}},
		{"last_k trims front", 5, LastK(2), []string{"t3", "t4"}},
		{"last_k exact", 3, LastK(3), []string{"t0", "t1", "t2"}},
		{"last_k zero", 3, LastK(0), []string{}},
		{"last_k negative", 3, LastK(-1), []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(makeTurns(tt.n), tt.mode)
			assert.Equal(t, tt.want, texts(got))
		})
	}
}

func TestApply_DoesNotAlias(t *testing.T) {
	turns := makeTurns(4)
	got := Apply(turns, LastK(2))
	got[0].Text = "changed"
	assert.Equal(t, "t2", turns[2].Text)

	full := Apply(turns, Full())
	full[0].Text = "changed"
	assert.Equal(t, "t0", turns[0].Text)
}

func TestParse(t *testing.T) {
	m, err := Parse("", 0)
	require.NoError(t, err)
	assert.Equal(t, Full(), m)

	m, err = Parse("LAST_K", 4)
	require.NoError(t, err)
	assert.Equal(t, LastK(4), m)
	assert.Equal(t, "last_k(4)", m.String())

	_, err = Parse("last_k", -2)
	assert.Error(t, err)

	_, err = Parse("rolling", 1)
	assert.Error(t, err)
}
