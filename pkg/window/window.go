// Package window selects which past turns are visible to the model.
package window

import (
	"fmt"
	"strings"

	"github.com/harun/tavern/pkg/session"
)

// Kind is the window selection policy.
type Kind string

const (
	KindFull  Kind = "full"
	KindLastK Kind = "last_k"
)

// Mode describes a window policy. K is only read for KindLastK.
type Mode struct {
	Kind Kind
	K    int
}

// Full returns a mode that exposes the entire history.
func Full() Mode {
	return Mode{Kind: KindFull}
}

// LastK returns a mode that exposes the trailing k turns.
func LastK(k int) Mode {
	return Mode{Kind: KindLastK, K: k}
}

// Parse builds a Mode from configuration values.
func Parse(kind string, k int) (Mode, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(kind))) {
	case "", KindFull:
		return Full(), nil
	case KindLastK:
		if k < 0 {
			return Mode{}, fmt.Errorf("window k must be >= 0, got %d", k)
		}
		return LastK(k), nil
	default:
		return Mode{}, fmt.Errorf("unknown window mode %q (expected full or last_k)", kind)
	}
}

func (m Mode) String() string {
	if m.Kind == KindLastK {
		return fmt.Sprintf("last_k(%d)", m.K)
	}
	return string(KindFull)
}

// Apply returns the visible subsequence of turns. The input is never
// modified and the result never shares its backing array.
func Apply(turns []session.Turn, mode Mode) []session.Turn {
	start := 0
	if mode.Kind == KindLastK {
		if mode.K <= 0 {
			return []session.Turn{}
		}
		if len(turns) > mode.K {
			start = len(turns) - mode.K
		}
	}

	out := make([]session.Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}
