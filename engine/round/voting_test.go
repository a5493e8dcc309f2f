package round

import (
	"testing"

	"github.com/tokenscomedyclub/arena/engine/store"
)

func TestCanonicalSideUndoesDisplaySwap(t *testing.T) {
	cases := []struct {
		reply   string
		swapped bool
		want    *store.Side
	}{
		{"A", false, sidePtr(store.SideA)},
		{"B", false, sidePtr(store.SideB)},
		{"A", true, sidePtr(store.SideB)},
		{"B", true, sidePtr(store.SideA)},
		{"  A - solid writing", false, sidePtr(store.SideA)},
		{"neither, I abstain", false, nil},
		{"", false, nil},
	}
	for _, c := range cases {
		got := canonicalSide(c.reply, c.swapped)
		if (got == nil) != (c.want == nil) {
			t.Errorf("canonicalSide(%q, %v) = %v, want %v", c.reply, c.swapped, got, c.want)
			continue
		}
		if got != nil && *got != *c.want {
			t.Errorf("canonicalSide(%q, %v) = %v, want %v", c.reply, c.swapped, *got, *c.want)
		}
	}
}

func sidePtr(s store.Side) *store.Side { return &s }
