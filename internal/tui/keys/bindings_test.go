package keys

import (
	"testing"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/require"
)

func runeKey(r rune) *tcell.EventKey {
	return tcell.NewEventKey(tcell.KeyRune, r, tcell.ModNone)
}

func TestViewBindingsShadowGlobal(t *testing.T) {
	r := NewRegistry()
	var got []string
	r.AddGlobal("quit", &Action{Key: tcell.KeyRune, Rune: 'q', Description: "q:quit", Visible: true,
		Handler: func() { got = append(got, "global") }})
	r.AddView("thread", "back", &Action{Key: tcell.KeyRune, Rune: 'q', Description: "q:back", Visible: true,
		Handler: func() { got = append(got, "view") }})

	require.True(t, r.HandleEvent("thread", runeKey('q')))
	require.True(t, r.HandleEvent("groups", runeKey('q')))
	require.False(t, r.HandleEvent("groups", runeKey('x')))
	require.Equal(t, []string{"view", "global"}, got)
}

func TestSpecialKeys(t *testing.T) {
	r := NewRegistry()
	hit := false
	r.AddGlobal("back", &Action{Key: tcell.KeyEscape, Handler: func() { hit = true }})

	require.False(t, r.HandleEvent("groups", runeKey('e')))
	require.True(t, r.HandleEvent("groups", tcell.NewEventKey(tcell.KeyEscape, 0, tcell.ModNone)))
	require.True(t, hit)
}

func TestHintsOrderAndReplace(t *testing.T) {
	r := NewRegistry()
	r.AddGlobal("help", &Action{Key: tcell.KeyRune, Rune: '?', Description: "?:help", Visible: true, Handler: func() {}})
	r.AddGlobal("hidden", &Action{Key: tcell.KeyRune, Rune: 'z', Description: "z", Handler: func() {}})
	r.AddView("thread", "compose", &Action{Key: tcell.KeyRune, Rune: 'i', Description: "i:compose", Visible: true, Handler: func() {}})
	r.AddGlobal("help", &Action{Key: tcell.KeyRune, Rune: 'h', Description: "h:help", Visible: true, Handler: func() {}})

	require.Equal(t, []string{"i:compose", "h:help"}, r.Hints("thread"))
	require.Equal(t, []string{"h:help"}, r.Hints("groups"))
}
