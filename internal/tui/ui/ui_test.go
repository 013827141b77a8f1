package ui

import (
	"strings"
	"testing"

	"github.com/rivo/tview"
	"github.com/stretchr/testify/require"
)

func TestPromptHistory(t *testing.T) {
	p := NewPrompt(DefaultTheme())
	p.Activate(PromptCommand)
	p.remember("create lunch")
	p.remember("fetch")
	p.remember("fetch")

	require.Equal(t, "fetch", p.Recall(-1))
	require.Equal(t, "create lunch", p.Recall(-1))
	require.Equal(t, "create lunch", p.Recall(-1))
	require.Equal(t, "fetch", p.Recall(1))
	require.Equal(t, "", p.Recall(1))

	p.Activate(PromptCommand)
	require.Equal(t, "fetch", p.Recall(-1))
}

func TestFlashLevels(t *testing.T) {
	require.Equal(t, FlashWarn, Level("warn"))
	require.Equal(t, FlashErr, Level("error"))
	require.Equal(t, FlashInfo, Level("info"))

	f := NewFlashModel()
	require.Nil(t, f.GetMessage())
	f.Notify(FlashErr, "relay down")
	msg := f.GetMessage()
	require.NotNil(t, msg)
	require.Equal(t, FlashErr, msg.Level)
	require.Equal(t, "relay down", f.Get())
	require.Equal(t, "relay down", (<-f.Watch()).Text)
}

type page struct {
	*tview.Box
	name string
}

func (p page) Name() string      { return p.name }
func (p page) Hints() []MenuHint { return nil }

func names(cs []Component) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name()
	}
	return out
}

func TestPagesStack(t *testing.T) {
	p := NewPages()
	for _, id := range []string{"groups", "thread", "details", "help"} {
		p.Add(id, page{tview.NewBox(), "N-" + id})
	}
	var last []string
	p.SetOnChange(func(s []Component) { last = names(s) })

	p.Reset("groups")
	p.Push("thread")
	p.Push("details")
	require.Equal(t, []string{"N-groups", "N-thread", "N-details"}, last)

	require.Equal(t, "details", p.Pop())
	require.Equal(t, "thread", p.Current())
	require.Equal(t, 2, p.Depth())

	p.Push("help")
	p.Push("thread")
	require.Equal(t, []string{"groups", "thread"}, p.Stack())

	require.Equal(t, "thread", p.Pop())
	require.Empty(t, p.Pop())
	require.Equal(t, []string{"N-groups"}, last)
}

func TestCrumbLabel(t *testing.T) {
	require.Equal(t, "groups", crumbLabel("Groups"))
	long := crumbLabel("a very long group name that keeps going")
	require.Len(t, []rune(long), maxCrumb)
	require.True(t, strings.HasSuffix(long, "…"))
}
