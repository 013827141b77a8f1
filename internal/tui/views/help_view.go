package views

import (
	"fmt"
	"strings"

	"github.com/matheus3301/mlschat/internal/tui/ui"
	"github.com/rivo/tview"
)

// HelpView displays key binding and command reference.
type HelpView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewHelpView creates a new help view.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	hv := &HelpView{
		TextView: tv,
		theme:    theme,
	}
	hv.render()
	return hv
}

// Name implements Component.
func (hv *HelpView) Name() string { return "Help" }

// Hints implements Component.
func (hv *HelpView) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
	}
}

type helpEntry struct{ key, text string }

var helpSections = []struct {
	title   string
	entries []helpEntry
}{
	{"Global Keys", []helpEntry{
		{":", "Command mode"},
		{"/", "Filter groups"},
		{"?", "Help"},
		{"y", "Show identity"},
		{"s", "Search messages"},
		{"Esc", "Cancel / go back"},
		{"q", "Quit"},
	}},
	{"Group List", []helpEntry{
		{"Enter", "Open group"},
		{"1-9", "Jump to Nth group"},
		{"d", "Group details"},
		{"j/k", "Move down / up"},
	}},
	{"Message Thread", []helpEntry{
		{"i", "Focus composer"},
		{"r", "Retry undelivered messages"},
		{"f", "Fetch messages now"},
		{"d", "Group details"},
		{"Enter", "Send (lines starting with / run a command)"},
	}},
	{"Commands", []helpEntry{
		{":create <name>", "Create a group"},
		{":join <group_id>", "Join a group through the relay"},
		{":link [group]", "Publish a local group to the relay"},
		{":send <text>", "Send to the active group"},
		{":select <id|name>", "Make a group active"},
		{":retry", "Resend undelivered messages"},
		{":fetch", "Fetch pending messages"},
		{":history [n]", "Show recent messages"},
		{":search <query>", "Search all groups"},
		{":keys <identity>", "Fetch key packages of an identity"},
		{":publish", "Publish a fresh key package"},
		{":settings [set k v]", "Show or change username/address"},
		{":status", "Connection status"},
		{":quit", "Quit the client (daemon keeps running)"},
	}},
}

func (hv *HelpView) render() {
	kc := colorHex(hv.theme.MenuKeyColor)

	var b strings.Builder
	for _, s := range helpSections {
		fmt.Fprintf(&b, "\n  [::b]%s[-:-:-]\n\n", s.title)
		for _, e := range s.entries {
			fmt.Fprintf(&b, "  [%s]%-24s[-:-:-] %s\n", kc, tview.Escape(e.key), e.text)
		}
	}
	_, _ = fmt.Fprint(hv, b.String())
}
