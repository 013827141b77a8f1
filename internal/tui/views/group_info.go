package views

import (
	"fmt"
	"strings"

	"github.com/matheus3301/mlschat/internal/api"
	"github.com/matheus3301/mlschat/internal/tui/ui"
	"github.com/rivo/tview"
)

// GroupInfo displays a group's details.
type GroupInfo struct {
	*tview.TextView
	theme *ui.Theme
}

// NewGroupInfo creates a new group info view.
func NewGroupInfo(theme *ui.Theme) *GroupInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Group Details ")
	tv.SetTitleColor(theme.TitleColor)

	return &GroupInfo{
		TextView: tv,
		theme:    theme,
	}
}

// Name implements Component.
func (gi *GroupInfo) Name() string { return "Details" }

// Hints implements Component.
func (gi *GroupInfo) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "l", Description: "Link"},
		{Key: "Esc", Description: "Back"},
		{Key: ":", Description: "Command"},
		{Key: "?", Description: "Help"},
	}
}

// Update renders g.
func (gi *GroupInfo) Update(g *api.Group) {
	gi.Clear()
	if g == nil {
		return
	}

	fg := colorHex(gi.theme.FgColor)
	ct := colorHex(gi.theme.CounterColor)

	mode := "Local (not known to the delivery service)"
	if g.Mode == "linked" {
		mode = "Linked"
	}
	created := formatTimestamp(g.CreatedAtUnixMs)
	if created == "" {
		created = "-"
	}

	members := make([]string, len(g.Members))
	for i, m := range g.Members {
		members[i] = "   " + tview.Escape(m)
	}

	_, _ = fmt.Fprintf(gi,
		"\n [%s::b]Name:[-:-:-]    [%s]%s[-]\n"+
			" [%s::b]ID:[-:-:-]      [%s]%s[-]\n"+
			" [%s::b]Mode:[-:-:-]    [%s]%s[-]\n"+
			" [%s::b]Epoch:[-:-:-]   [%s]%d[-]\n"+
			" [%s::b]Created:[-:-:-] [%s]%s[-]\n"+
			" [%s::b]Members (%d):[-:-:-]\n[%s]%s[-]",
		fg, ct, tview.Escape(groupName(g)),
		fg, ct, tview.Escape(g.GroupID),
		fg, ct, mode,
		fg, ct, g.Epoch,
		fg, ct, created,
		fg, len(g.Members), ct, strings.Join(members, "\n"),
	)
	gi.SetTitle(fmt.Sprintf(" %s Details ", tview.Escape(groupName(g))))
}
