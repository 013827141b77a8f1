package views

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/mlschat/internal/api"
	"github.com/matheus3301/mlschat/internal/tui/ui"
	"github.com/rivo/tview"
)

var groupColumns = []column{
	{"#", 0},
	{"NAME", 2},
	{"MODE", 0},
	{"EPOCH", 0},
	{"MEMBERS", 1},
	{"CREATED", 0},
}

// GroupList is the main view: every group the profile is a member of.
type GroupList struct {
	*tview.Table
	theme   *ui.Theme
	groups  []*api.Group
	visible []*api.Group
	active  string
	filter  string
}

// NewGroupList creates a new group list table.
func NewGroupList(theme *ui.Theme) *GroupList {
	table := newTable(theme, "")

	gl := &GroupList{
		Table: table,
		theme: theme,
	}
	gl.render()
	return gl
}

// Name implements Component.
func (gl *GroupList) Name() string { return "Groups" }

// Hints implements Component.
func (gl *GroupList) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Enter", Description: "Open"},
		{Key: "d", Description: "Details"},
		{Key: "/", Description: "Filter"},
		{Key: ":", Description: "Command"},
		{Key: "s", Description: "Search"},
		{Key: "y", Description: "Identity"},
		{Key: "?", Description: "Help"},
		{Key: "q", Description: "Quit"},
		{Key: "1-9", Description: "Jump", Numeric: true},
	}
}

// Update refreshes the list. active is the daemon's active group.
func (gl *GroupList) Update(groups []*api.Group, active string) {
	gl.groups = groups
	gl.active = active
	gl.render()
}

// SetFilter sets the active filter text and re-renders.
func (gl *GroupList) SetFilter(filter string) {
	gl.filter = filter
	gl.render()
}

// ClearFilter clears the active filter.
func (gl *GroupList) ClearFilter() {
	gl.filter = ""
	gl.render()
}

// Filter returns the active filter.
func (gl *GroupList) Filter() string { return gl.filter }

func (gl *GroupList) render() {
	gl.Clear()

	setHeader(gl.Table, gl.theme, groupColumns)

	gl.visible = filterGroups(gl.groups, gl.filter)
	for i, g := range gl.visible {
		row := i + 1
		name := groupName(g)
		if g.GroupID == gl.active {
			name = "* " + name
		}
		modeColor := gl.theme.OnlineColor
		if g.Mode != "linked" {
			modeColor = gl.theme.LocalColor
		}
		fg := gl.theme.FgColor
		gl.SetCell(row, 0, tview.NewTableCell(" "+strconv.Itoa(row)).SetTextColor(gl.theme.NumericKeyColor))
		gl.SetCell(row, 1, textCell(name, fg).SetExpansion(2))
		gl.SetCell(row, 2, tview.NewTableCell(" "+strings.ToUpper(g.Mode)).SetTextColor(modeColor))
		gl.SetCell(row, 3, tview.NewTableCell(strconv.FormatUint(g.Epoch, 10)).SetTextColor(fg).SetAlign(tview.AlignRight))
		gl.SetCell(row, 4, tview.NewTableCell(" "+tview.Escape(memberSummary(g.Members, 3))).SetExpansion(1).SetTextColor(fg))
		gl.SetCell(row, 5, tview.NewTableCell(formatTimestamp(g.CreatedAtUnixMs)).SetTextColor(fg).SetAlign(tview.AlignRight))
	}

	if gl.filter != "" {
		gl.SetTitle(fmt.Sprintf(" Groups (%d/%d) filter: %s ", len(gl.visible), len(gl.groups), tview.Escape(gl.filter)))
	} else {
		gl.SetTitle(fmt.Sprintf(" Groups (%d) ", len(gl.groups)))
	}
}

// SelectedGroup returns the id of the highlighted group.
func (gl *GroupList) SelectedGroup() string {
	row, _ := gl.GetSelection()
	return gl.GroupByIndex(row)
}

// GroupByIndex returns the id of the Nth visible group (1-based).
func (gl *GroupList) GroupByIndex(n int) string {
	if n < 1 || n > len(gl.visible) {
		return ""
	}
	return gl.visible[n-1].GroupID
}

func filterGroups(groups []*api.Group, filter string) []*api.Group {
	if filter == "" {
		return groups
	}
	f := strings.ToLower(filter)
	var out []*api.Group
	for _, g := range groups {
		if strings.Contains(strings.ToLower(groupName(g)), f) ||
			strings.Contains(strings.ToLower(strings.Join(g.Members, " ")), f) {
			out = append(out, g)
		}
	}
	return out
}

func groupName(g *api.Group) string {
	if g.Name != "" {
		return g.Name
	}
	return g.GroupID
}

// memberSummary lists up to n members and counts the rest.
func memberSummary(members []string, n int) string {
	if len(members) <= n {
		return strings.Join(members, ", ")
	}
	return fmt.Sprintf("%s +%d", strings.Join(members[:n], ", "), len(members)-n)
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	t := time.UnixMilli(ms)
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
