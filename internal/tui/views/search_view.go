package views

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/mlschat/internal/api"
	"github.com/matheus3301/mlschat/internal/tui/ui"
	"github.com/rivo/tview"
)

var searchColumns = []column{
	{"GROUP", 0},
	{"FROM", 0},
	{"MESSAGE", 1},
	{"TIME", 0},
}

// SearchView runs a history query across every group and lists the hits.
type SearchView struct {
	*tview.Flex
	theme   *ui.Theme
	input   *tview.InputField
	results *tview.Table
	hits    []*api.Message
	onQuery func(query string)
}

// NewSearchView creates a new search view.
func NewSearchView(theme *ui.Theme) *SearchView {
	sv := &SearchView{
		theme:   theme,
		input:   newInput(theme, " Search: "),
		results: newTable(theme, "Results"),
	}
	setHeader(sv.results, theme, searchColumns)
	sv.input.SetDoneFunc(func(key tcell.Key) {
		q := sv.input.GetText()
		if key == tcell.KeyEnter && q != "" && sv.onQuery != nil {
			sv.onQuery(q)
		}
	})
	sv.Flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(sv.input, 1, 0, true).
		AddItem(sv.results, 0, 1, false)
	return sv
}

func (sv *SearchView) Name() string { return "Search" }

func (sv *SearchView) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Enter", Description: "Search/Open"},
		{Key: "Tab", Description: "Results"},
		{Key: "Esc", Description: "Back"},
	}
}

// SetOnQuery sets the callback run when a query is submitted.
func (sv *SearchView) SetOnQuery(fn func(query string)) {
	sv.onQuery = fn
}

// Update replaces the hits. names maps group ids to display names; ids
// without a name are shown as is.
func (sv *SearchView) Update(hits []*api.Message, names map[string]string) {
	sv.hits = hits
	sv.results.Clear()
	setHeader(sv.results, sv.theme, searchColumns)

	fg := sv.theme.FgColor
	for i, m := range hits {
		group, ok := names[m.GroupID]
		if !ok || group == "" {
			group = m.GroupID
		}
		row := i + 1
		sv.results.SetCell(row, 0, textCell(group, fg).SetMaxWidth(20))
		sv.results.SetCell(row, 1, textCell(senderLabel(m), fg).SetMaxWidth(16))
		sv.results.SetCell(row, 2, textCell(m.Body, fg).SetExpansion(1))
		sv.results.SetCell(row, 3, tview.NewTableCell(formatTimestamp(m.TimestampUnixMs)).SetTextColor(sv.theme.CounterColor))
	}
	sv.results.SetTitle(fmt.Sprintf(" Results (%d) ", len(hits)))
	sv.results.ScrollToBeginning()
}

// SelectedResult returns the group id of the highlighted hit, or "".
func (sv *SearchView) SelectedResult() string {
	row, _ := sv.results.GetSelection()
	if row < 1 || row > len(sv.hits) {
		return ""
	}
	return sv.hits[row-1].GroupID
}

// Input returns the query field.
func (sv *SearchView) Input() *tview.InputField { return sv.input }

// Results returns the hit table.
func (sv *SearchView) Results() *tview.Table { return sv.results }
