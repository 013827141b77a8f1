package views

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/mlschat/internal/api"
	"github.com/matheus3301/mlschat/internal/tui/ui"
	"github.com/rivo/tview"
)

type column struct {
	title     string
	expansion int
}

// newTable returns a bordered, row-selectable table with a fixed header row.
func newTable(theme *ui.Theme, title string) *tview.Table {
	t := tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.SetBorder(true).
		SetBorderColor(theme.BorderColor).
		SetTitleColor(theme.TitleColor).
		SetBackgroundColor(theme.BgColor)
	t.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	if title != "" {
		t.SetTitle(" " + title + " ")
	}
	return t
}

func setHeader(t *tview.Table, theme *ui.Theme, cols []column) {
	for i, c := range cols {
		t.SetCell(0, i, tview.NewTableCell(" "+c.title).
			SetSelectable(false).
			SetExpansion(c.expansion).
			SetAttributes(tcell.AttrBold).
			SetTextColor(theme.TableHeaderFg).
			SetBackgroundColor(theme.TableHeaderBg))
	}
}

// newInput returns a borderless input styled for the theme.
func newInput(theme *ui.Theme, label string) *tview.InputField {
	in := tview.NewInputField().
		SetLabel(label).
		SetLabelColor(theme.MenuKeyColor).
		SetFieldWidth(0).
		SetFieldTextColor(theme.FgColor).
		SetFieldBackgroundColor(theme.BgColor)
	in.SetBackgroundColor(theme.BgColor)
	return in
}

// textCell escapes and sanitizes peer-supplied text for a table cell.
func textCell(s string, fg ui.Color) *tview.TableCell {
	return tview.NewTableCell(" " + tview.Escape(sanitizeForTerminal(s))).SetTextColor(fg)
}

func senderLabel(m *api.Message) string {
	if m.FromMe {
		return "You"
	}
	return m.Sender
}

func colorHex(c ui.Color) string {
	return fmt.Sprintf("#%06x", c.Hex())
}
