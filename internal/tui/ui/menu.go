package ui

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"
)

const menuRows = 6

// Menu displays keyboard shortcut hints in columns.
type Menu struct {
	*tview.TextView
	theme *Theme
}

// NewMenu creates a new menu hint bar.
func NewMenu(theme *Theme) *Menu {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 2, 0)

	return &Menu{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders menu hints, menuRows per column.
func (m *Menu) Update(hints []MenuHint) {
	m.Clear()

	keyColor := colorName(m.theme.MenuKeyColor)
	numColor := colorName(m.theme.NumericKeyColor)

	rows := make([]strings.Builder, menuRows)
	for i, h := range hints {
		kc := keyColor
		if h.Numeric {
			kc = numColor
		}
		cell := fmt.Sprintf("<%s> %s", h.Key, h.Description)
		fmt.Fprintf(&rows[i%menuRows], "[%s::b]<%s>[-:-:-] %s%s",
			kc, h.Key, h.Description, strings.Repeat(" ", max(2, 20-len(cell))))
	}
	for i := range rows {
		if rows[i].Len() == 0 {
			break
		}
		_, _ = fmt.Fprintln(m, rows[i].String())
	}
}
