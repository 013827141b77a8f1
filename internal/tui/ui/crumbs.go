package ui

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"
)

const maxCrumb = 24

// Crumbs shows the page stack as a breadcrumb trail.
type Crumbs struct {
	*tview.TextView
	theme *Theme
}

// NewCrumbs creates a new breadcrumb bar.
func NewCrumbs(theme *Theme) *Crumbs {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)

	return &Crumbs{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders the trail for stack, bottom first.
func (c *Crumbs) Update(stack []Component) {
	c.Clear()

	active := fmt.Sprintf("[%s:%s:b]", colorName(c.theme.CrumbActiveFg), colorName(c.theme.CrumbActiveBg))
	inactive := fmt.Sprintf("[%s:%s:]", colorName(c.theme.CrumbInactiveFg), colorName(c.theme.CrumbInactiveBg))

	parts := make([]string, len(stack))
	for i, comp := range stack {
		style := inactive
		if i == len(stack)-1 {
			style = active
		}
		parts[i] = style + " " + tview.Escape(crumbLabel(comp.Name())) + " [-:-:-]"
	}
	_, _ = fmt.Fprint(c, strings.Join(parts, " "))
}

func crumbLabel(name string) string {
	r := []rune(strings.ToLower(name))
	if len(r) > maxCrumb {
		return string(r[:maxCrumb-1]) + "…"
	}
	return string(r)
}
