package ui

import "github.com/rivo/tview"

// MenuHint describes a keyboard shortcut for the menu bar.
type MenuHint struct {
	Key         string
	Description string
	Numeric     bool
}

// Component is a page of the TUI.
type Component interface {
	tview.Primitive
	// Name is the breadcrumb label.
	Name() string
	Hints() []MenuHint
}
