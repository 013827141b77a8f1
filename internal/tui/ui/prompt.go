package ui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// PromptMode selects what a submitted line is used for.
type PromptMode int

const (
	PromptCommand PromptMode = iota
	PromptFilter
)

var promptLabels = map[PromptMode]struct{ label, title string }{
	PromptCommand: {":", " Command "},
	PromptFilter:  {"/", " Filter "},
}

const maxHistory = 50

// Prompt is the ':' command and '/' filter bar. Command lines are kept in a
// short history browsable with Up and Down.
type Prompt struct {
	*tview.InputField
	mode     PromptMode
	history  []string
	cursor   int
	onSubmit func(mode PromptMode, text string)
	onCancel func()
}

func NewPrompt(theme *Theme) *Prompt {
	p := &Prompt{
		InputField: tview.NewInputField().
			SetFieldBackgroundColor(theme.BgColor).
			SetFieldTextColor(theme.FgColor).
			SetLabelColor(theme.MenuKeyColor),
	}
	p.SetBorder(true).
		SetBorderColor(theme.PromptBorderColor).
		SetBackgroundColor(theme.BgColor)
	p.SetDoneFunc(p.done)
	p.SetInputCapture(p.browse)
	return p
}

func (p *Prompt) done(key tcell.Key) {
	text := p.GetText()
	p.SetText("")
	switch key {
	case tcell.KeyEnter:
		if text == "" {
			return
		}
		if p.mode == PromptCommand {
			p.remember(text)
		}
		if p.onSubmit != nil {
			p.onSubmit(p.mode, text)
		}
	case tcell.KeyEscape:
		if p.onCancel != nil {
			p.onCancel()
		}
	}
}

func (p *Prompt) browse(ev *tcell.EventKey) *tcell.EventKey {
	if p.mode != PromptCommand {
		return ev
	}
	delta := 0
	switch ev.Key() {
	case tcell.KeyUp:
		delta = -1
	case tcell.KeyDown:
		delta = 1
	default:
		return ev
	}
	p.SetText(p.Recall(delta))
	return nil
}

func (p *Prompt) SetOnSubmit(fn func(mode PromptMode, text string)) { p.onSubmit = fn }

func (p *Prompt) SetOnCancel(fn func()) { p.onCancel = fn }

// Activate clears the bar and switches it to mode. History browsing starts
// again from the newest entry.
func (p *Prompt) Activate(mode PromptMode) {
	p.mode = mode
	p.cursor = len(p.history)
	l := promptLabels[mode]
	p.SetText("")
	p.SetLabel(l.label)
	p.SetTitle(l.title)
}

func (p *Prompt) Mode() PromptMode { return p.mode }

// remember appends line unless it repeats the newest entry.
func (p *Prompt) remember(line string) {
	if n := len(p.history); n == 0 || p.history[n-1] != line {
		p.history = append(p.history, line)
		if over := len(p.history) - maxHistory; over > 0 {
			p.history = p.history[over:]
		}
	}
	p.cursor = len(p.history)
}

// Recall moves through the command history by delta and returns the entry
// under the cursor. Moving past the newest entry yields an empty line.
func (p *Prompt) Recall(delta int) string {
	p.cursor = max(0, min(p.cursor+delta, len(p.history)))
	if p.cursor == len(p.history) {
		return ""
	}
	return p.history[p.cursor]
}
