package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/mlschat/internal/api"
	"github.com/matheus3301/mlschat/internal/tui/ui"
	"github.com/rivo/tview"
)

// MessageThread shows one group's history above a composer line.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	log      *tview.TextView
	composer *tview.InputField
	groupID  string
	title    string
	onSend   func(text string)
}

// NewMessageThread creates an empty thread.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	mt := &MessageThread{
		theme:    theme,
		log:      tview.NewTextView(),
		composer: newInput(theme, " > "),
	}
	mt.log.SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true).
		SetTextColor(theme.FgColor)
	mt.log.SetBorder(true).
		SetBorderColor(theme.BorderColor).
		SetTitleColor(theme.TitleColor).
		SetBackgroundColor(theme.BgColor)

	mt.composer.SetBorder(true).
		SetBorderColor(theme.BorderColor).
		SetTitle(" Compose (i to focus, /cmd for commands) ").
		SetTitleColor(theme.TitleColor)
	mt.composer.SetDoneFunc(mt.submit)

	mt.Flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(mt.log, 0, 1, true).
		AddItem(mt.composer, 3, 0, false)
	mt.SetGroup("", "")
	return mt
}

func (mt *MessageThread) submit(key tcell.Key) {
	if key != tcell.KeyEnter || mt.onSend == nil {
		return
	}
	text := strings.TrimSpace(mt.composer.GetText())
	if text == "" {
		return
	}
	mt.composer.SetText("")
	mt.onSend(text)
}

func (mt *MessageThread) Name() string { return mt.title }

func (mt *MessageThread) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "i", Description: "Compose"},
		{Key: "r", Description: "Retry"},
		{Key: "f", Description: "Fetch"},
		{Key: "d", Description: "Details"},
		{Key: "Esc", Description: "Back"},
		{Key: ":", Description: "Command"},
		{Key: "?", Description: "Help"},
	}
}

// SetGroup points the thread at a group. The name is used for the title and
// breadcrumb.
func (mt *MessageThread) SetGroup(id, name string) {
	mt.groupID = id
	mt.title = name
	if mt.title == "" {
		mt.title = "Messages"
	}
	mt.log.SetTitle(" " + tview.Escape(mt.title) + " ")
}

func (mt *MessageThread) GroupID() string { return mt.groupID }

// SetOnSend sets the callback run with each submitted composer line.
func (mt *MessageThread) SetOnSend(fn func(text string)) {
	mt.onSend = fn
}

// Update redraws the history. msgs are oldest first.
func (mt *MessageThread) Update(msgs []*api.Message) {
	mt.log.SetText(renderMessages(msgs, mt.theme))
	mt.log.ScrollToEnd()
}

// renderMessages formats msgs as tview markup. A date line is written
// whenever the local day changes.
func renderMessages(msgs []*api.Message, theme *ui.Theme) string {
	var (
		b       strings.Builder
		lastDay string
	)
	dim := colorHex(theme.CounterColor)
	warn := colorHex(theme.FlashWarnColor)
	for _, m := range msgs {
		at := time.UnixMilli(m.TimestampUnixMs)
		if day := at.Format("Mon 02 Jan 2006"); m.TimestampUnixMs > 0 && day != lastDay {
			fmt.Fprintf(&b, "[%s]-- %s --[-]\n", dim, day)
			lastDay = day
		}
		fmt.Fprintf(&b, "[::b]%s[::-] [%s]%s[-]", tview.Escape(sanitizeForTerminal(senderLabel(m))), dim, at.Format("15:04"))
		if m.FromMe && !m.Delivered {
			fmt.Fprintf(&b, " [%s](undelivered)[-]", warn)
		}
		b.WriteString("\n")
		b.WriteString(tview.Escape(sanitizeForTerminal(m.Body)))
		b.WriteString("\n\n")
	}
	return b.String()
}

// Messages returns the history view.
func (mt *MessageThread) Messages() *tview.TextView { return mt.log }

// Composer returns the composer field.
func (mt *MessageThread) Composer() *tview.InputField { return mt.composer }
