package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/rivo/tview"
)

// FlashLevel is the severity of a flash message.
type FlashLevel int

const (
	FlashInfo FlashLevel = iota
	FlashWarn
	FlashErr
)

var flashTTL = map[FlashLevel]time.Duration{
	FlashInfo: 5 * time.Second,
	FlashWarn: 8 * time.Second,
	FlashErr:  10 * time.Second,
}

// Level maps a daemon notice level onto a flash level.
func Level(s string) FlashLevel {
	switch s {
	case "warn":
		return FlashWarn
	case "error":
		return FlashErr
	}
	return FlashInfo
}

// FlashMessage is one notification.
type FlashMessage struct {
	Text    string
	Level   FlashLevel
	Expires time.Time
}

// FlashModel holds the latest notification. Setters are safe to call from
// any goroutine.
type FlashModel struct {
	mu      sync.RWMutex
	current FlashMessage
	watchCh chan FlashMessage
}

// NewFlashModel creates an empty flash model.
func NewFlashModel() *FlashModel {
	return &FlashModel{
		watchCh: make(chan FlashMessage, 8),
	}
}

func (f *FlashModel) Info(msg string)  { f.Notify(FlashInfo, msg) }
func (f *FlashModel) Warn(msg string)  { f.Notify(FlashWarn, msg) }
func (f *FlashModel) Error(msg string) { f.Notify(FlashErr, msg) }

// Notify replaces the current message.
func (f *FlashModel) Notify(level FlashLevel, msg string) {
	fm := FlashMessage{Text: msg, Level: level, Expires: time.Now().Add(flashTTL[level])}
	f.mu.Lock()
	f.current = fm
	f.mu.Unlock()
	select {
	case f.watchCh <- fm:
	default:
	}
}

// Get returns the current message text, or empty once it expired.
func (f *FlashModel) Get() string {
	if m := f.GetMessage(); m != nil {
		return m.Text
	}
	return ""
}

// GetMessage returns the current message, or nil once it expired.
func (f *FlashModel) GetMessage() *FlashMessage {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.current.Expires) {
		return nil
	}
	m := f.current
	return &m
}

// Watch signals every new message. Sends are dropped when nobody reads.
func (f *FlashModel) Watch() <-chan FlashMessage {
	return f.watchCh
}

// FlashBar renders the current flash message.
type FlashBar struct {
	*tview.TextView
	colors map[FlashLevel]string
}

// NewFlashBar creates a flash bar.
func NewFlashBar(theme *Theme) *FlashBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)

	return &FlashBar{
		TextView: tv,
		colors: map[FlashLevel]string{
			FlashInfo: colorName(theme.FlashInfoColor),
			FlashWarn: colorName(theme.FlashWarnColor),
			FlashErr:  colorName(theme.FlashErrColor),
		},
	}
}

// Update shows msg, or clears the bar when msg is nil.
func (fb *FlashBar) Update(msg *FlashMessage) {
	fb.Clear()
	if msg == nil {
		return
	}
	_, _ = fmt.Fprintf(fb, " [%s]%s[-]", fb.colors[msg.Level], tview.Escape(msg.Text))
}
