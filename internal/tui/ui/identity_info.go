package ui

import (
	"fmt"
	"time"

	"github.com/rivo/tview"
)

// IdentityData holds what the header shows about the local member.
type IdentityData struct {
	Profile     string
	Username    string
	Fingerprint string
	State       string
	Address     string
	Groups      int
	Linked      int
	Since       time.Time
}

// IdentityInfo displays profile and connection metadata in the header.
type IdentityInfo struct {
	*tview.TextView
	theme *Theme
}

// NewIdentityInfo creates a new identity info panel.
func NewIdentityInfo(theme *Theme) *IdentityInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 1, 1)

	return &IdentityInfo{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders the identity info.
func (ii *IdentityInfo) Update(data *IdentityData) {
	ii.Clear()
	if data == nil {
		return
	}

	fg := colorName(ii.theme.FgColor)
	ct := colorName(ii.theme.CounterColor)
	sc := colorName(ii.stateColor(data.State))

	fp := data.Fingerprint
	if len(fp) > 16 {
		fp = fp[:16]
	}

	_, _ = fmt.Fprintf(ii,
		"[%s::b]Profile:[-:-:-] [%s]%s[-]\n"+
			"[%s::b]User:[-:-:-]    [%s]%s[-]\n"+
			"[%s::b]Key:[-:-:-]     [%s]%s[-]\n"+
			"[%s::b]Relay:[-:-:-]   [%s]%s[-] [%s]%s[-]\n"+
			"[%s::b]Groups:[-:-:-]  [%s]%d (%d linked)[-]\n"+
			"[%s::b]Since:[-:-:-]   [%s]%s[-]",
		fg, ct, tview.Escape(data.Profile),
		fg, ct, tview.Escape(data.Username),
		fg, ct, fp,
		fg, sc, data.State, ct, tview.Escape(data.Address),
		fg, ct, data.Groups, data.Linked,
		fg, ct, formatDuration(time.Since(data.Since)),
	)
}

func (ii *IdentityInfo) stateColor(state string) Color {
	switch state {
	case "CONNECTED":
		return ii.theme.OnlineColor
	case "CONNECTING":
		return ii.theme.FlashWarnColor
	}
	return ii.theme.FlashErrColor
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
