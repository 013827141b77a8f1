package views

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/matheus3301/mlschat/internal/tui/ui"
	"github.com/rivo/tview"
)

// IdentityView shows the local member's fingerprint as a QR code so a
// peer can verify it out of band.
type IdentityView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewIdentityView creates a new identity view.
func NewIdentityView(theme *ui.Theme) *IdentityView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Identity ")
	tv.SetTitleColor(theme.TitleColor)

	return &IdentityView{
		TextView: tv,
		theme:    theme,
	}
}

// Name implements Component.
func (iv *IdentityView) Name() string { return "Identity" }

// Hints implements Component.
func (iv *IdentityView) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
	}
}

// Show renders the identity of username.
func (iv *IdentityView) Show(username, fingerprint string) {
	iv.Clear()
	if fingerprint == "" {
		_, _ = fmt.Fprint(iv, "\n\nIdentity not available yet.")
		return
	}
	_, _ = fmt.Fprintf(iv, "\n  [::b]%s[-:-:-]\n\n%s\n  [::d]%s[-:-:-]\n",
		tview.Escape(username), RenderQR(IdentityURI(username, fingerprint)), groupFingerprint(fingerprint))
}

// IdentityURI is the payload encoded in identity QR codes.
func IdentityURI(username, fingerprint string) string {
	return "mlschat:" + username + "?fp=" + fingerprint
}

// groupFingerprint splits a hex fingerprint into blocks of four for reading
// aloud.
func groupFingerprint(fp string) string {
	var parts []string
	for len(fp) > 4 {
		parts = append(parts, fp[:4])
		fp = fp[4:]
	}
	if fp != "" {
		parts = append(parts, fp)
	}
	return strings.Join(parts, " ")
}

// RenderQR converts content to a compact QR code using Unicode half-block
// characters. Two bitmap rows become one terminal line.
func RenderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")"
	}

	bitmap := qr.Bitmap()
	rows := len(bitmap)
	cols := 0
	if rows > 0 {
		cols = len(bitmap[0])
	}

	var sb strings.Builder
	for y := 0; y < rows; y += 2 {
		sb.WriteString("  ")
		for x := 0; x < cols; x++ {
			top := bitmap[y][x]
			bot := y+1 < rows && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}
