package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// Color is a terminal color.
type Color = tcell.Color

// Theme holds the TUI palette.
type Theme struct {
	BgColor     Color
	FgColor     Color
	BorderColor Color
	TitleColor  Color

	TableHeaderFg Color
	TableHeaderBg Color
	TableCursorFg Color
	TableCursorBg Color

	CrumbActiveFg   Color
	CrumbActiveBg   Color
	CrumbInactiveFg Color
	CrumbInactiveBg Color

	MenuKeyColor      Color
	NumericKeyColor   Color
	CounterColor      Color
	PromptBorderColor Color

	FlashInfoColor Color
	FlashWarnColor Color
	FlashErrColor  Color

	// Connection and group mode indicators.
	OnlineColor Color
	LocalColor  Color
}

// DefaultTheme returns the dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:     tcell.ColorBlack,
		FgColor:     tcell.ColorLightSteelBlue,
		BorderColor: tcell.ColorSteelBlue,
		TitleColor:  tcell.ColorMediumOrchid,

		TableHeaderFg: tcell.ColorWhite,
		TableHeaderBg: tcell.ColorBlack,
		TableCursorFg: tcell.ColorBlack,
		TableCursorBg: tcell.ColorMediumTurquoise,

		CrumbActiveFg:   tcell.ColorBlack,
		CrumbActiveBg:   tcell.ColorMediumOrchid,
		CrumbInactiveFg: tcell.ColorBlack,
		CrumbInactiveBg: tcell.ColorSteelBlue,

		MenuKeyColor:      tcell.ColorSteelBlue,
		NumericKeyColor:   tcell.ColorMediumOrchid,
		CounterColor:      tcell.ColorWhiteSmoke,
		PromptBorderColor: tcell.ColorMediumTurquoise,

		FlashInfoColor: tcell.ColorNavajoWhite,
		FlashWarnColor: tcell.ColorOrange,
		FlashErrColor:  tcell.ColorOrangeRed,

		OnlineColor: tcell.ColorLime,
		LocalColor:  tcell.ColorGray,
	}
}

// colorName returns a tview color tag for c.
func colorName(c Color) string {
	for name, val := range tcell.ColorNames {
		if val == c {
			return name
		}
	}
	return fmt.Sprintf("#%06x", c.Hex())
}
