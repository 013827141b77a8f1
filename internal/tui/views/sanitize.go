package views

import (
	"strings"
	"unicode"
)

// unsafeRunes are codepoints a peer could use to corrupt the screen or that
// tcell measures wrongly: C0/C1 controls, bidi overrides, zero width
// joiners, variation selectors and skin tone modifiers.
var unsafeRunes = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x0000, Hi: 0x001f, Stride: 1},
		{Lo: 0x007f, Hi: 0x009f, Stride: 1},
		{Lo: 0x200d, Hi: 0x200d, Stride: 1},
		{Lo: 0x202a, Hi: 0x202e, Stride: 1},
		{Lo: 0x2066, Hi: 0x2069, Stride: 1},
		{Lo: 0xfe00, Hi: 0xfe0f, Stride: 1},
	},
	R32: []unicode.Range32{
		{Lo: 0x1f3fb, Hi: 0x1f3ff, Stride: 1},
		{Lo: 0xe0100, Hi: 0xe01ef, Stride: 1},
	},
}

// sanitizeForTerminal strips unsafeRunes from peer-supplied text, keeping
// newlines and tabs. Invalid UTF-8 becomes U+FFFD.
func sanitizeForTerminal(s string) string {
	return strings.Map(func(r rune) rune {
		if r != '\n' && r != '\t' && unicode.Is(unsafeRunes, r) {
			return -1
		}
		return r
	}, s)
}
