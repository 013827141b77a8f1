package tui

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"q", Command{Name: "quit", Local: true, Line: "q"}},
		{"  Help ", Command{Name: "help", Local: true, Line: "Help"}},
		{"open lunch club", Command{Name: "open", Args: "lunch club", Local: true, Line: "open lunch club"}},
		{"id", Command{Name: "identity", Local: true, Line: "id"}},
		{"groups", Command{Name: "groups", Local: true, Line: "groups"}},
		{"search", Command{Name: "search", Local: true, Line: "search"}},
		{"s pizza", Command{Name: "search", Args: "pizza", Local: true, Line: "s pizza"}},
		{"create lunch", Command{Name: "create", Args: "lunch", Line: "create lunch"}},
		{"SEND hi there", Command{Name: "send", Args: "hi there", Line: "SEND hi there"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			require.Equal(t, tt.want, ParseCommand(tt.in))
		})
	}
}
