package tui

import "strings"

// Command represents a parsed prompt line.
type Command struct {
	Name string
	Args string
	// Local is set for commands the client handles itself. Everything else
	// is forwarded to the daemon verbatim.
	Local bool
	Line  string
}

var localCommands = map[string]string{
	"q":        "quit",
	"quit":     "quit",
	"h":        "help",
	"help":     "help",
	"open":     "open",
	"o":        "open",
	"groups":   "groups",
	"identity": "identity",
	"id":       "identity",
	"search":   "search",
	"s":        "search",
}

// ParseCommand parses a command string (without the leading ':').
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0]), Line: input}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	if name, ok := localCommands[cmd.Name]; ok {
		cmd.Name = name
		cmd.Local = true
	}
	return cmd
}
