package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/mlschat/internal/registry"
	"github.com/matheus3301/mlschat/internal/status"
)

// Kind identifies what an Intent asks for.
type Kind int

const (
	IntentCreate Kind = iota + 1
	IntentJoin
	IntentSend
	IntentFetch
	IntentPublish
	IntentFetchKeyPackages
	IntentRetry
	IntentLink
	IntentSelect
	IntentStatus
	IntentListGroups
	IntentHistory
	IntentSearch
	IntentSettings
	IntentIdentity
	IntentHelp
)

var kindNames = map[Kind]string{
	IntentCreate:           "create",
	IntentJoin:             "join",
	IntentSend:             "send",
	IntentFetch:            "fetch",
	IntentPublish:          "publish",
	IntentFetchKeyPackages: "keys",
	IntentRetry:            "retry",
	IntentLink:             "link",
	IntentSelect:           "select",
	IntentStatus:           "status",
	IntentListGroups:       "groups",
	IntentHistory:          "history",
	IntentSearch:           "search",
	IntentSettings:         "settings",
	IntentIdentity:         "identity",
	IntentHelp:             "help",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "intent(" + strconv.Itoa(int(k)) + ")"
}

// Intent is one user request. Fields not used by Kind are ignored. An
// empty GroupID means the active group where one applies.
type Intent struct {
	Kind     Kind
	Name     string
	GroupID  string
	Text     string
	Identity string
	Key      string
	Value    string
	Limit    int
}

// StatusInfo describes the orchestrator at one instant.
type StatusInfo struct {
	State       status.State
	Since       time.Time
	Address     string
	Username    string
	Fingerprint string
	ActiveGroup string
	Groups      int
	Linked      int
	Local       int
	Pending     int
}

// Result is what a completed intent returns. Text is always set and is
// suitable for a status line.
type Result struct {
	Text        string
	Warning     bool
	GroupID     string
	Groups      []registry.Snapshot
	Messages    []registry.Message
	Status      *StatusInfo
	KeyPackages [][]byte
}

// Outcome pairs a result with the intent's error.
type Outcome struct {
	Result Result
	Err    error
}

const commandList = "create, join, send, groups, status, select, retry, link, fetch, history, search, keys, publish, identity, settings, help"

// HelpText lists the commands accepted by ParseCommand.
const HelpText = `create <name>            create a group
join <group_id>          join a group through the delivery service
send <text>              send to the active group
groups                   list groups
select <group_id|name>   switch the active group
status                   connection and group summary
retry                    resend undelivered messages of the active group
link [group_id]          publish a local group to the delivery service
fetch [group_id]         fetch messages now
history [n]              show journaled history of the active group
search <text>            search journaled messages
keys <identity>          fetch key packages published by identity
publish                  publish a fresh key package
identity                 show the local identity fingerprint
settings [set <username|address> <value>]
help                     this text`

// ParseCommand turns one command line into an Intent.
func ParseCommand(line string) (Intent, error) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Intent{}, intentErr("parse", "", ErrInvalidArgument, "Empty command. Type 'help' for commands.")
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	usage := func(u string) (Intent, error) {
		return Intent{}, intentErr(cmd, "", ErrInvalidArgument, "Usage: "+u)
	}

	switch cmd {
	case "create":
		if len(args) == 0 {
			return usage("create <group_name>")
		}
		return Intent{Kind: IntentCreate, Name: rest}, nil
	case "join":
		if len(args) != 1 {
			return usage("join <group_id>")
		}
		return Intent{Kind: IntentJoin, GroupID: args[0]}, nil
	case "send":
		if rest == "" {
			return usage("send <message>")
		}
		return Intent{Kind: IntentSend, Text: rest}, nil
	case "groups":
		return Intent{Kind: IntentListGroups}, nil
	case "status":
		return Intent{Kind: IntentStatus}, nil
	case "select":
		if len(args) == 0 {
			return usage("select <group_id|name>")
		}
		return Intent{Kind: IntentSelect, GroupID: rest}, nil
	case "retry":
		return Intent{Kind: IntentRetry, GroupID: first(args)}, nil
	case "link":
		return Intent{Kind: IntentLink, GroupID: first(args)}, nil
	case "fetch":
		return Intent{Kind: IntentFetch, GroupID: first(args)}, nil
	case "history":
		in := Intent{Kind: IntentHistory}
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return usage("history [count]")
			}
			in.Limit = n
		}
		return in, nil
	case "search":
		if rest == "" {
			return usage("search <text>")
		}
		return Intent{Kind: IntentSearch, Text: rest}, nil
	case "keys":
		if len(args) != 1 {
			return usage("keys <identity>")
		}
		return Intent{Kind: IntentFetchKeyPackages, Identity: args[0]}, nil
	case "publish":
		return Intent{Kind: IntentPublish}, nil
	case "identity":
		return Intent{Kind: IntentIdentity}, nil
	case "settings":
		if len(args) == 0 {
			return Intent{Kind: IntentSettings}, nil
		}
		if len(args) < 3 || strings.ToLower(args[0]) != "set" {
			return usage("settings set <username|address> <value>")
		}
		return Intent{Kind: IntentSettings, Key: strings.ToLower(args[1]), Value: strings.Join(args[2:], " ")}, nil
	case "help":
		return Intent{Kind: IntentHelp}, nil
	}
	return Intent{}, intentErr(cmd, "", ErrUnknownCommand,
		fmt.Sprintf("Unknown command: %s. Available commands: %s", fields[0], commandList))
}

func first(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
