// Package admin implements the staff command channel.
//
// Staff send slash commands over the admin transport. Every command is self-contained:
// the channel keeps no conversation state and delegates all ledger changes to the booking
// manager.
package admin

import (
	"strings"
)

// Kind identifies a staff command.
type Kind int

const (
	KindUnknown Kind = iota
	KindHelp
	KindStats
	KindPending
	KindConfirm
	KindCancel
)

func (k Kind) String() string {
	switch k {
	case KindHelp:
		return "help"
	case KindStats:
		return "stats"
	case KindPending:
		return "pending"
	case KindConfirm:
		return "confirm"
	case KindCancel:
		return "cancel"
	}
	return "unknown"
}

// Command is a parsed staff command.
type Command struct {
	Kind Kind
	// Name is the command word as typed, without the slash.
	Name string
	// Arg is the first argument, uppercased for reference commands.
	Arg string
}

// ParseCommand parses "/cmd [arg]". A "@botname" suffix on the command word is ignored.
// Text that is not a command parses as KindUnknown.
func ParseCommand(text string) Command {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Command{Kind: KindUnknown}
	}

	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	cmd := Command{Name: name}
	if len(fields) > 1 {
		cmd.Arg = fields[1]
	}

	switch name {
	case "help", "start":
		cmd.Kind = KindHelp
	case "stats":
		cmd.Kind = KindStats
	case "pending":
		cmd.Kind = KindPending
	case "confirm":
		cmd.Kind = KindConfirm
		cmd.Arg = strings.ToUpper(cmd.Arg)
	case "cancel":
		cmd.Kind = KindCancel
		cmd.Arg = strings.ToUpper(cmd.Arg)
	default:
		cmd.Kind = KindUnknown
	}
	return cmd
}
