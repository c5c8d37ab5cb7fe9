package client

import (
	"strings"

	"github.com/williamchildres/terminal-messenger/internal/protocol"
)

// Action tells the input loop what to do with a parsed line.
type Action int

const (
	// ActionSend sends the envelope to the server.
	ActionSend Action = iota
	// ActionHelp prints the local help text.
	ActionHelp
	// ActionQuit leaves the chat.
	ActionQuit
	// ActionNone ignores the line.
	ActionNone
)

const helpText = `Available commands:
  /name <new_name>      change your display name
  /list                 list connected users
  /dm <user> <message>  send a private message
  /help                 show this help
  /quit                 leave the chat
Anything else is sent to the room as a chat message.`

// ParseInput turns one line of user input into a wire envelope. Slash
// commands that match a known form become Command envelopes; everything
// else, including unrecognized slash input, is sent as chat.
func ParseInput(username, line string) (protocol.Envelope, Action) {
	line = strings.TrimSpace(line)
	if line == "" {
		return protocol.Envelope{}, ActionNone
	}

	if strings.HasPrefix(line, "/") {
		parts := strings.SplitN(line, " ", 3)
		switch {
		case parts[0] == "/name" && len(parts) == 2 && parts[1] != "":
			return protocol.NewCommand("name", parts[1]), ActionSend
		case parts[0] == "/list" && len(parts) == 1:
			return protocol.NewCommand("list"), ActionSend
		case parts[0] == "/dm" && len(parts) == 3 && parts[2] != "":
			return protocol.NewCommand("DirectMessage", parts[1], parts[2]), ActionSend
		case parts[0] == "/help" && len(parts) == 1:
			return protocol.Envelope{}, ActionHelp
		case parts[0] == "/quit" && len(parts) == 1:
			return protocol.Envelope{}, ActionQuit
		}
	}

	return protocol.NewChat(username, line), ActionSend
}

// Render formats a server envelope for the terminal. Command envelopes
// never arrive from the server; they render empty and are skipped.
func Render(e protocol.Envelope) string {
	switch {
	case e.Chat != nil:
		return e.Chat.Sender + ": " + e.Chat.Content
	case e.System != nil:
		return "* " + *e.System
	default:
		return ""
	}
}
