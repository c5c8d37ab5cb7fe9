// Package command interprets Command envelopes against the registry and the
// originating session.
package command

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/williamchildres/terminal-messenger/internal/hub"
	"github.com/williamchildres/terminal-messenger/internal/metrics"
	"github.com/williamchildres/terminal-messenger/internal/protocol"
)

const unknownReply = "Unknown command. Type /help for a list of commands."

// Dispatcher executes interactive commands on behalf of the session whose
// reader received them. Replies go only to the originating session and are
// never appended to history.
type Dispatcher struct {
	registry *hub.Registry
	router   *hub.Router
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher over the registry and router.
func NewDispatcher(registry *hub.Registry, router *hub.Router, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		router:   router,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch runs one command. Names are case-sensitive.
func (d *Dispatcher) Dispatch(h *hub.Handle, name string, args []string) {
	switch name {
	case "name":
		metrics.CommandsTotal.WithLabelValues("name").Inc()
		d.rename(h, args)
	case "list":
		metrics.CommandsTotal.WithLabelValues("list").Inc()
		d.list(h)
	case "DirectMessage":
		metrics.CommandsTotal.WithLabelValues("DirectMessage").Inc()
		d.direct(h, args)
	default:
		metrics.CommandsTotal.WithLabelValues("unknown").Inc()
		d.logger.Debug().Str("conn_id", h.ID()).Str("command", name).Msg("unknown command")
		d.router.Send(h, protocol.NewSystem(unknownReply))
	}
}

func (d *Dispatcher) rename(h *hub.Handle, args []string) {
	if len(args) == 0 || args[0] == "" {
		d.router.Send(h, protocol.NewSystem("Please provide a valid name."))
		return
	}
	newName := args[0]
	h.SetUsername(newName)
	d.logger.Info().Str("conn_id", h.ID()).Str("username", newName).Msg("session renamed")
	d.router.Send(h, protocol.NewSystem(fmt.Sprintf("Your name is now set to '%s'", newName)))
}

func (d *Dispatcher) list(h *hub.Handle) {
	names := d.registry.Usernames()
	d.router.Send(h, protocol.NewSystem("Connected users: "+strings.Join(names, ", ")))
}

func (d *Dispatcher) direct(h *hub.Handle, args []string) {
	if len(args) < 2 {
		d.router.Send(h, protocol.NewSystem("Please provide a recipient and a message."))
		return
	}
	recipient := args[0]
	// The client composes /dm user some words... so everything after the
	// recipient is the message.
	content := strings.Join(args[1:], " ")
	sender := h.Username()

	delivered := d.router.Direct(recipient, protocol.NewSystem(
		fmt.Sprintf("(Private message from %s): %s", sender, content)))
	if !delivered {
		metrics.DirectMessagesTotal.WithLabelValues("not_found").Inc()
		d.router.Send(h, protocol.NewSystem(fmt.Sprintf("User '%s' not found.", recipient)))
		return
	}
	metrics.DirectMessagesTotal.WithLabelValues("delivered").Inc()
	d.router.Send(h, protocol.NewSystem(
		fmt.Sprintf("(Private message to %s): %s", recipient, content)))
}
