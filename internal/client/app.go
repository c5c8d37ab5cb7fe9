// Package client implements the interactive terminal client: a login
// prompt, a line-based input loop, and a renderer for incoming traffic.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/manifoldco/promptui"

	"github.com/williamchildres/terminal-messenger/internal/protocol"
)

// ErrLockedOut is returned when the server closes the connection after
// too many failed login attempts.
var ErrLockedOut = errors.New("max login attempts reached")

// App is one client session against a chat server.
type App struct {
	ServerURL string
	In        io.Reader
	Out       io.Writer

	conn     *websocket.Conn
	username string
}

// New builds an app talking to the given websocket URL, wired to stdin
// and stdout via Run's caller.
func New(serverURL string, in io.Reader, out io.Writer) *App {
	return &App{ServerURL: serverURL, In: in, Out: out}
}

// Run connects, authenticates, and serves the read and input loops until
// the user quits or the connection drops.
func (a *App) Run(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, a.ServerURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect to %s: %w (status %d)", a.ServerURL, err, resp.StatusCode)
		}
		return fmt.Errorf("connect to %s: %w", a.ServerURL, err)
	}
	defer conn.Close()
	a.conn = conn
	fmt.Fprintln(a.Out, "Connected to the server")

	if err := a.login(); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go a.readLoop(errCh)
	go a.inputLoop(errCh)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// login prompts for credentials until the server accepts them or locks
// the connection. Server replies are matched on their prefixes because
// the failure line carries the remaining-attempts counter.
func (a *App) login() error {
	for {
		username, err := (&promptui.Prompt{Label: "Username"}).Run()
		if err != nil {
			return fmt.Errorf("read username: %w", err)
		}
		password, err := (&promptui.Prompt{Label: "Password", Mask: '*'}).Run()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}

		if err := a.send(protocol.NewSystem(username + ":" + password)); err != nil {
			return err
		}
		reply, err := a.readSystem()
		if err != nil {
			return err
		}
		fmt.Fprintln(a.Out, "* "+reply)

		switch {
		case strings.Contains(reply, "Authentication successful"):
			a.username = username
			return nil
		case strings.Contains(reply, "Max login attempts"):
			return ErrLockedOut
		}
	}
}

// PromptServerURL asks for the server address before connecting, offering
// the command-line default.
func PromptServerURL(defaultURL string) (string, error) {
	url, err := (&promptui.Prompt{Label: "Server", Default: defaultURL}).Run()
	if err != nil {
		return "", fmt.Errorf("read server url: %w", err)
	}
	return url, nil
}

// PromptReconnect shows the connection-lost choice. True means dial again.
func PromptReconnect() (bool, error) {
	_, choice, err := (&promptui.Select{
		Label: "Connection lost",
		Items: []string{"Reconnect", "Quit"},
	}).Run()
	if err != nil {
		return false, err
	}
	return choice == "Reconnect", nil
}

func (a *App) send(e protocol.Envelope) error {
	data, err := protocol.Encode(e)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (a *App) readSystem() (string, error) {
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read reply: %w", err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if env.System != nil {
			return *env.System, nil
		}
	}
}

// readLoop renders everything the server sends until the connection
// closes.
func (a *App) readLoop(errCh chan<- error) {
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			fmt.Fprintln(a.Out, "Disconnected from server.")
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				errCh <- nil
			} else {
				errCh <- err
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if line := Render(env); line != "" {
			fmt.Fprintln(a.Out, line)
		}
	}
}

// inputLoop reads lines, parses them, and ships them out.
func (a *App) inputLoop(errCh chan<- error) {
	scanner := bufio.NewScanner(a.In)
	for scanner.Scan() {
		env, action := ParseInput(a.username, scanner.Text())
		switch action {
		case ActionNone:
			continue
		case ActionHelp:
			fmt.Fprintln(a.Out, helpText)
		case ActionQuit:
			a.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			errCh <- nil
			return
		case ActionSend:
			if err := a.send(env); err != nil {
				errCh <- err
				return
			}
			// Renames apply locally right away; the server confirms
			// with its own system line.
			if env.Command != nil && env.Command.Name == "name" && len(env.Command.Args) == 1 {
				a.username = env.Command.Args[0]
			}
		}
	}
	errCh <- scanner.Err()
}
