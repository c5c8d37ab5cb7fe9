// Package protocol defines the wire envelope exchanged between client and
// server and its JSON codec.
//
// An envelope is an externally tagged union with exactly one variant set:
//
//	{"ChatMessage":{"sender":"alice","content":"hi"}}
//	{"Command":{"name":"list","args":[]}}
//	{"SystemMessage":"Authentication successful"}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned by Decode for any payload that does not
// parse into exactly one of the three envelope variants. Sessions treat it
// as recoverable: log and discard, never disconnect.
var ErrMalformedFrame = errors.New("malformed frame")

// ChatMessage is a user-visible chat line. The server rewrites Sender to the
// authenticated username of the producing session before fan-out.
type ChatMessage struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Command is an interactive request such as name, list, or DirectMessage.
// Commands are never appended to message history.
type Command struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
}

// Envelope is the tagged union carried in a single text frame. Exactly one
// field is non-nil on a valid envelope.
type Envelope struct {
	Chat    *ChatMessage `json:"ChatMessage,omitempty"`
	Command *Command     `json:"Command,omitempty"`
	System  *string      `json:"SystemMessage,omitempty"`
}

// NewChat builds a ChatMessage envelope.
func NewChat(sender, content string) Envelope {
	return Envelope{Chat: &ChatMessage{Sender: sender, Content: content}}
}

// NewCommand builds a Command envelope. Args are kept in order; a missing
// args list is encoded as [] to match the wire contract.
func NewCommand(name string, args ...string) Envelope {
	if args == nil {
		args = []string{}
	}
	return Envelope{Command: &Command{Name: name, Args: args}}
}

// NewSystem builds a SystemMessage envelope.
func NewSystem(text string) Envelope {
	return Envelope{System: &text}
}

// Kind returns the variant tag, used for logging and metric labels.
func (e Envelope) Kind() string {
	switch {
	case e.Chat != nil:
		return "ChatMessage"
	case e.Command != nil:
		return "Command"
	case e.System != nil:
		return "SystemMessage"
	default:
		return "invalid"
	}
}

// Historic reports whether the envelope is eligible for message history.
// Only chat and system messages are historic; commands never are.
func (e Envelope) Historic() bool {
	return e.Chat != nil || e.System != nil
}

// variants counts how many union fields are set.
func (e Envelope) variants() int {
	n := 0
	if e.Chat != nil {
		n++
	}
	if e.Command != nil {
		n++
	}
	if e.System != nil {
		n++
	}
	return n
}

// Encode serializes the envelope to its wire form.
func Encode(e Envelope) ([]byte, error) {
	if e.variants() != 1 {
		return nil, fmt.Errorf("%w: envelope must carry exactly one variant", ErrMalformedFrame)
	}
	return json.Marshal(e)
}

// Decode parses a wire payload into an envelope. Payloads that are not valid
// JSON, match no variant, or match more than one variant fail with
// ErrMalformedFrame.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if e.variants() != 1 {
		return Envelope{}, fmt.Errorf("%w: expected exactly one variant", ErrMalformedFrame)
	}
	return e, nil
}
