// Package hubproto defines the JSON wire envelope exchanged between a hub
// server and its clients over a WebSocket connection.
package hubproto

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Message kinds identify the type of payload carried by a [Message].
const (
	KindInvocation       = "invocation"
	KindCompletion       = "completion"
	KindStreamInvocation = "stream_invocation"
	KindStreamItem       = "stream_item"
	KindStreamComplete   = "stream_complete"
	KindCancelStream     = "cancel_stream"
	KindPing             = "ping"
	KindPong             = "pong"
	KindClose            = "close"
)

// JSON is the codec used for envelopes and argument payloads.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// RawMessage is an undecoded JSON value.
type RawMessage = jsoniter.RawMessage

// Message is the top-level envelope exchanged on a hub WebSocket.
//
// An invocation without ID is fire-and-forget; with an ID the receiver
// replies with a completion carrying the same ID.
type Message struct {
	Kind      string       `json:"kind"`
	ID        string       `json:"id,omitempty"`
	Target    string       `json:"target,omitempty"`
	Arguments []RawMessage `json:"arguments,omitempty"`
	Item      RawMessage   `json:"item,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// IsControl reports whether m is written ahead of queued data frames.
func (m Message) IsControl() bool {
	switch m.Kind {
	case KindPing, KindPong, KindCompletion, KindClose, KindCancelStream:
		return true
	}
	return false
}

// Validate checks the fields each kind requires.
func (m Message) Validate() error {
	switch m.Kind {
	case KindInvocation:
		if m.Target == "" {
			return errors.New("invocation without target")
		}
	case KindStreamInvocation:
		if m.Target == "" || m.ID == "" {
			return errors.New("stream invocation requires target and id")
		}
	case KindCompletion, KindStreamItem, KindStreamComplete, KindCancelStream:
		if m.ID == "" {
			return fmt.Errorf("%s without id", m.Kind)
		}
	case KindPing, KindPong, KindClose:
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

// Invocation builds an invocation envelope. Arguments are encoded in order.
func Invocation(id, target string, args ...any) (Message, error) {
	raw, err := EncodeArguments(args)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s arguments: %w", target, err)
	}
	return Message{Kind: KindInvocation, ID: id, Target: target, Arguments: raw}, nil
}

// StreamInvocation builds a stream start envelope.
func StreamInvocation(id, target string, args ...any) (Message, error) {
	msg, err := Invocation(id, target, args...)
	if err != nil {
		return Message{}, err
	}
	msg.Kind = KindStreamInvocation
	return msg, nil
}

// Completion acknowledges an identified invocation. A nil err reports success.
func Completion(id string, err error) Message {
	msg := Message{Kind: KindCompletion, ID: id}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

// StreamItem wraps one element of stream id.
func StreamItem(id string, item any) (Message, error) {
	raw, err := JSON.Marshal(item)
	if err != nil {
		return Message{}, fmt.Errorf("encode stream item: %w", err)
	}
	return Message{Kind: KindStreamItem, ID: id, Item: raw}, nil
}

// StreamComplete ends stream id. A nil err reports normal completion.
func StreamComplete(id string, err error) Message {
	msg := Message{Kind: KindStreamComplete, ID: id}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

// EncodeArguments marshals each argument to its own raw JSON value.
func EncodeArguments(args []any) ([]RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]RawMessage, len(args))
	for i, a := range args {
		if raw, ok := a.(RawMessage); ok {
			out[i] = raw
			continue
		}
		b, err := JSON.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// RemoteError is the error text a peer reported for an invocation or stream.
type RemoteError struct {
	Target  string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Target == "" {
		return "remote: " + e.Message
	}
	return "remote " + e.Target + ": " + e.Message
}

// RemoteErr returns the error carried by a completion or stream completion,
// or nil when it reports success.
func (m Message) RemoteErr(target string) error {
	if m.Error == "" {
		return nil
	}
	return &RemoteError{Target: target, Message: m.Error}
}
