package hubproto

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// ErrMalformedMessage marks a frame that could not be decoded into a valid
// envelope. The connection itself is still usable.
var ErrMalformedMessage = errors.New("malformed message")

// ErrBinaryFrame is returned when a peer sends a non-text frame.
var ErrBinaryFrame = fmt.Errorf("%w: unexpected binary frame", ErrMalformedMessage)

// Encode marshals msg for a single text frame.
func Encode(msg Message) ([]byte, error) {
	return JSON.Marshal(msg)
}

// Decode parses and validates one envelope.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := JSON.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return msg, nil
}

// ReadMessage reads the next envelope from conn.
func ReadMessage(conn *websocket.Conn) (Message, error) {
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	if mt != websocket.TextMessage {
		return Message{}, ErrBinaryFrame
	}
	return Decode(data)
}
