package wamp

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed    = errors.New("connection closed")
	ErrRequestTimeout      = errors.New("request timeout")
	ErrNoSubscription      = errors.New("no active subscription")
	ErrUnsupportedEncoding = errors.New("unsupported encoding: only text (json) frames are supported")
	ErrUnexpectedFrame     = errors.New("unexpected frame")
	ErrInvalidFrame        = errors.New("invalid frame received")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrUnknownMessageType  = errors.New("unknown message type")
	ErrSessionAborted      = errors.New("session aborted")
	ErrSubprotocolMismatch = errors.New("subprotocol mismatch")
)

// InvalidFrameError - получено сообщение, которое клиент получать не должен.
// Это нарушение ролей, соединение следует закрыть.
type InvalidFrameError struct {
	Message Message
}

func (e *InvalidFrameError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidFrame, e.Message.MessageType())
}

func (e *InvalidFrameError) Unwrap() error {
	return ErrInvalidFrame
}

type AbortError struct {
	Abort *Abort
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSessionAborted, e.Abort.Reason)
}

func (e *AbortError) Unwrap() error {
	return ErrSessionAborted
}

// CheckInbound отбрасывает сообщения, которые роутер не может прислать клиенту.
func CheckInbound(msg Message) error {
	if msg.MessageType().SentByClient() {
		return &InvalidFrameError{Message: msg}
	}
	return nil
}
