package wamp

import (
	"encoding/json"
	"fmt"
)

const SubprotocolJSON = "wamp.2.json"

type Codec interface {
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
	Subprotocol() string
	// FrameKind - тип websocket-кадра, в котором едет сериализованное сообщение.
	FrameKind() FrameKind
}

// JSONCodec реализует сериализацию wamp.2.json: каждое сообщение - JSON-массив,
// первый элемент которого - код типа.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

func (JSONCodec) Subprotocol() string { return SubprotocolJSON }

func (JSONCodec) FrameKind() FrameKind { return FrameText }

func (JSONCodec) Encode(msg Message) ([]byte, error) {
	elements, err := encodeElements(msg)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(elements)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.MessageType(), err)
	}

	return data, nil
}

func encodeElements(msg Message) ([]any, error) {
	switch m := msg.(type) {
	case *Hello:
		return []any{MessageHello, m.Realm, orEmpty(m.Details)}, nil
	case *Welcome:
		return []any{MessageWelcome, m.Session, orEmpty(m.Details)}, nil
	case *Abort:
		return []any{MessageAbort, orEmpty(m.Details), m.Reason}, nil
	case *Challenge:
		return []any{MessageChallenge, m.AuthMethod, orEmpty(m.Extra)}, nil
	case *Authenticate:
		return []any{MessageAuthenticate, m.Signature, orEmpty(m.Extra)}, nil
	case *Goodbye:
		return []any{MessageGoodbye, orEmpty(m.Details), m.Reason}, nil
	case *Error:
		el := []any{MessageError, m.RequestType, m.RequestID, orEmpty(m.Details), m.URI}
		return appendPayload(el, m.Arguments, m.ArgumentsKw), nil
	case *Publish:
		el := []any{MessagePublish, m.RequestID, orEmpty(m.Options), m.Topic}
		return appendPayload(el, m.Arguments, m.ArgumentsKw), nil
	case *Published:
		return []any{MessagePublished, m.RequestID, m.Publication}, nil
	case *Subscribe:
		return []any{MessageSubscribe, m.RequestID, orEmpty(m.Options), m.Topic}, nil
	case *Subscribed:
		return []any{MessageSubscribed, m.RequestID, m.Subscription}, nil
	case *Unsubscribe:
		return []any{MessageUnsubscribe, m.RequestID, m.Subscription}, nil
	case *Unsubscribed:
		if len(m.Details) > 0 {
			return []any{MessageUnsubscribed, m.RequestID, m.Details}, nil
		}
		return []any{MessageUnsubscribed, m.RequestID}, nil
	case *Event:
		el := []any{MessageEvent, m.Subscription, m.Publication, orEmpty(m.Details)}
		return appendPayload(el, m.Arguments, m.ArgumentsKw), nil
	case *Call:
		el := []any{MessageCall, m.RequestID, orEmpty(m.Options), m.Procedure}
		return appendPayload(el, m.Arguments, m.ArgumentsKw), nil
	case *Cancel:
		return []any{MessageCancel, m.RequestID, orEmpty(m.Options)}, nil
	case *Result:
		el := []any{MessageResult, m.RequestID, orEmpty(m.Details)}
		return appendPayload(el, m.Arguments, m.ArgumentsKw), nil
	case *Register:
		return []any{MessageRegister, m.RequestID, orEmpty(m.Options), m.Procedure}, nil
	case *Registered:
		return []any{MessageRegistered, m.RequestID, m.Registration}, nil
	case *Unregister:
		return []any{MessageUnregister, m.RequestID, m.Registration}, nil
	case *Unregistered:
		if len(m.Details) > 0 {
			return []any{MessageUnregistered, m.RequestID, m.Details}, nil
		}
		return []any{MessageUnregistered, m.RequestID}, nil
	case *Invocation:
		el := []any{MessageInvocation, m.RequestID, m.Registration, orEmpty(m.Details)}
		return appendPayload(el, m.Arguments, m.ArgumentsKw), nil
	case *Interrupt:
		return []any{MessageInterrupt, m.RequestID, orEmpty(m.Options)}, nil
	case *Yield:
		el := []any{MessageYield, m.RequestID, orEmpty(m.Options)}
		return appendPayload(el, m.Arguments, m.ArgumentsKw), nil
	case *Extension:
		if !m.Type.IsExtension() {
			return nil, fmt.Errorf("%w: %d is not an extension code", ErrUnknownMessageType, int(m.Type))
		}
		el := make([]any, 0, len(m.Elements)+1)
		el = append(el, m.Type)
		for _, e := range m.Elements {
			el = append(el, e)
		}
		return el, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}

	f := &fields{raw: raw}
	code := f.messageType(0)
	if f.err != nil {
		return nil, f.err
	}

	msg, err := decodeFields(code, f)
	if err != nil {
		return nil, err
	}

	if f.err != nil {
		return nil, fmt.Errorf("%s: %w", code, f.err)
	}

	return msg, nil
}

func decodeFields(code MessageType, f *fields) (Message, error) {
	switch code {
	case MessageHello:
		f.need(3)
		return &Hello{Realm: f.uri(1), Details: f.dict(2)}, nil
	case MessageWelcome:
		f.need(3)
		return &Welcome{Session: f.id(1), Details: f.dict(2)}, nil
	case MessageAbort:
		f.need(3)
		return &Abort{Details: f.dict(1), Reason: f.uri(2)}, nil
	case MessageChallenge:
		f.need(2)
		return &Challenge{AuthMethod: f.str(1), Extra: f.dict(2)}, nil
	case MessageAuthenticate:
		f.need(2)
		return &Authenticate{Signature: f.str(1), Extra: f.dict(2)}, nil
	case MessageGoodbye:
		f.need(3)
		return &Goodbye{Details: f.dict(1), Reason: f.uri(2)}, nil
	case MessageError:
		f.need(5)
		return &Error{
			RequestType: f.messageType(1),
			RequestID:   f.id(2),
			Details:     f.dict(3),
			URI:         f.uri(4),
			Arguments:   f.list(5),
			ArgumentsKw: f.dict(6),
		}, nil
	case MessagePublish:
		f.need(4)
		return &Publish{
			RequestID:   f.id(1),
			Options:     f.dict(2),
			Topic:       f.uri(3),
			Arguments:   f.list(4),
			ArgumentsKw: f.dict(5),
		}, nil
	case MessagePublished:
		f.need(3)
		return &Published{RequestID: f.id(1), Publication: f.id(2)}, nil
	case MessageSubscribe:
		f.need(4)
		return &Subscribe{RequestID: f.id(1), Options: f.dict(2), Topic: f.uri(3)}, nil
	case MessageSubscribed:
		f.need(3)
		return &Subscribed{RequestID: f.id(1), Subscription: f.id(2)}, nil
	case MessageUnsubscribe:
		f.need(3)
		return &Unsubscribe{RequestID: f.id(1), Subscription: f.id(2)}, nil
	case MessageUnsubscribed:
		f.need(2)
		return &Unsubscribed{RequestID: f.id(1), Details: f.dict(2)}, nil
	case MessageEvent:
		f.need(4)
		return &Event{
			Subscription: f.id(1),
			Publication:  f.id(2),
			Details:      f.dict(3),
			Arguments:    f.list(4),
			ArgumentsKw:  f.dict(5),
		}, nil
	case MessageCall:
		f.need(4)
		return &Call{
			RequestID:   f.id(1),
			Options:     f.dict(2),
			Procedure:   f.uri(3),
			Arguments:   f.list(4),
			ArgumentsKw: f.dict(5),
		}, nil
	case MessageCancel:
		f.need(2)
		return &Cancel{RequestID: f.id(1), Options: f.dict(2)}, nil
	case MessageResult:
		f.need(3)
		return &Result{
			RequestID:   f.id(1),
			Details:     f.dict(2),
			Arguments:   f.list(3),
			ArgumentsKw: f.dict(4),
		}, nil
	case MessageRegister:
		f.need(4)
		return &Register{RequestID: f.id(1), Options: f.dict(2), Procedure: f.uri(3)}, nil
	case MessageRegistered:
		f.need(3)
		return &Registered{RequestID: f.id(1), Registration: f.id(2)}, nil
	case MessageUnregister:
		f.need(3)
		return &Unregister{RequestID: f.id(1), Registration: f.id(2)}, nil
	case MessageUnregistered:
		f.need(2)
		return &Unregistered{RequestID: f.id(1), Details: f.dict(2)}, nil
	case MessageInvocation:
		f.need(4)
		return &Invocation{
			RequestID:    f.id(1),
			Registration: f.id(2),
			Details:      f.dict(3),
			Arguments:    f.list(4),
			ArgumentsKw:  f.dict(5),
		}, nil
	case MessageInterrupt:
		f.need(2)
		return &Interrupt{RequestID: f.id(1), Options: f.dict(2)}, nil
	case MessageYield:
		f.need(2)
		return &Yield{
			RequestID:   f.id(1),
			Options:     f.dict(2),
			Arguments:   f.list(3),
			ArgumentsKw: f.dict(4),
		}, nil
	}

	if code.IsExtension() {
		return &Extension{Type: code, Elements: f.raw[1:]}, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, int(code))
}

// fields разбирает элементы JSON-массива, запоминая первую ошибку.
type fields struct {
	raw []json.RawMessage
	err error
}

func (f *fields) need(n int) {
	if f.err == nil && len(f.raw) < n {
		f.err = fmt.Errorf("%w: expected at least %d elements, got %d", ErrMalformedMessage, n, len(f.raw))
	}
}

func (f *fields) decode(i int, v any) bool {
	if f.err != nil || i >= len(f.raw) {
		return false
	}

	if err := json.Unmarshal(f.raw[i], v); err != nil {
		f.err = fmt.Errorf("%w: element %d: %w", ErrMalformedMessage, i, err)
		return false
	}

	return true
}

func (f *fields) messageType(i int) MessageType {
	var code int
	f.decode(i, &code)
	return MessageType(code)
}

func (f *fields) id(i int) ID {
	var id ID
	f.decode(i, &id)
	return id
}

func (f *fields) uri(i int) URI {
	var u URI
	f.decode(i, &u)
	return u
}

func (f *fields) str(i int) string {
	var s string
	f.decode(i, &s)
	return s
}

func (f *fields) dict(i int) Dict {
	var d Dict
	f.decode(i, &d)
	return d
}

func (f *fields) list(i int) List {
	var l List
	f.decode(i, &l)
	return l
}

func orEmpty(d Dict) Dict {
	if d == nil {
		return Dict{}
	}
	return d
}

func appendPayload(el []any, args List, kw Dict) []any {
	if len(kw) > 0 {
		if args == nil {
			args = List{}
		}
		return append(el, args, kw)
	}

	if len(args) > 0 {
		return append(el, args)
	}

	return el
}
