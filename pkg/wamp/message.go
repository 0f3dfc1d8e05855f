package wamp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type (
	ID   uint64
	URI  string
	Dict map[string]any
	List []any
)

type MessageType int

const (
	MessageHello        MessageType = 1
	MessageWelcome      MessageType = 2
	MessageAbort        MessageType = 3
	MessageChallenge    MessageType = 4
	MessageAuthenticate MessageType = 5
	MessageGoodbye      MessageType = 6
	MessageError        MessageType = 8
	MessagePublish      MessageType = 16
	MessagePublished    MessageType = 17
	MessageSubscribe    MessageType = 32
	MessageSubscribed   MessageType = 33
	MessageUnsubscribe  MessageType = 34
	MessageUnsubscribed MessageType = 35
	MessageEvent        MessageType = 36
	MessageCall         MessageType = 48
	MessageCancel       MessageType = 49
	MessageResult       MessageType = 50
	MessageRegister     MessageType = 64
	MessageRegistered   MessageType = 65
	MessageUnregister   MessageType = 66
	MessageUnregistered MessageType = 67
	MessageInvocation   MessageType = 68
	MessageInterrupt    MessageType = 69
	MessageYield        MessageType = 70

	// Диапазон кодов для расширений протокола.
	MessageExtensionFirst MessageType = 256
	MessageExtensionLast  MessageType = 1023
)

var messageTypeNames = map[MessageType]string{
	MessageHello:        "HELLO",
	MessageWelcome:      "WELCOME",
	MessageAbort:        "ABORT",
	MessageChallenge:    "CHALLENGE",
	MessageAuthenticate: "AUTHENTICATE",
	MessageGoodbye:      "GOODBYE",
	MessageError:        "ERROR",
	MessagePublish:      "PUBLISH",
	MessagePublished:    "PUBLISHED",
	MessageSubscribe:    "SUBSCRIBE",
	MessageSubscribed:   "SUBSCRIBED",
	MessageUnsubscribe:  "UNSUBSCRIBE",
	MessageUnsubscribed: "UNSUBSCRIBED",
	MessageEvent:        "EVENT",
	MessageCall:         "CALL",
	MessageCancel:       "CANCEL",
	MessageResult:       "RESULT",
	MessageRegister:     "REGISTER",
	MessageRegistered:   "REGISTERED",
	MessageUnregister:   "UNREGISTER",
	MessageUnregistered: "UNREGISTERED",
	MessageInvocation:   "INVOCATION",
	MessageInterrupt:    "INTERRUPT",
	MessageYield:        "YIELD",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}

	if t.IsExtension() {
		return fmt.Sprintf("EXTENSION(%d)", int(t))
	}

	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

// ParseMessageType принимает имя ("call", "EVENT") или числовой код.
func ParseMessageType(s string) (MessageType, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))

	for t, name := range messageTypeNames {
		if name == s {
			return t, true
		}
	}

	code, err := strconv.Atoi(s)
	if err != nil || code <= 0 {
		return 0, false
	}

	return MessageType(code), true
}

func (t MessageType) IsExtension() bool {
	return t >= MessageExtensionFirst && t <= MessageExtensionLast
}

// SentByClient сообщает, что сообщение этого типа отправляет только клиент
// (caller, callee, publisher, subscriber). Получение такого сообщения
// клиентом означает нарушение ролей.
func (t MessageType) SentByClient() bool {
	switch t {
	case MessageHello, MessageAuthenticate,
		MessageRegister, MessageUnregister,
		MessageCall, MessageCancel, MessageYield,
		MessageSubscribe, MessageUnsubscribe, MessagePublish:
		return true
	default:
		return false
	}
}

type Message interface {
	MessageType() MessageType
}

type Hello struct {
	Realm   URI
	Details Dict
}

type Welcome struct {
	Session ID
	Details Dict
}

type Abort struct {
	Details Dict
	Reason  URI
}

type Challenge struct {
	AuthMethod string
	Extra      Dict
}

type Authenticate struct {
	Signature string
	Extra     Dict
}

type Goodbye struct {
	Details Dict
	Reason  URI
}

// Error - ответ ERROR на запрос категории RequestType.
type Error struct {
	RequestType MessageType
	RequestID   ID
	Details     Dict
	URI         URI
	Arguments   List
	ArgumentsKw Dict
}

func (e *Error) Error() string {
	return fmt.Sprintf("wamp error %s on %s request %d", e.URI, e.RequestType, e.RequestID)
}

type Publish struct {
	RequestID   ID
	Options     Dict
	Topic       URI
	Arguments   List
	ArgumentsKw Dict
}

// Acknowledge сообщает, ждёт ли издатель PUBLISHED от роутера.
func (p *Publish) Acknowledge() bool {
	ack, _ := p.Options["acknowledge"].(bool)
	return ack
}

type Published struct {
	RequestID   ID
	Publication ID
}

type Subscribe struct {
	RequestID ID
	Options   Dict
	Topic     URI
}

type Subscribed struct {
	RequestID    ID
	Subscription ID
}

type Unsubscribe struct {
	RequestID    ID
	Subscription ID
}

type Unsubscribed struct {
	RequestID ID
	Details   Dict
}

// Subscription возвращает идентификатор подписки, отозванной роутером
// (UNSUBSCRIBED с RequestID 0 и details.subscription).
func (u *Unsubscribed) Subscription() (ID, bool) {
	return DictID(u.Details, "subscription")
}

type Event struct {
	Subscription ID
	Publication  ID
	Details      Dict
	Arguments    List
	ArgumentsKw  Dict
}

type Call struct {
	RequestID   ID
	Options     Dict
	Procedure   URI
	Arguments   List
	ArgumentsKw Dict
}

type Cancel struct {
	RequestID ID
	Options   Dict
}

type Result struct {
	RequestID   ID
	Details     Dict
	Arguments   List
	ArgumentsKw Dict
}

// Progress сообщает, что это промежуточный результат (progressive call results).
func (r *Result) Progress() bool {
	progress, _ := r.Details["progress"].(bool)
	return progress
}

type Register struct {
	RequestID ID
	Options   Dict
	Procedure URI
}

type Registered struct {
	RequestID    ID
	Registration ID
}

type Unregister struct {
	RequestID    ID
	Registration ID
}

type Unregistered struct {
	RequestID ID
	Details   Dict
}

type Invocation struct {
	RequestID    ID
	Registration ID
	Details      Dict
	Arguments    List
	ArgumentsKw  Dict
}

type Interrupt struct {
	RequestID ID
	Options   Dict
}

type Yield struct {
	RequestID   ID
	Options     Dict
	Arguments   List
	ArgumentsKw Dict
}

// Extension хранит сообщение расширения без интерпретации.
type Extension struct {
	Type     MessageType
	Elements []json.RawMessage
}

func (*Hello) MessageType() MessageType        { return MessageHello }
func (*Welcome) MessageType() MessageType      { return MessageWelcome }
func (*Abort) MessageType() MessageType        { return MessageAbort }
func (*Challenge) MessageType() MessageType    { return MessageChallenge }
func (*Authenticate) MessageType() MessageType { return MessageAuthenticate }
func (*Goodbye) MessageType() MessageType      { return MessageGoodbye }
func (*Error) MessageType() MessageType        { return MessageError }
func (*Publish) MessageType() MessageType      { return MessagePublish }
func (*Published) MessageType() MessageType    { return MessagePublished }
func (*Subscribe) MessageType() MessageType    { return MessageSubscribe }
func (*Subscribed) MessageType() MessageType   { return MessageSubscribed }
func (*Unsubscribe) MessageType() MessageType  { return MessageUnsubscribe }
func (*Unsubscribed) MessageType() MessageType { return MessageUnsubscribed }
func (*Event) MessageType() MessageType        { return MessageEvent }
func (*Call) MessageType() MessageType         { return MessageCall }
func (*Cancel) MessageType() MessageType       { return MessageCancel }
func (*Result) MessageType() MessageType       { return MessageResult }
func (*Register) MessageType() MessageType     { return MessageRegister }
func (*Registered) MessageType() MessageType   { return MessageRegistered }
func (*Unregister) MessageType() MessageType   { return MessageUnregister }
func (*Unregistered) MessageType() MessageType { return MessageUnregistered }
func (*Invocation) MessageType() MessageType   { return MessageInvocation }
func (*Interrupt) MessageType() MessageType    { return MessageInterrupt }
func (*Yield) MessageType() MessageType        { return MessageYield }
func (e *Extension) MessageType() MessageType  { return e.Type }

// DictID достаёт идентификатор из словаря details/options. После JSON
// числа приходят как float64, поэтому поддерживаются все числовые формы.
func DictID(d Dict, key string) (ID, bool) {
	switch v := d[key].(type) {
	case ID:
		return v, true
	case uint64:
		return ID(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return ID(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return ID(v), true
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, false
		}
		return ID(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil || n < 0 {
			return 0, false
		}
		return ID(n), true
	default:
		return 0, false
	}
}
