// Package trace записывает кадры WAMP-соединения в поток CBOR для
// последующего разбора (wampctl trace).
package trace

import (
	"encoding/json"
	"time"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
)

// MaxData - сколько байт кадра сохраняется в событии.
const MaxData = 4096

// Event - один кадр, прошедший через канал. Ключи CBOR целочисленные.
type Event struct {
	Timestamp    time.Time        `cbor:"1,keyasint"`
	ConnectionID string           `cbor:"2,keyasint"`
	Direction    wamp.Direction   `cbor:"3,keyasint"`
	Kind         wamp.FrameKind   `cbor:"4,keyasint"`
	MessageType  wamp.MessageType `cbor:"5,keyasint,omitempty"`
	Size         int              `cbor:"6,keyasint"`
	Truncated    bool             `cbor:"7,keyasint,omitempty"`
	Data         []byte           `cbor:"8,keyasint,omitempty"`
}

// NewEvent строит событие из кадра. Для текстовых кадров тип сообщения
// берётся из первого элемента массива; кадр, который не разбирается,
// остаётся с MessageType == 0.
func NewEvent(channelID string, dir wamp.Direction, frame wamp.Frame) Event {
	ev := Event{
		Timestamp:    time.Now(),
		ConnectionID: channelID,
		Direction:    dir,
		Kind:         frame.Kind,
		MessageType:  peekType(frame),
		Size:         len(frame.Data),
	}

	data := frame.Data
	if len(data) > MaxData {
		data = data[:MaxData]
		ev.Truncated = true
	}
	ev.Data = append([]byte(nil), data...)

	return ev
}

func peekType(frame wamp.Frame) wamp.MessageType {
	if frame.Kind != wamp.FrameText {
		return 0
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(frame.Data, &raw); err != nil || len(raw) == 0 {
		return 0
	}

	var code int
	if err := json.Unmarshal(raw[0], &code); err != nil {
		return 0
	}

	return wamp.MessageType(code)
}

// Recorder принимает события трассировки.
type Recorder interface {
	Record(ev Event)
}

// Tracer адаптирует Recorder к wamp.Tracer.
type Tracer struct {
	Recorder Recorder
}

var _ wamp.Tracer = Tracer{}

func (t Tracer) Trace(channelID string, dir wamp.Direction, frame wamp.Frame) {
	t.Recorder.Record(NewEvent(channelID, dir, frame))
}

type multiRecorder []Recorder

func (m multiRecorder) Record(ev Event) {
	for _, r := range m {
		r.Record(ev)
	}
}

// Multi раздаёт события всем recs по порядку.
func Multi(recs ...Recorder) Recorder {
	return multiRecorder(recs)
}
