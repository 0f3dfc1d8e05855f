// Package wamptest содержит транспорт в памяти для тестов движков.
package wamptest

import (
	"sync"
	"time"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
)

// Transport - wamp.Transport в памяти. Входящие кадры подкладываются через
// Inject, исходящие копятся и доступны через Sent и Next.
type Transport struct {
	codec wamp.Codec

	in  chan wamp.Frame
	out chan wamp.Message

	mu       sync.Mutex
	sent     []wamp.Message
	closed   bool
	done     chan struct{}
	writeErr error
}

var _ wamp.Transport = (*Transport)(nil)

func NewTransport() *Transport {
	return &Transport{
		codec: wamp.JSONCodec{},
		in:    make(chan wamp.Frame, 64),
		out:   make(chan wamp.Message, 64),
		done:  make(chan struct{}),
	}
}

// Channel оборачивает транспорт в wamp.Channel с JSON-кодеком.
func (t *Transport) Channel(opts ...wamp.ChannelOption) *wamp.Channel {
	return wamp.NewChannel(t, t.codec, opts...)
}

// Inject кодирует сообщение и ставит его в очередь на чтение.
func (t *Transport) Inject(msg wamp.Message) {
	data, err := t.codec.Encode(msg)
	if err != nil {
		panic(err)
	}

	t.InjectFrame(wamp.Frame{Kind: t.codec.FrameKind(), Data: data})
}

func (t *Transport) InjectFrame(frame wamp.Frame) {
	t.in <- frame
}

// FailWrites заставляет все последующие записи возвращать err.
func (t *Transport) FailWrites(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

func (t *Transport) ReadFrame() (wamp.Frame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case <-t.done:
		return wamp.Frame{}, wamp.ErrConnectionClosed
	}
}

func (t *Transport) WriteFrame(frame wamp.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return wamp.ErrConnectionClosed
	}

	if t.writeErr != nil {
		return t.writeErr
	}

	msg, err := t.codec.Decode(frame.Data)
	if err != nil {
		return err
	}

	t.sent = append(t.sent, msg)

	select {
	case t.out <- msg:
	default:
	}

	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		close(t.done)
	}

	return nil
}

// Sent возвращает копию всех отправленных сообщений.
func (t *Transport) Sent() []wamp.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wamp.Message(nil), t.sent...)
}

// Next ждёт следующее отправленное сообщение не дольше timeout.
func (t *Transport) Next(timeout time.Duration) (wamp.Message, bool) {
	select {
	case msg := <-t.out:
		return msg, true
	case <-time.After(timeout):
		return nil, false
	}
}
