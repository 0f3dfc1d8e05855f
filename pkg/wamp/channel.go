package wamp

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type Direction uint8

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Tracer получает каждый кадр, прошедший через Channel. Реализация должна
// быть потокобезопасной и не блокировать надолго.
type Tracer interface {
	Trace(channelID string, dir Direction, frame Frame)
}

// Sender отправляет сообщение протокола.
type Sender interface {
	Send(msg Message) error
}

// Channel связывает Transport с Codec. Запись идёт под мьютексом, который
// держится ровно на время одной записи; читать должен один владелец.
type Channel struct {
	id        string
	transport Transport
	codec     Codec
	writeMu   sync.Mutex
	tracer    Tracer
	logger    *slog.Logger
}

type ChannelOption func(*Channel)

func WithTracer(t Tracer) ChannelOption {
	return func(c *Channel) {
		c.tracer = t
	}
}

func WithLogger(l *slog.Logger) ChannelOption {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewChannel(t Transport, codec Codec, opts ...ChannelOption) *Channel {
	if codec == nil {
		codec = JSONCodec{}
	}

	c := &Channel{
		id:        uuid.New().String(),
		transport: t,
		codec:     codec,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

var _ Sender = (*Channel)(nil)

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Codec() Codec {
	return c.codec
}

// Read читает один кадр и декодирует его. Ping, Pong и Close дают (nil, nil):
// сообщения нет, можно читать дальше. Кадр чужой сериализации даёт
// ErrUnsupportedEncoding.
func (c *Channel) Read() (Message, error) {
	frame, err := c.transport.ReadFrame()
	if err != nil {
		return nil, err
	}

	c.trace(DirectionIn, frame)

	switch frame.Kind {
	case FramePing, FramePong, FrameClose:
		return nil, nil
	case FrameText, FrameBinary:
		if frame.Kind != c.codec.FrameKind() {
			return nil, fmt.Errorf("%w: %s frame", ErrUnsupportedEncoding, frame.Kind)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedFrame, frame.Kind)
	}

	msg, err := c.codec.Decode(frame.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	c.logger.Debug("message received", "channel", c.id, "type", msg.MessageType())

	return msg, nil
}

func (c *Channel) Send(msg Message) error {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	frame := Frame{Kind: c.codec.FrameKind(), Data: data}

	// Трасса пишется под тем же мьютексом, что и кадр: порядок совпадает
	c.writeMu.Lock()
	err = c.transport.WriteFrame(frame)
	if err == nil {
		c.trace(DirectionOut, frame)
	}
	c.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.MessageType(), err)
	}

	c.logger.Debug("message sent", "channel", c.id, "type", msg.MessageType())

	return nil
}

func (c *Channel) Close() error {
	return c.transport.Close()
}

func (c *Channel) trace(dir Direction, frame Frame) {
	if c.tracer != nil {
		c.tracer.Trace(c.id, dir, frame)
	}
}
