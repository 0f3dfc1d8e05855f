package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
)

var ErrListenerPanicked = errors.New("listener panicked")

type ListenerPanicError struct {
	RoutingID RoutingID
	Kind      wamp.MessageType
	Value     any
	Stack     []byte
}

func (e *ListenerPanicError) Error() string {
	return fmt.Sprintf("%s: routing id %d, %s: %v", ErrListenerPanicked, e.RoutingID, e.Kind, e.Value)
}

func (e *ListenerPanicError) Unwrap() error {
	return ErrListenerPanicked
}

type Config struct {
	Logger *slog.Logger
	// PanicHandler получает панику слушателя. Остальные слушатели и реестр
	// продолжают работать.
	PanicHandler func(err *ListenerPanicError)
}

func DefaultConfig() Config {
	return Config{
		Logger: slog.Default(),
	}
}

// Client - многопоточный движок: каждое прочитанное сообщение раздаётся
// всем слушателям его типа в отдельной горутине. Цикл чтения не ждёт
// завершения обработки.
type Client struct {
	channel  *wamp.Channel
	registry *Registry
	logger   *slog.Logger
	onPanic  func(err *ListenerPanicError)

	requests wamp.IDGenerator
	routing  wamp.IDGenerator

	inflight sync.WaitGroup
}

func New(ch *wamp.Channel, cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		channel:  ch,
		registry: NewRegistry(),
		logger:   cfg.Logger,
		onPanic:  cfg.PanicHandler,
	}
}

func Dial(ctx context.Context, dial wamp.DialConfig, cfg Config) (*Client, *http.Response, error) {
	if dial.Logger == nil {
		dial.Logger = cfg.Logger
	}

	ch, resp, err := wamp.Dial(ctx, dial)
	if err != nil {
		return nil, resp, err
	}

	return New(ch, cfg), resp, nil
}

func (c *Client) Channel() *wamp.Channel {
	return c.channel
}

func (c *Client) Registry() *Registry {
	return c.registry
}

func (c *Client) On(id RoutingID, l Listener) {
	c.registry.Add(id, l)
}

// Remove снимает слушателей сразу по всем ключам. После возврата ни одно
// сообщение, разданное позже, до них не дойдёт.
func (c *Client) Remove(ids ...RoutingID) {
	c.registry.Remove(ids...)
}

// Send потокобезопасен: запись в канал идёт под его мьютексом.
func (c *Client) Send(msg wamp.Message) error {
	return c.channel.Send(msg)
}

func (c *Client) NextRequestID() wamp.ID {
	return c.requests.Next()
}

func (c *Client) NextRoutingID() RoutingID {
	return RoutingID(c.routing.Next())
}

func closedDone() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

// Dispatch раздаёт сообщение слушателям его типа. Снимок слушателей берётся
// синхронно, вызовы идут в новой горутине; done закрывается после неё.
func (c *Client) Dispatch(msg wamp.Message) (<-chan struct{}, error) {
	if err := wamp.CheckInbound(msg); err != nil {
		return nil, err
	}

	switch msg.(type) {
	case *wamp.Abort, *wamp.Welcome, *wamp.Challenge, *wamp.Goodbye, *wamp.Error,
		*wamp.Event, *wamp.Interrupt, *wamp.Published, *wamp.Registered, *wamp.Result,
		*wamp.Subscribed, *wamp.Invocation, *wamp.Unsubscribed, *wamp.Unregistered,
		*wamp.Extension:
	default:
		return nil, fmt.Errorf("%w: %s", wamp.ErrUnexpectedFrame, msg.MessageType())
	}

	listeners := c.registry.snapshot(kindOf(msg))
	done := make(chan struct{})

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer close(done)

		for _, l := range listeners {
			c.call(l, msg)
		}
	}()

	return done, nil
}

func (c *Client) call(l registration, msg wamp.Message) {
	defer func() {
		if v := recover(); v != nil {
			err := &ListenerPanicError{
				RoutingID: l.id,
				Kind:      msg.MessageType(),
				Value:     v,
				Stack:     debug.Stack(),
			}

			c.logger.Error("listener panicked", "routing_id", l.id, "type", msg.MessageType(), "error", v)

			if c.onPanic != nil {
				c.onPanic(err)
			}
		}
	}()

	l.listener.handle(c, msg)
}

// ReadThenDispatch читает одно сообщение и раздаёт его. Для управляющих
// кадров сообщение nil, done уже закрыт.
func (c *Client) ReadThenDispatch() (wamp.Message, <-chan struct{}, error) {
	msg, err := c.channel.Read()
	if err != nil {
		return nil, nil, err
	}

	if msg == nil {
		return nil, closedDone(), nil
	}

	done, err := c.Dispatch(msg)
	if err != nil {
		return msg, nil, err
	}

	return msg, done, nil
}

// Run читает и раздаёт сообщения до фатальной ошибки. Закрытое соединение
// даёт nil.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.channel.Close()
	})
	defer stop()

	for {
		if _, _, err := c.ReadThenDispatch(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, wamp.ErrConnectionClosed) {
				c.logger.Info("connection closed", "channel", c.channel.ID())
				return nil
			}

			return err
		}
	}
}

// Wait ждёт, пока отработают все уже запущенные раздачи.
func (c *Client) Wait() {
	c.inflight.Wait()
}

func (c *Client) Close() error {
	return c.channel.Close()
}
