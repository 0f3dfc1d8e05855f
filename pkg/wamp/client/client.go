package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
)

var ErrDuplicateRequest = errors.New("request id already pending")

type Config struct {
	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Logger: slog.Default(),
	}
}

// Client - однопоточный движок: читает кадр, сопоставляет ответ с ожидающей
// операцией, вызывает колбэк в отсоединённом Context, сливает его в живой и
// отправляет очередь исходящих. Следующий кадр читается только после этого.
type Client struct {
	channel *wamp.Channel
	context *Context
	logger  *slog.Logger

	mu          sync.RWMutex
	onWelcome   Callback[*wamp.Welcome]
	onChallenge Callback[*wamp.Challenge]
	onGoodbye   Callback[*wamp.Goodbye]
	onAbort     Callback[*wamp.Abort]
	onExtension Callback[*wamp.Extension]
}

func New(ch *wamp.Channel, cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		channel: ch,
		context: NewContext(ch),
		logger:  cfg.Logger,
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

// Context возвращает живой Context, подключённый к каналу.
func (c *Client) Context() *Context {
	return c.context
}

func (c *Client) Channel() *wamp.Channel {
	return c.channel
}

func (c *Client) OnWelcome(cb Callback[*wamp.Welcome]) *Client {
	c.mu.Lock()
	c.onWelcome = cb
	c.mu.Unlock()
	return c
}

func (c *Client) OnChallenge(cb Callback[*wamp.Challenge]) *Client {
	c.mu.Lock()
	c.onChallenge = cb
	c.mu.Unlock()
	return c
}

func (c *Client) OnGoodbye(cb Callback[*wamp.Goodbye]) *Client {
	c.mu.Lock()
	c.onGoodbye = cb
	c.mu.Unlock()
	return c
}

// OnAbort вызывается перед тем, как Dispatch вернёт *wamp.AbortError.
func (c *Client) OnAbort(cb Callback[*wamp.Abort]) *Client {
	c.mu.Lock()
	c.onAbort = cb
	c.mu.Unlock()
	return c
}

func (c *Client) OnExtension(cb Callback[*wamp.Extension]) *Client {
	c.mu.Lock()
	c.onExtension = cb
	c.mu.Unlock()
	return c
}

func (c *Client) Send(msg wamp.Message) error {
	return c.channel.Send(msg)
}

func (c *Client) Register(req *wamp.Register, cb ResultCallback[*wamp.Registered]) error {
	return c.context.Register(req, cb)
}

func (c *Client) Unregister(req *wamp.Unregister, cb ResultCallback[*wamp.Unregistered]) error {
	return c.context.Unregister(req, cb)
}

func (c *Client) Subscribe(req *wamp.Subscribe, cb ResultCallback[*wamp.Subscribed]) error {
	return c.context.Subscribe(req, cb)
}

func (c *Client) Unsubscribe(req *wamp.Unsubscribe, cb ResultCallback[*wamp.Unsubscribed]) error {
	return c.context.Unsubscribe(req, cb)
}

func (c *Client) Publish(req *wamp.Publish, cb ResultCallback[*wamp.Published]) error {
	return c.context.Publish(req, cb)
}

func (c *Client) Call(req *wamp.Call, cb ResultCallback[*wamp.Result]) error {
	return c.context.Call(req, cb)
}

func (c *Client) Cancel(req *wamp.Cancel, cb ResultCallback[*wamp.Interrupt]) error {
	return c.context.Cancel(req, cb)
}

func (c *Client) Event(subscribed *wamp.Subscribed, cb Callback[*wamp.Event]) {
	c.context.Event(subscribed, cb)
}

func (c *Client) Invocation(registered *wamp.Registered, cb Callback[*wamp.Invocation]) {
	c.context.Invocation(registered, cb)
}

// Read читает следующее сообщение. (nil, nil) - управляющий кадр.
func (c *Client) Read() (wamp.Message, error) {
	return c.channel.Read()
}

// Flush отправляет всё, что накопилось в очереди живого Context.
func (c *Client) Flush() error {
	return c.context.Flush()
}

// Step - один оборот движка: отправить очередь, прочитать кадр, разобрать
// его и снова отправить очередь. Возвращает полученное сообщение.
func (c *Client) Step() (wamp.Message, error) {
	if err := c.Flush(); err != nil {
		return nil, err
	}

	msg, err := c.Read()
	if err != nil {
		return nil, err
	}

	if msg != nil {
		if _, err := c.Dispatch(msg); err != nil {
			return msg, err
		}
	}

	if err := c.Flush(); err != nil {
		return msg, err
	}

	return msg, nil
}

// Run крутит Step до фатальной ошибки. Закрытое соединение даёт nil.
// Отмена ctx закрывает канал, чтобы прервать блокирующее чтение.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.channel.Close()
	})
	defer stop()

	for {
		if _, err := c.Step(); err != nil {
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

func (c *Client) Close() error {
	return c.channel.Close()
}

// invoke вызывает fn с новым отсоединённым Context и сливает его в живой.
func (c *Client) invoke(fn func(ctx *Context)) {
	detached := NewContext(nil)
	fn(detached)
	c.context.Extend(detached)
}

// Dispatch сопоставляет входящее сообщение с ожидающей операцией и вызывает
// её колбэк. Сообщение без подходящей записи отбрасывается. Сообщения,
// которые роутер слать не может, дают *wamp.InvalidFrameError.
func (c *Client) Dispatch(msg wamp.Message) (wamp.Message, error) {
	if err := wamp.CheckInbound(msg); err != nil {
		return msg, err
	}

	live := c.context

	switch m := msg.(type) {
	case *wamp.Welcome:
		c.mu.RLock()
		cb := c.onWelcome
		c.mu.RUnlock()

		if cb != nil {
			c.invoke(func(ctx *Context) { cb(ctx, m) })
		}

	case *wamp.Challenge:
		c.mu.RLock()
		cb := c.onChallenge
		c.mu.RUnlock()

		if cb != nil {
			c.invoke(func(ctx *Context) { cb(ctx, m) })
		}

	case *wamp.Goodbye:
		c.mu.RLock()
		cb := c.onGoodbye
		c.mu.RUnlock()

		if cb != nil {
			c.invoke(func(ctx *Context) { cb(ctx, m) })
		}

	case *wamp.Abort:
		c.mu.RLock()
		cb := c.onAbort
		c.mu.RUnlock()

		if cb != nil {
			c.invoke(func(ctx *Context) { cb(ctx, m) })
		}

		return msg, &wamp.AbortError{Abort: m}

	case *wamp.Extension:
		c.mu.RLock()
		cb := c.onExtension
		c.mu.RUnlock()

		if cb != nil {
			c.invoke(func(ctx *Context) { cb(ctx, m) })
		}

	case *wamp.Error:
		c.dispatchError(m)

	case *wamp.Registered:
		if entry, ok := take(live, &live.registrations, m.RequestID); ok {
			resolve(c, entry.Callback, m)
		} else {
			c.unmatched(m, m.RequestID)
		}

	case *wamp.Unregistered:
		if entry, ok := live.resolveUnregistered(m); ok {
			resolve(c, entry.Callback, m)
		} else if m.RequestID != 0 {
			c.unmatched(m, m.RequestID)
		}

	case *wamp.Subscribed:
		if entry, ok := take(live, &live.subscriptions, m.RequestID); ok {
			resolve(c, entry.Callback, m)
		} else {
			c.unmatched(m, m.RequestID)
		}

	case *wamp.Unsubscribed:
		if entry, ok := live.resolveUnsubscribed(m); ok {
			resolve(c, entry.Callback, m)
		} else if m.RequestID != 0 {
			c.unmatched(m, m.RequestID)
		}

	case *wamp.Published:
		if entry, ok := take(live, &live.publications, m.RequestID); ok {
			resolve(c, entry.Callback, m)
		} else {
			c.unmatched(m, m.RequestID)
		}

	case *wamp.Result:
		// Промежуточный результат не завершает вызов
		var (
			entry CallEntry
			ok    bool
		)
		if m.Progress() {
			entry, ok = lookup(live, &live.calls, m.RequestID)
		} else {
			entry, ok = take(live, &live.calls, m.RequestID)
		}

		if ok {
			resolve(c, entry.Callback, m)
		} else {
			c.unmatched(m, m.RequestID)
		}

	case *wamp.Interrupt:
		if entry, ok := take(live, &live.cancellations, m.RequestID); ok {
			resolve(c, entry.Callback, m)
		} else {
			c.unmatched(m, m.RequestID)
		}

	case *wamp.Event:
		listeners := live.eventListeners(m.Subscription)
		if len(listeners) == 0 {
			c.logger.Debug("event for unknown subscription", "subscription", m.Subscription)
			break
		}

		c.invoke(func(ctx *Context) {
			for _, l := range listeners {
				if l.Callback != nil {
					l.Callback(ctx, m)
				}
			}
		})

	case *wamp.Invocation:
		listeners := live.invocationListeners(m.Registration)
		if len(listeners) == 0 {
			c.logger.Warn("invocation for unknown registration", "registration", m.Registration)
			break
		}

		c.invoke(func(ctx *Context) {
			for _, l := range listeners {
				if l.Callback != nil {
					l.Callback(ctx, m)
				}
			}
		})

	default:
		return msg, fmt.Errorf("%w: %s", wamp.ErrUnexpectedFrame, msg.MessageType())
	}

	return msg, nil
}

func resolve[T wamp.Message](c *Client, cb ResultCallback[T], msg T) {
	if cb == nil {
		return
	}
	c.invoke(func(ctx *Context) { cb(ctx, msg, nil) })
}

func reject[T wamp.Message](c *Client, cb ResultCallback[T], e *wamp.Error) {
	if cb == nil {
		return
	}

	var zero T
	c.invoke(func(ctx *Context) { cb(ctx, zero, e) })
}

// dispatchError снимает запись той категории, на которую указывает ERROR,
// и вызывает её колбэк с ошибкой.
func (c *Client) dispatchError(e *wamp.Error) {
	live := c.context

	var found bool

	switch e.RequestType {
	case wamp.MessageRegister:
		entry, ok := take(live, &live.registrations, e.RequestID)
		if found = ok; ok {
			reject(c, entry.Callback, e)
		}
	case wamp.MessageUnregister:
		entry, ok := take(live, &live.unregistrations, e.RequestID)
		if found = ok; ok {
			reject(c, entry.Callback, e)
		}
	case wamp.MessageSubscribe:
		entry, ok := take(live, &live.subscriptions, e.RequestID)
		if found = ok; ok {
			reject(c, entry.Callback, e)
		}
	case wamp.MessageUnsubscribe:
		entry, ok := take(live, &live.unsubscriptions, e.RequestID)
		if found = ok; ok {
			reject(c, entry.Callback, e)
		}
	case wamp.MessagePublish:
		entry, ok := take(live, &live.publications, e.RequestID)
		if found = ok; ok {
			reject(c, entry.Callback, e)
		}
	case wamp.MessageCall:
		entry, ok := take(live, &live.calls, e.RequestID)
		if found = ok; ok {
			reject(c, entry.Callback, e)
		}
	case wamp.MessageCancel:
		entry, ok := take(live, &live.cancellations, e.RequestID)
		if found = ok; ok {
			reject(c, entry.Callback, e)
		}
	default:
		c.logger.Warn("error for unsupported request type", "request_type", e.RequestType, "uri", e.URI)
		return
	}

	if !found {
		c.unmatched(e, e.RequestID)
	}
}

func (c *Client) unmatched(msg wamp.Message, requestID wamp.ID) {
	c.logger.Warn("received response for unknown request", "type", msg.MessageType(), "request_id", requestID)
}
