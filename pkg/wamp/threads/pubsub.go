package threads

import (
	"context"
	"sync"
	"time"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
)

const DefaultTimeout = 10 * time.Second

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// waiter - две ячейки на один ответ: успех и ошибка. В каждую пишет только
// первый ответ, успех проверяется первым.
type waiter[T any] struct {
	mu      sync.Mutex
	success T
	ok      bool
	failure *wamp.Error
	notify  chan struct{}
}

func newWaiter[T any]() *waiter[T] {
	return &waiter[T]{notify: make(chan struct{}, 1)}
}

func (w *waiter[T]) succeed(v T) {
	w.mu.Lock()
	if !w.ok {
		w.success = v
		w.ok = true
	}
	w.mu.Unlock()

	w.wake()
}

func (w *waiter[T]) fail(e *wamp.Error) {
	w.mu.Lock()
	if w.failure == nil {
		w.failure = e
	}
	w.mu.Unlock()

	w.wake()
}

func (w *waiter[T]) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *waiter[T]) check() (T, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ok {
		return w.success, true, nil
	}

	if w.failure != nil {
		var zero T
		return zero, true, w.failure
	}

	var zero T
	return zero, false, nil
}

func (w *waiter[T]) wait(ctx context.Context, clock Clock, timeout time.Duration) (T, error) {
	deadline := clock.After(timeout)

	for {
		if v, done, err := w.check(); done {
			return v, err
		}

		select {
		case <-w.notify:
		case <-deadline:
			if v, done, err := w.check(); done {
				return v, err
			}

			var zero T
			return zero, wamp.ErrRequestTimeout
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Subscription - блокирующая обёртка над подпиской поверх многопоточного
// движка. Движок должен крутиться (Client.Run) в другой горутине.
type Subscription struct {
	client  *Client
	clock   Clock
	timeout time.Duration

	mu         sync.Mutex
	subscribed *wamp.Subscribed
	listeners  []RoutingID
}

type SubscriptionOption func(*Subscription)

func WithClock(clock Clock) SubscriptionOption {
	return func(s *Subscription) {
		s.clock = clock
	}
}

func WithTimeout(d time.Duration) SubscriptionOption {
	return func(s *Subscription) {
		s.timeout = d
	}
}

func NewSubscription(c *Client, opts ...SubscriptionOption) *Subscription {
	s := &Subscription{
		client:  c,
		clock:   systemClock{},
		timeout: DefaultTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Subscribed возвращает текущую подписку или nil.
func (s *Subscription) Subscribed() *wamp.Subscribed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// Subscribe отправляет SUBSCRIBE и ждёт SUBSCRIBED или ERROR с тем же
// request id. RequestID == 0 заполняется из счётчика клиента.
func (s *Subscription) Subscribe(ctx context.Context, req *wamp.Subscribe) (*wamp.Subscribed, error) {
	if req.RequestID == 0 {
		req.RequestID = s.client.NextRequestID()
	}

	w := newWaiter[*wamp.Subscribed]()

	okID := s.client.NextRoutingID()
	errID := s.client.NextRoutingID()

	s.client.On(okID, OnSubscribed(func(_ *Client, m *wamp.Subscribed) {
		if m.RequestID == req.RequestID {
			w.succeed(m)
		}
	}))
	s.client.On(errID, OnError(func(_ *Client, e *wamp.Error) {
		if e.RequestType == wamp.MessageSubscribe && e.RequestID == req.RequestID {
			w.fail(e)
		}
	}))

	defer s.client.Remove(okID, errID)

	if err := s.client.Send(req); err != nil {
		return nil, err
	}

	subscribed, err := w.wait(ctx, s.clock, s.timeout)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.subscribed = subscribed
	s.mu.Unlock()

	return subscribed, nil
}

// Events добавляет слушатель событий текущей подписки.
func (s *Subscription) Events(fn func(c *Client, e *wamp.Event)) (RoutingID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribed == nil {
		return 0, wamp.ErrNoSubscription
	}

	subscription := s.subscribed.Subscription
	id := s.client.NextRoutingID()

	s.client.On(id, OnEvent(func(c *Client, e *wamp.Event) {
		if e.Subscription == subscription {
			fn(c, e)
		}
	}))
	s.listeners = append(s.listeners, id)

	return id, nil
}

// Unsubscribe отправляет UNSUBSCRIBE и ждёт ответа. Subscription == 0
// заполняется текущей подпиской. После успеха слушатели событий снимаются.
func (s *Subscription) Unsubscribe(ctx context.Context, req *wamp.Unsubscribe) (*wamp.Unsubscribed, error) {
	s.mu.Lock()
	if req.Subscription == 0 {
		if s.subscribed == nil {
			s.mu.Unlock()
			return nil, wamp.ErrNoSubscription
		}
		req.Subscription = s.subscribed.Subscription
	}
	s.mu.Unlock()

	if req.RequestID == 0 {
		req.RequestID = s.client.NextRequestID()
	}

	w := newWaiter[*wamp.Unsubscribed]()

	okID := s.client.NextRoutingID()
	errID := s.client.NextRoutingID()

	s.client.On(okID, OnUnsubscribed(func(_ *Client, m *wamp.Unsubscribed) {
		if m.RequestID == req.RequestID {
			w.succeed(m)
		}
	}))
	s.client.On(errID, OnError(func(_ *Client, e *wamp.Error) {
		if e.RequestType == wamp.MessageUnsubscribe && e.RequestID == req.RequestID {
			w.fail(e)
		}
	}))

	defer s.client.Remove(okID, errID)

	if err := s.client.Send(req); err != nil {
		return nil, err
	}

	unsubscribed, err := w.wait(ctx, s.clock, s.timeout)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.subscribed != nil && s.subscribed.Subscription == req.Subscription {
		s.dropListeners()
		s.subscribed = nil
	}
	s.mu.Unlock()

	return unsubscribed, nil
}

// Close снимает все слушатели, добавленные через эту подписку. UNSUBSCRIBE
// не отправляется.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropListeners()
	s.subscribed = nil
}

func (s *Subscription) dropListeners() {
	s.client.Remove(s.listeners...)
	s.listeners = nil
}
