package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/client"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/threads"
)

func (a *app) publish(ctx context.Context, topic wamp.URI, rawArgs string) error {
	args, err := parseArgs(rawArgs)
	if err != nil {
		return err
	}

	s, _, err := a.joinThreads(ctx)
	if err != nil {
		return err
	}

	publication, err := publishOn(ctx, s.client, topic, args, a.timeout())
	if err == nil {
		fmt.Fprintf(a.out, "published %d\n", publication)
	}

	return errors.Join(err, s.Close())
}

func publishOn(ctx context.Context, c *threads.Client, topic wamp.URI, args wamp.List, timeout time.Duration) (wamp.ID, error) {
	req := &wamp.Publish{
		RequestID: c.NextRequestID(),
		Options:   wamp.Dict{"acknowledge": true},
		Topic:     topic,
		Arguments: args,
	}

	published, err := roundTrip(ctx, c, req, req.RequestID, threads.OnPublished,
		func(p *wamp.Published) bool { return p.RequestID == req.RequestID },
		timeout,
	)
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", topic, err)
	}

	return published.Publication, nil
}

// call идёт через однопоточный движок: колбэк вызова печатает каждый
// результат, в том числе промежуточные.
func (a *app) call(ctx context.Context, procedure wamp.URI, rawArgs string) error {
	args, err := parseArgs(rawArgs)
	if err != nil {
		return err
	}

	c, _, err := a.joinEngine(ctx)
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	g, runCtx := errgroup.WithContext(runCtx)

	var ids wamp.IDGenerator
	requestID := ids.Next()

	done := make(chan error, 1)

	err = c.Call(&wamp.Call{
		RequestID: requestID,
		Options:   wamp.Dict{"receive_progress": true},
		Procedure: procedure,
		Arguments: args,
	}, func(_ *client.Context, r *wamp.Result, err error) {
		if err != nil {
			done <- err
			return
		}

		fmt.Fprintln(a.out, formatPayload(r.Arguments, r.ArgumentsKw))

		if !r.Progress() {
			done <- nil
		}
	})
	if err != nil {
		_ = c.Close()
		return err
	}

	runDone := make(chan struct{})
	g.Go(func() error {
		defer close(runDone)
		return c.Run(runCtx)
	})

	timer := time.NewTimer(a.timeout())
	defer timer.Stop()

	select {
	case err = <-done:
		if err != nil {
			err = fmt.Errorf("call %s: %w", procedure, err)
		}
	case <-timer.C:
		_ = c.Send(&wamp.Cancel{RequestID: requestID, Options: wamp.Dict{"mode": "kill"}})
		err = fmt.Errorf("call %s: %w", procedure, wamp.ErrRequestTimeout)
	case <-ctx.Done():
		_ = c.Send(&wamp.Cancel{RequestID: requestID, Options: wamp.Dict{"mode": "kill"}})
		err = ctx.Err()
	case <-runDone:
		err = fmt.Errorf("call %s: %w", procedure, wamp.ErrConnectionClosed)
	}

	leave(c, a.logger)
	stop()
	_ = c.Close()

	if runErr := g.Wait(); runErr != nil && !errors.Is(runErr, context.Canceled) {
		err = errors.Join(err, runErr)
	}

	return err
}

// subscribe печатает события до сигнала. При обрыве соединения сессия и
// подписка восстанавливаются, если включено переподключение.
func (a *app) subscribe(ctx context.Context, topic wamp.URI) error {
	s, _, err := a.joinThreads(ctx)
	if err != nil {
		return err
	}

	var mu sync.Mutex

	show := func(e *wamp.Event) {
		mu.Lock()
		defer mu.Unlock()

		fmt.Fprintf(a.out, "%d %s\n", e.Publication, formatPayload(e.Arguments, e.ArgumentsKw))
	}

	for {
		lost, err := a.watch(ctx, s, topic, show)
		if err != nil || !lost {
			return err
		}

		if a.cfg.ReconnectInterval <= 0 {
			return wamp.ErrConnectionClosed
		}

		a.logger.Warn("connection lost, reconnecting", "topic", topic)

		if s, err = a.rejoin(ctx); err != nil {
			return err
		}
	}
}

// watch подписывается в сессии s и ждёт сигнала или обрыва. lost сообщает,
// что соединение оборвалось. Сессия закрывается в любом случае.
func (a *app) watch(ctx context.Context, s *threadSession, topic wamp.URI, fn func(e *wamp.Event)) (bool, error) {
	sub := threads.NewSubscription(s.client, threads.WithTimeout(a.timeout()))
	defer sub.Close()

	subscribed, err := subscribeOn(ctx, sub, topic, fn)
	if err != nil {
		return false, errors.Join(err, s.Close())
	}

	fmt.Fprintf(a.out, "subscribed %s (%d)\n", topic, subscribed.Subscription)

	select {
	case <-ctx.Done():
	case <-s.Done():
		_ = s.Close()
		return true, nil
	}

	// Сигнал уже пришёл, отписка идёт под своим таймаутом
	unsubCtx, cancel := context.WithTimeout(context.Background(), a.timeout())
	defer cancel()

	if _, err := sub.Unsubscribe(unsubCtx, &wamp.Unsubscribe{}); err != nil {
		a.logger.Warn("failed to unsubscribe", "topic", topic, "error", err)
	}

	return false, s.Close()
}

// rejoin повторяет joinThreads с паузой ReconnectInterval. ABORT от роутера
// не повторяется.
func (a *app) rejoin(ctx context.Context) (*threadSession, error) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		s, _, err := a.joinThreads(ctx)
		if err == nil {
			return s, nil
		}

		var abort *wamp.AbortError
		if errors.As(err, &abort) {
			return nil, err
		}

		attempts++
		if a.cfg.MaxReconnectAttempts > 0 && attempts >= a.cfg.MaxReconnectAttempts {
			return nil, fmt.Errorf("%w: %w", ErrMaxReconnectAttempts, err)
		}

		a.logger.Warn("reconnect failed, retrying", "attempt", attempts, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.cfg.ReconnectInterval):
		}
	}
}

func subscribeOn(ctx context.Context, sub *threads.Subscription, topic wamp.URI, fn func(e *wamp.Event)) (*wamp.Subscribed, error) {
	subscribed, err := sub.Subscribe(ctx, &wamp.Subscribe{Options: wamp.Dict{}, Topic: topic})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	if _, err := sub.Events(func(_ *threads.Client, e *wamp.Event) { fn(e) }); err != nil {
		return nil, err
	}

	return subscribed, nil
}
