package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LLIEPJIOK/service-mesh/wamp/internal/config"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/auth"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/client"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/threads"
)

const closeNormal wamp.URI = "wamp.close.normal"

type app struct {
	cfg    config.ClientConfig
	logger *slog.Logger
	tracer wamp.Tracer
	out    io.Writer
}

func (a *app) timeout() time.Duration {
	if a.cfg.RequestTimeout <= 0 {
		return threads.DefaultTimeout
	}
	return a.cfg.RequestTimeout
}

func (a *app) dialConfig() (wamp.DialConfig, error) {
	dial := wamp.DefaultDialConfig(a.cfg.URL)
	dial.HandshakeTimeout = a.cfg.HandshakeTimeout
	dial.Tracer = a.tracer
	dial.Logger = a.logger

	tlsCfg, err := wamp.TLSConfigFromEnv()
	if err != nil {
		return wamp.DialConfig{}, err
	}
	dial.TLS = tlsCfg

	return dial, nil
}

func (a *app) hello() *wamp.Hello {
	details := wamp.Dict{
		"roles": wamp.Dict{
			"caller":     wamp.Dict{"features": wamp.Dict{"progressive_call_results": true, "call_canceling": true}},
			"publisher":  wamp.Dict{},
			"subscriber": wamp.Dict{},
		},
	}

	if a.cfg.AuthID != "" {
		details["authid"] = a.cfg.AuthID
		details["authmethods"] = wamp.List{auth.MethodCRA}
	}

	return &wamp.Hello{Realm: wamp.URI(a.cfg.Realm), Details: details}
}

// threadSession - сессия на многопоточном движке. Цикл чтения живёт
// независимо от контекста команды, чтобы после сигнала можно было
// отписаться и попрощаться.
type threadSession struct {
	client *threads.Client
	ctx    context.Context
	stop   context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
	logger *slog.Logger
}

// Done закрывается, когда цикл чтения завершился.
func (s *threadSession) Done() <-chan struct{} {
	return s.done
}

// Close прощается с роутером и останавливает цикл чтения.
func (s *threadSession) Close() error {
	select {
	case <-s.done:
	default:
		leave(s.client, s.logger)
	}

	s.stop()
	_ = s.client.Close()

	if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// joinThreads открывает сессию на многопоточном движке.
func (a *app) joinThreads(ctx context.Context) (*threadSession, *wamp.Welcome, error) {
	dial, err := a.dialConfig()
	if err != nil {
		return nil, nil, err
	}

	c, _, err := threads.Dial(ctx, dial, threads.Config{Logger: a.logger})
	if err != nil {
		return nil, nil, err
	}

	runCtx, stop := context.WithCancel(context.Background())
	g, runCtx := errgroup.WithContext(runCtx)

	s := &threadSession{
		client: c,
		ctx:    runCtx,
		stop:   stop,
		group:  g,
		done:   make(chan struct{}),
		logger: a.logger,
	}

	welcomes := make(chan *wamp.Welcome, 1)
	aborts := make(chan *wamp.Abort, 1)

	welcomeID, abortID, challengeID := c.NextRoutingID(), c.NextRoutingID(), c.NextRoutingID()

	c.On(welcomeID, threads.OnWelcome(func(_ *threads.Client, w *wamp.Welcome) { welcomes <- w }))
	c.On(abortID, threads.OnAbort(func(_ *threads.Client, m *wamp.Abort) { aborts <- m }))
	c.On(challengeID, threads.OnChallenge(func(c *threads.Client, ch *wamp.Challenge) {
		msg, err := auth.Respond(a.cfg.Secret, ch)
		if err != nil {
			a.logger.Error("failed to answer challenge", "error", err)
			return
		}

		if err := c.Send(msg); err != nil {
			a.logger.Error("failed to send authenticate", "error", err)
		}
	}))

	defer c.Remove(welcomeID, abortID, challengeID)

	g.Go(func() error {
		defer close(s.done)
		return c.Run(runCtx)
	})

	fail := func(err error) (*threadSession, *wamp.Welcome, error) {
		stop()
		_ = c.Close()
		_ = g.Wait()
		return nil, nil, err
	}

	if err := c.Send(a.hello()); err != nil {
		return fail(err)
	}

	timer := time.NewTimer(a.timeout())
	defer timer.Stop()

	select {
	case w := <-welcomes:
		a.logger.Info("session joined", "session", w.Session, "realm", a.cfg.Realm)
		return s, w, nil
	case m := <-aborts:
		return fail(&wamp.AbortError{Abort: m})
	case <-s.done:
		return fail(fmt.Errorf("%w: %w", ErrNotJoined, wamp.ErrConnectionClosed))
	case <-timer.C:
		return fail(fmt.Errorf("%w: %w", ErrNotJoined, wamp.ErrRequestTimeout))
	case <-ctx.Done():
		return fail(ctx.Err())
	}
}

// joinEngine открывает сессию на однопоточном движке, крутя Step до WELCOME.
func (a *app) joinEngine(ctx context.Context) (*client.Client, *wamp.Welcome, error) {
	dial, err := a.dialConfig()
	if err != nil {
		return nil, nil, err
	}

	c, _, err := client.Dial(ctx, dial, client.Config{Logger: a.logger})
	if err != nil {
		return nil, nil, err
	}

	c.OnChallenge(func(cctx *client.Context, ch *wamp.Challenge) {
		msg, err := auth.Respond(a.cfg.Secret, ch)
		if err != nil {
			a.logger.Error("failed to answer challenge", "error", err)
			return
		}

		if err := cctx.Send(msg); err != nil {
			a.logger.Error("failed to queue authenticate", "error", err)
		}
	})

	// Чтение в Step блокирующее: таймаут закрывает канал
	timer := time.AfterFunc(a.timeout(), func() { _ = c.Close() })
	defer timer.Stop()

	if err := c.Send(a.hello()); err != nil {
		_ = c.Close()
		return nil, nil, err
	}

	for {
		msg, err := c.Step()
		if err != nil {
			_ = c.Close()
			return nil, nil, fmt.Errorf("%w: %w", ErrNotJoined, err)
		}

		if w, ok := msg.(*wamp.Welcome); ok {
			a.logger.Info("session joined", "session", w.Session, "realm", a.cfg.Realm)
			return c, w, nil
		}
	}
}

// leave прощается с роутером. Ответный GOODBYE не ждём.
func leave(s wamp.Sender, logger *slog.Logger) {
	if err := s.Send(&wamp.Goodbye{Details: wamp.Dict{}, Reason: closeNormal}); err != nil {
		logger.Debug("failed to send goodbye", "error", err)
	}
}

// roundTrip отправляет запрос и ждёт первый ответ, принятый match, или
// ERROR на этот запрос.
func roundTrip[T wamp.Message](
	ctx context.Context,
	c *threads.Client,
	req wamp.Message,
	requestID wamp.ID,
	on func(func(*threads.Client, T)) threads.Listener,
	match func(T) bool,
	timeout time.Duration,
) (T, error) {
	var zero T

	replies := make(chan T, 1)
	failures := make(chan *wamp.Error, 1)

	okID, errID := c.NextRoutingID(), c.NextRoutingID()

	c.On(okID, on(func(_ *threads.Client, m T) {
		if match(m) {
			select {
			case replies <- m:
			default:
			}
		}
	}))
	c.On(errID, threads.OnError(func(_ *threads.Client, e *wamp.Error) {
		if e.RequestType == req.MessageType() && e.RequestID == requestID {
			select {
			case failures <- e:
			default:
			}
		}
	}))

	defer c.Remove(okID, errID)

	if err := c.Send(req); err != nil {
		return zero, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-replies:
		return m, nil
	case e := <-failures:
		return zero, e
	case <-timer.C:
		return zero, wamp.ErrRequestTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// parseArgs разбирает позиционные аргументы: JSON-массив берётся как есть,
// любое другое JSON-значение становится единственным аргументом.
func parseArgs(raw string) (wamp.List, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}

	if list, ok := v.([]any); ok {
		return wamp.List(list), nil
	}

	return wamp.List{v}, nil
}

func formatPayload(args wamp.List, kwargs wamp.Dict) string {
	payload := map[string]any{}
	if len(args) > 0 {
		payload["args"] = args
	}
	if len(kwargs) > 0 {
		payload["kwargs"] = kwargs
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v %v", args, kwargs)
	}

	return string(data)
}
