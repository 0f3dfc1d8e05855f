package router_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/auth"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/client"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/router"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/threads"
)

const waitTimeout = 3 * time.Second

var roles = wamp.Dict{
	"roles": wamp.Dict{
		"caller":     wamp.Dict{},
		"callee":     wamp.Dict{},
		"publisher":  wamp.Dict{},
		"subscriber": wamp.Dict{},
	},
}

func startRouter(t *testing.T, cfg router.Config) (*router.Router, string) {
	t.Helper()

	r := router.New(cfg)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return r, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func expect[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for message")
		var zero T
		return zero
	}
}

// stepUntil крутит однопоточный движок, пока не придёт сообщение типа T.
func stepUntil[T wamp.Message](t *testing.T, c *client.Client) (T, error) {
	t.Helper()

	var zero T
	for range 10 {
		msg, err := c.Step()
		if err != nil {
			return zero, err
		}

		if m, ok := msg.(T); ok {
			return m, nil
		}
	}

	t.Fatal("message not received")
	return zero, nil
}

func dialClient(t *testing.T, url string) *client.Client {
	t.Helper()

	c, _, err := client.Dial(context.Background(), wamp.DefaultDialConfig(url), client.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

// joinClient открывает сессию однопоточным клиентом и запускает его цикл.
func joinClient(t *testing.T, url string) *client.Client {
	t.Helper()

	c := dialClient(t, url)
	require.NoError(t, c.Send(&wamp.Hello{Realm: "realm1", Details: roles}))

	_, err := stepUntil[*wamp.Welcome](t, c)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = c.Run(ctx) }()

	return c
}

func joinThreads(t *testing.T, url string) *threads.Client {
	t.Helper()

	c, _, err := threads.Dial(context.Background(), wamp.DefaultDialConfig(url), threads.DefaultConfig())
	require.NoError(t, err)

	welcome := make(chan *wamp.Welcome, 1)
	id := c.NextRoutingID()
	c.On(id, threads.OnWelcome(func(_ *threads.Client, w *wamp.Welcome) { welcome <- w }))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = c.Close()
	})

	require.NoError(t, c.Send(&wamp.Hello{Realm: "realm1", Details: roles}))
	w := expect(t, welcome)
	require.NotZero(t, w.Session)

	c.Remove(id)

	return c
}

func TestHelloWelcome(t *testing.T) {
	r, url := startRouter(t, router.DefaultConfig())

	c := dialClient(t, url)

	var session wamp.ID
	c.OnWelcome(func(_ *client.Context, w *wamp.Welcome) { session = w.Session })

	require.NoError(t, c.Send(&wamp.Hello{Realm: "realm1", Details: roles}))

	w, err := stepUntil[*wamp.Welcome](t, c)
	require.NoError(t, err)
	assert.Equal(t, w.Session, session)
	assert.Contains(t, w.Details, "roles")

	assert.Eventually(t, func() bool { return r.Sessions() == 1 }, waitTimeout, 10*time.Millisecond)
}

func TestUnknownRealmAborts(t *testing.T) {
	_, url := startRouter(t, router.DefaultConfig())

	c := dialClient(t, url)
	require.NoError(t, c.Send(&wamp.Hello{Realm: "nowhere", Details: roles}))

	_, err := stepUntil[*wamp.Welcome](t, c)

	var abort *wamp.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, router.ErrNoSuchRealm, abort.Abort.Reason)
}

func TestWampCRA(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.Secrets = map[string]string{"joe": "secret2"}
	_, url := startRouter(t, cfg)

	hello := &wamp.Hello{
		Realm: "realm1",
		Details: wamp.Dict{
			"roles":       roles["roles"],
			"authid":      "joe",
			"authmethods": wamp.List{"wampcra"},
		},
	}

	t.Run("valid secret", func(t *testing.T) {
		c := dialClient(t, url)
		c.OnChallenge(func(ctx *client.Context, ch *wamp.Challenge) {
			msg, err := auth.Respond("secret2", ch)
			require.NoError(t, err)
			require.NoError(t, ctx.Send(msg))
		})

		require.NoError(t, c.Send(hello))

		w, err := stepUntil[*wamp.Welcome](t, c)
		require.NoError(t, err)
		assert.Equal(t, "joe", w.Details["authid"])
		assert.Equal(t, auth.MethodCRA, w.Details["authmethod"])
	})

	t.Run("wrong secret", func(t *testing.T) {
		c := dialClient(t, url)
		c.OnChallenge(func(ctx *client.Context, ch *wamp.Challenge) {
			msg, err := auth.Respond("guess", ch)
			require.NoError(t, err)
			require.NoError(t, ctx.Send(msg))
		})

		require.NoError(t, c.Send(hello))

		_, err := stepUntil[*wamp.Welcome](t, c)

		var abort *wamp.AbortError
		require.ErrorAs(t, err, &abort)
		assert.Equal(t, router.ErrAuthenticationFailed, abort.Abort.Reason)
	})

	t.Run("anonymous", func(t *testing.T) {
		c := dialClient(t, url)
		require.NoError(t, c.Send(&wamp.Hello{Realm: "realm1", Details: roles}))

		_, err := stepUntil[*wamp.Welcome](t, c)

		var abort *wamp.AbortError
		require.ErrorAs(t, err, &abort)
		assert.Equal(t, router.ErrNotAuthorized, abort.Abort.Reason)
	})
}

func TestPubSubWithSubscriptionHelper(t *testing.T) {
	_, url := startRouter(t, router.DefaultConfig())

	subscriber := joinThreads(t, url)
	publisher := joinThreads(t, url)

	sub := threads.NewSubscription(subscriber)
	defer sub.Close()

	ctx := context.Background()

	subscribed, err := sub.Subscribe(ctx, &wamp.Subscribe{Options: wamp.Dict{}, Topic: "com.example.topic"})
	require.NoError(t, err)
	require.NotZero(t, subscribed.Subscription)

	events := make(chan *wamp.Event, 4)
	_, err = sub.Events(func(_ *threads.Client, e *wamp.Event) { events <- e })
	require.NoError(t, err)

	published := make(chan *wamp.Published, 1)
	publisher.On(publisher.NextRoutingID(), threads.OnPublished(func(_ *threads.Client, p *wamp.Published) {
		published <- p
	}))

	require.NoError(t, publisher.Send(&wamp.Publish{
		RequestID: publisher.NextRequestID(),
		Options:   wamp.Dict{"acknowledge": true},
		Topic:     "com.example.topic",
		Arguments: wamp.List{"hello"},
	}))

	p := expect(t, published)
	e := expect(t, events)

	assert.Equal(t, p.Publication, e.Publication)
	assert.Equal(t, subscribed.Subscription, e.Subscription)
	assert.Equal(t, wamp.List{"hello"}, e.Arguments)

	_, err = sub.Unsubscribe(ctx, &wamp.Unsubscribe{})
	require.NoError(t, err)

	_, err = sub.Unsubscribe(ctx, &wamp.Unsubscribe{Subscription: subscribed.Subscription})
	var werr *wamp.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, router.ErrNoSuchSubscription, werr.URI)
}

func TestPublisherExcludedByDefault(t *testing.T) {
	_, url := startRouter(t, router.DefaultConfig())

	c := joinThreads(t, url)
	sub := threads.NewSubscription(c)

	_, err := sub.Subscribe(context.Background(), &wamp.Subscribe{Topic: "com.example.echo"})
	require.NoError(t, err)

	events := make(chan *wamp.Event, 2)
	_, err = sub.Events(func(_ *threads.Client, e *wamp.Event) { events <- e })
	require.NoError(t, err)

	require.NoError(t, c.Send(&wamp.Publish{RequestID: c.NextRequestID(), Topic: "com.example.echo"}))
	require.NoError(t, c.Send(&wamp.Publish{
		RequestID: c.NextRequestID(),
		Options:   wamp.Dict{"exclude_me": false},
		Topic:     "com.example.echo",
		Arguments: wamp.List{"self"},
	}))

	e := expect(t, events)
	assert.Equal(t, wamp.List{"self"}, e.Arguments)
}

func registerAdd(t *testing.T, callee *client.Client) {
	t.Helper()

	registered := make(chan error, 1)

	err := callee.Register(&wamp.Register{RequestID: 1, Procedure: "com.example.add"}, func(ctx *client.Context, r *wamp.Registered, err error) {
		if err == nil {
			ctx.Invocation(r, func(ctx *client.Context, inv *wamp.Invocation) {
				a, _ := inv.Arguments[0].(float64)
				b, _ := inv.Arguments[1].(float64)
				_ = ctx.Send(&wamp.Yield{RequestID: inv.RequestID, Arguments: wamp.List{a + b}})
			})
		}
		registered <- err
	})
	require.NoError(t, err)
	require.NoError(t, expect(t, registered))
}

func TestRemoteProcedureCall(t *testing.T) {
	_, url := startRouter(t, router.DefaultConfig())

	callee := joinClient(t, url)
	registerAdd(t, callee)

	caller := joinThreads(t, url)

	results := make(chan *wamp.Result, 1)
	caller.On(caller.NextRoutingID(), threads.OnResult(func(_ *threads.Client, r *wamp.Result) { results <- r }))

	callID := caller.NextRequestID()
	require.NoError(t, caller.Send(&wamp.Call{
		RequestID: callID,
		Procedure: "com.example.add",
		Arguments: wamp.List{2, 3},
	}))

	r := expect(t, results)
	assert.Equal(t, callID, r.RequestID)
	assert.Equal(t, wamp.List{float64(5)}, r.Arguments)
}

func TestDuplicateRegistrationAndMissingProcedure(t *testing.T) {
	_, url := startRouter(t, router.DefaultConfig())

	callee := joinClient(t, url)
	registerAdd(t, callee)

	other := joinClient(t, url)

	failures := make(chan error, 2)

	require.NoError(t, other.Register(&wamp.Register{RequestID: 1, Procedure: "com.example.add"}, func(_ *client.Context, _ *wamp.Registered, err error) {
		failures <- err
	}))

	var werr *wamp.Error
	require.ErrorAs(t, expect(t, failures), &werr)
	assert.Equal(t, router.ErrProcedureAlreadyExists, werr.URI)

	require.NoError(t, other.Call(&wamp.Call{RequestID: 2, Procedure: "com.example.missing"}, func(_ *client.Context, _ *wamp.Result, err error) {
		failures <- err
	}))

	require.ErrorAs(t, expect(t, failures), &werr)
	assert.Equal(t, router.ErrNoSuchProcedure, werr.URI)

	assert.Eventually(t, func() bool { return other.Context().Stats().Pending() == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestCalleeErrorForwarded(t *testing.T) {
	_, url := startRouter(t, router.DefaultConfig())

	callee := joinThreads(t, url)

	registered := make(chan *wamp.Registered, 1)
	callee.On(callee.NextRoutingID(), threads.OnRegistered(func(_ *threads.Client, r *wamp.Registered) { registered <- r }))
	callee.On(callee.NextRoutingID(), threads.OnInvocation(func(c *threads.Client, inv *wamp.Invocation) {
		_ = c.Send(&wamp.Error{
			RequestType: wamp.MessageInvocation,
			RequestID:   inv.RequestID,
			Details:     wamp.Dict{},
			URI:         "com.example.error.invalid_argument",
			Arguments:   wamp.List{"nope"},
		})
	}))

	require.NoError(t, callee.Send(&wamp.Register{RequestID: callee.NextRequestID(), Procedure: "com.example.fail"}))
	expect(t, registered)

	caller := joinClient(t, url)

	failures := make(chan error, 1)
	require.NoError(t, caller.Call(&wamp.Call{RequestID: 1, Procedure: "com.example.fail"}, func(_ *client.Context, _ *wamp.Result, err error) {
		failures <- err
	}))

	var werr *wamp.Error
	require.ErrorAs(t, expect(t, failures), &werr)
	assert.Equal(t, wamp.URI("com.example.error.invalid_argument"), werr.URI)
	assert.Equal(t, wamp.List{"nope"}, werr.Arguments)
}

func TestProgressiveResults(t *testing.T) {
	_, url := startRouter(t, router.DefaultConfig())

	callee := joinThreads(t, url)

	registered := make(chan struct{}, 1)
	callee.On(callee.NextRoutingID(), threads.OnRegistered(func(*threads.Client, *wamp.Registered) { registered <- struct{}{} }))
	callee.On(callee.NextRoutingID(), threads.OnInvocation(func(c *threads.Client, inv *wamp.Invocation) {
		for i := range 2 {
			_ = c.Send(&wamp.Yield{RequestID: inv.RequestID, Options: wamp.Dict{"progress": true}, Arguments: wamp.List{i}})
		}
		_ = c.Send(&wamp.Yield{RequestID: inv.RequestID, Arguments: wamp.List{"done"}})
	}))

	require.NoError(t, callee.Send(&wamp.Register{RequestID: callee.NextRequestID(), Procedure: "com.example.stream"}))
	expect(t, registered)

	caller := joinClient(t, url)

	results := make(chan *wamp.Result, 3)
	require.NoError(t, caller.Call(&wamp.Call{
		RequestID: 1,
		Options:   wamp.Dict{"receive_progress": true},
		Procedure: "com.example.stream",
	}, func(_ *client.Context, r *wamp.Result, err error) {
		assert.NoError(t, err)
		results <- r
	}))

	assert.True(t, expect(t, results).Progress())
	assert.True(t, expect(t, results).Progress())

	final := expect(t, results)
	assert.False(t, final.Progress())
	assert.Equal(t, wamp.List{"done"}, final.Arguments)

	assert.Eventually(t, func() bool { return caller.Context().Stats().Calls == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestCancelInterruptsCallee(t *testing.T) {
	_, url := startRouter(t, router.DefaultConfig())

	callee := joinThreads(t, url)

	registered := make(chan struct{}, 1)
	invoked := make(chan *wamp.Invocation, 1)
	interrupted := make(chan *wamp.Interrupt, 1)

	callee.On(callee.NextRoutingID(), threads.OnRegistered(func(*threads.Client, *wamp.Registered) { registered <- struct{}{} }))
	callee.On(callee.NextRoutingID(), threads.OnInvocation(func(_ *threads.Client, inv *wamp.Invocation) { invoked <- inv }))
	callee.On(callee.NextRoutingID(), threads.OnInterrupt(func(_ *threads.Client, i *wamp.Interrupt) { interrupted <- i }))

	require.NoError(t, callee.Send(&wamp.Register{RequestID: callee.NextRequestID(), Procedure: "com.example.slow"}))
	expect(t, registered)

	caller := joinClient(t, url)

	failures := make(chan error, 1)
	require.NoError(t, caller.Call(&wamp.Call{RequestID: 5, Procedure: "com.example.slow"}, func(_ *client.Context, _ *wamp.Result, err error) {
		failures <- err
	}))

	inv := expect(t, invoked)

	require.NoError(t, caller.Send(&wamp.Cancel{RequestID: 5, Options: wamp.Dict{"mode": "kill"}}))

	interrupt := expect(t, interrupted)
	assert.Equal(t, inv.RequestID, interrupt.RequestID)

	var werr *wamp.Error
	require.ErrorAs(t, expect(t, failures), &werr)
	assert.Equal(t, router.ErrCanceled, werr.URI)
}

func TestGoodbye(t *testing.T) {
	r, url := startRouter(t, router.DefaultConfig())

	c := dialClient(t, url)
	require.NoError(t, c.Send(&wamp.Hello{Realm: "realm1", Details: roles}))
	_, err := stepUntil[*wamp.Welcome](t, c)
	require.NoError(t, err)

	require.NoError(t, c.Send(&wamp.Goodbye{Details: wamp.Dict{}, Reason: "wamp.close.normal"}))

	bye, err := stepUntil[*wamp.Goodbye](t, c)
	require.NoError(t, err)
	assert.Equal(t, router.CloseGoodbyeAndOut, bye.Reason)

	assert.Eventually(t, func() bool { return r.Sessions() == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestShutdownSaysGoodbye(t *testing.T) {
	r, url := startRouter(t, router.DefaultConfig())

	c := joinThreads(t, url)

	goodbye := make(chan *wamp.Goodbye, 1)
	c.On(c.NextRoutingID(), threads.OnGoodbye(func(_ *threads.Client, g *wamp.Goodbye) { goodbye <- g }))

	require.Eventually(t, func() bool { return r.Sessions() == 1 }, waitTimeout, 10*time.Millisecond)
	r.Shutdown()

	g := expect(t, goodbye)
	assert.Equal(t, router.CloseSystemShutdown, g.Reason)
}

func TestClientRoleViolationAborts(t *testing.T) {
	_, url := startRouter(t, router.DefaultConfig())

	c := dialClient(t, url)
	require.NoError(t, c.Send(&wamp.Hello{Realm: "realm1", Details: roles}))
	_, err := stepUntil[*wamp.Welcome](t, c)
	require.NoError(t, err)

	// Роутер не принимает сообщения, которые шлёт только роутер
	require.NoError(t, c.Send(&wamp.Extension{Type: 300}))

	_, err = stepUntil[*wamp.Welcome](t, c)
	require.ErrorIs(t, err, wamp.ErrSessionAborted)
}

func TestMissingSubprotocolRejected(t *testing.T) {
	_, url := startRouter(t, router.DefaultConfig())

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseProtocolError, closeErr.Code)
}
