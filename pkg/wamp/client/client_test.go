package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/client"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/wamptest"
)

func newClient(t *testing.T) (*client.Client, *wamptest.Transport) {
	t.Helper()

	tr := wamptest.NewTransport()
	c := client.New(tr.Channel(), client.DefaultConfig())
	t.Cleanup(func() { _ = c.Close() })

	return c, tr
}

// step подкладывает сообщение и прогоняет один оборот движка.
func step(t *testing.T, c *client.Client, tr *wamptest.Transport, msg wamp.Message) {
	t.Helper()

	tr.Inject(msg)
	_, err := c.Step()
	require.NoError(t, err)
}

func TestResultInvokesCallbackOnce(t *testing.T) {
	c, tr := newClient(t)

	var calls int
	var got *wamp.Result

	err := c.Call(&wamp.Call{RequestID: 1, Procedure: "com.example.add"}, func(_ *client.Context, r *wamp.Result, err error) {
		require.NoError(t, err)
		calls++
		got = r
	})
	require.NoError(t, err)
	require.Len(t, tr.Sent(), 1)

	step(t, c, tr, &wamp.Result{RequestID: 1, Arguments: wamp.List{float64(3)}})
	step(t, c, tr, &wamp.Result{RequestID: 1, Arguments: wamp.List{float64(4)}})

	assert.Equal(t, 1, calls)
	require.NotNil(t, got)
	assert.Equal(t, wamp.List{float64(3)}, got.Arguments)
	assert.Zero(t, c.Context().Stats().Calls)
}

func TestResponsesMatchedByRequestID(t *testing.T) {
	c, tr := newClient(t)

	var order []wamp.ID
	record := func(id wamp.ID) client.ResultCallback[*wamp.Result] {
		return func(_ *client.Context, r *wamp.Result, err error) {
			require.NoError(t, err)
			assert.Equal(t, id, r.RequestID)
			order = append(order, id)
		}
	}

	require.NoError(t, c.Call(&wamp.Call{RequestID: 1, Procedure: "com.example.a"}, record(1)))
	require.NoError(t, c.Call(&wamp.Call{RequestID: 2, Procedure: "com.example.b"}, record(2)))

	step(t, c, tr, &wamp.Result{RequestID: 2})
	step(t, c, tr, &wamp.Result{RequestID: 1})

	assert.Equal(t, []wamp.ID{2, 1}, order)
}

func TestProgressiveResultKeepsCall(t *testing.T) {
	c, tr := newClient(t)

	var results int
	require.NoError(t, c.Call(&wamp.Call{RequestID: 1, Procedure: "com.example.stream"}, func(*client.Context, *wamp.Result, error) {
		results++
	}))

	step(t, c, tr, &wamp.Result{RequestID: 1, Details: wamp.Dict{"progress": true}})
	assert.Equal(t, 1, c.Context().Stats().Calls)

	step(t, c, tr, &wamp.Result{RequestID: 1})
	assert.Zero(t, c.Context().Stats().Calls)
	assert.Equal(t, 2, results)
}

func TestErrorRemovesEntry(t *testing.T) {
	c, tr := newClient(t)

	var failure error
	require.NoError(t, c.Call(&wamp.Call{RequestID: 9, Procedure: "com.example.missing"}, func(_ *client.Context, r *wamp.Result, err error) {
		assert.Nil(t, r)
		failure = err
	}))

	step(t, c, tr, &wamp.Error{
		RequestType: wamp.MessageCall,
		RequestID:   9,
		URI:         "wamp.error.no_such_procedure",
	})

	var werr *wamp.Error
	require.ErrorAs(t, failure, &werr)
	assert.Equal(t, wamp.URI("wamp.error.no_such_procedure"), werr.URI)
	assert.Zero(t, c.Context().Stats().Pending())
}

func TestErrorForOtherCategoryIgnored(t *testing.T) {
	c, tr := newClient(t)

	require.NoError(t, c.Call(&wamp.Call{RequestID: 9, Procedure: "com.example.add"}, func(*client.Context, *wamp.Result, error) {
		t.Error("callback must not run")
	}))

	step(t, c, tr, &wamp.Error{RequestType: wamp.MessageSubscribe, RequestID: 9, URI: "wamp.error.not_authorized"})

	assert.Equal(t, 1, c.Context().Stats().Calls)
}

func TestUnmatchedResponseDropped(t *testing.T) {
	c, tr := newClient(t)

	step(t, c, tr, &wamp.Subscribed{RequestID: 77, Subscription: 1})
	step(t, c, tr, &wamp.Event{Subscription: 1, Publication: 2})

	assert.Zero(t, c.Context().Stats().Pending())
	assert.Empty(t, tr.Sent())
}

func TestSubscribeEventAndUnsubscribeCascade(t *testing.T) {
	c, tr := newClient(t)

	var events []wamp.ID

	err := c.Subscribe(&wamp.Subscribe{RequestID: 1, Topic: "com.example.topic"}, func(ctx *client.Context, s *wamp.Subscribed, err error) {
		require.NoError(t, err)
		ctx.Event(s, func(_ *client.Context, e *wamp.Event) {
			events = append(events, e.Publication)
		})
	})
	require.NoError(t, err)

	step(t, c, tr, &wamp.Subscribed{RequestID: 1, Subscription: 100})
	assert.Equal(t, 1, c.Context().Stats().Events)

	step(t, c, tr, &wamp.Event{Subscription: 100, Publication: 10})
	step(t, c, tr, &wamp.Event{Subscription: 100, Publication: 11})
	assert.Equal(t, []wamp.ID{10, 11}, events)

	var unsubscribed bool
	require.NoError(t, c.Unsubscribe(&wamp.Unsubscribe{RequestID: 2, Subscription: 100}, func(_ *client.Context, _ *wamp.Unsubscribed, err error) {
		require.NoError(t, err)
		unsubscribed = true
	}))

	step(t, c, tr, &wamp.Unsubscribed{RequestID: 2})
	assert.True(t, unsubscribed)

	stats := c.Context().Stats()
	assert.Zero(t, stats.Events)
	assert.Zero(t, stats.Unsubscriptions)
	assert.Zero(t, stats.Subscriptions)

	step(t, c, tr, &wamp.Event{Subscription: 100, Publication: 12})
	assert.Len(t, events, 2)
}

func TestRouterRevokedSubscription(t *testing.T) {
	c, tr := newClient(t)

	c.Event(&wamp.Subscribed{RequestID: 1, Subscription: 100}, func(*client.Context, *wamp.Event) {})
	require.Equal(t, 1, c.Context().Stats().Events)

	step(t, c, tr, &wamp.Unsubscribed{
		RequestID: 0,
		Details:   wamp.Dict{"subscription": float64(100), "reason": "wamp.close.normal"},
	})

	assert.Zero(t, c.Context().Stats().Events)
}

func TestRegisterInvocationYield(t *testing.T) {
	c, tr := newClient(t)

	err := c.Register(&wamp.Register{RequestID: 1, Procedure: "com.example.add"}, func(ctx *client.Context, r *wamp.Registered, err error) {
		require.NoError(t, err)
		ctx.Invocation(r, func(ctx *client.Context, inv *wamp.Invocation) {
			sum := inv.Arguments[0].(float64) + inv.Arguments[1].(float64)
			_ = ctx.Send(&wamp.Yield{RequestID: inv.RequestID, Arguments: wamp.List{sum}})
		})
	})
	require.NoError(t, err)

	step(t, c, tr, &wamp.Registered{RequestID: 1, Registration: 55})

	// request id у INVOCATION не совпадает с id регистрации
	step(t, c, tr, &wamp.Invocation{RequestID: 1000, Registration: 55, Arguments: wamp.List{float64(2), float64(3)}})

	sent := tr.Sent()
	require.Len(t, sent, 2)

	yield, ok := sent[1].(*wamp.Yield)
	require.True(t, ok)
	assert.Equal(t, wamp.ID(1000), yield.RequestID)
	assert.Equal(t, wamp.List{float64(5)}, yield.Arguments)
}

func TestUnregisteredCascade(t *testing.T) {
	c, tr := newClient(t)

	require.NoError(t, c.Register(&wamp.Register{RequestID: 1, Procedure: "com.example.add"}, func(ctx *client.Context, r *wamp.Registered, err error) {
		ctx.Invocation(r, func(*client.Context, *wamp.Invocation) {})
	}))
	step(t, c, tr, &wamp.Registered{RequestID: 1, Registration: 55})

	require.NoError(t, c.Unregister(&wamp.Unregister{RequestID: 2, Registration: 55}, nil))
	step(t, c, tr, &wamp.Unregistered{RequestID: 2})

	assert.Zero(t, c.Context().Stats().Pending())
}

func TestUnsubscribeCascadeKeepsReusedRequestID(t *testing.T) {
	c, tr := newClient(t)

	require.NoError(t, c.Subscribe(&wamp.Subscribe{RequestID: 5, Topic: "com.example.a"}, func(ctx *client.Context, s *wamp.Subscribed, err error) {
		require.NoError(t, err)
		ctx.Event(s, func(*client.Context, *wamp.Event) {})
	}))
	step(t, c, tr, &wamp.Subscribed{RequestID: 5, Subscription: 42})

	// request id 5 свободен и достаётся новой подписке
	var second *wamp.Subscribed
	require.NoError(t, c.Subscribe(&wamp.Subscribe{RequestID: 5, Topic: "com.example.b"}, func(_ *client.Context, s *wamp.Subscribed, err error) {
		require.NoError(t, err)
		second = s
	}))

	require.NoError(t, c.Unsubscribe(&wamp.Unsubscribe{RequestID: 6, Subscription: 42}, nil))
	step(t, c, tr, &wamp.Unsubscribed{RequestID: 6})

	stats := c.Context().Stats()
	assert.Zero(t, stats.Events)
	assert.Equal(t, 1, stats.Subscriptions)

	step(t, c, tr, &wamp.Subscribed{RequestID: 5, Subscription: 77})
	require.NotNil(t, second)
	assert.Equal(t, wamp.ID(77), second.Subscription)
	assert.Zero(t, c.Context().Stats().Subscriptions)
}

func TestUnregisterCascadeKeepsReusedRequestID(t *testing.T) {
	c, tr := newClient(t)

	require.NoError(t, c.Register(&wamp.Register{RequestID: 5, Procedure: "com.example.a"}, func(ctx *client.Context, r *wamp.Registered, err error) {
		require.NoError(t, err)
		ctx.Invocation(r, func(*client.Context, *wamp.Invocation) {})
	}))
	step(t, c, tr, &wamp.Registered{RequestID: 5, Registration: 42})

	var second *wamp.Registered
	require.NoError(t, c.Register(&wamp.Register{RequestID: 5, Procedure: "com.example.b"}, func(_ *client.Context, r *wamp.Registered, err error) {
		require.NoError(t, err)
		second = r
	}))

	require.NoError(t, c.Unregister(&wamp.Unregister{RequestID: 6, Registration: 42}, nil))
	step(t, c, tr, &wamp.Unregistered{RequestID: 6})

	stats := c.Context().Stats()
	assert.Zero(t, stats.Invocations)
	assert.Equal(t, 1, stats.Registrations)

	step(t, c, tr, &wamp.Registered{RequestID: 5, Registration: 77})
	require.NotNil(t, second)
	assert.Equal(t, wamp.ID(77), second.Registration)
}

func TestCallbackWorkFlushedBeforeNextRead(t *testing.T) {
	c, tr := newClient(t)

	require.NoError(t, c.Subscribe(&wamp.Subscribe{RequestID: 1, Topic: "com.example.topic"}, func(ctx *client.Context, s *wamp.Subscribed, err error) {
		require.NoError(t, err)
		require.NoError(t, ctx.Call(&wamp.Call{RequestID: 2, Procedure: "com.example.ready"}, nil))
	}))

	step(t, c, tr, &wamp.Subscribed{RequestID: 1, Subscription: 100})

	sent := tr.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, wamp.MessageCall, sent[1].MessageType())
	assert.Equal(t, 1, c.Context().Stats().Calls)
	assert.Empty(t, c.Context().Outbox())
}

func TestWelcomeAndChallengeSlots(t *testing.T) {
	c, tr := newClient(t)

	var session wamp.ID
	c.OnChallenge(func(ctx *client.Context, ch *wamp.Challenge) {
		_ = ctx.Send(&wamp.Authenticate{Signature: "secret"})
	}).OnWelcome(func(_ *client.Context, w *wamp.Welcome) {
		session = w.Session
	})

	step(t, c, tr, &wamp.Challenge{AuthMethod: "wampcra"})
	step(t, c, tr, &wamp.Welcome{Session: 42})

	assert.Equal(t, wamp.ID(42), session)
	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, wamp.MessageAuthenticate, sent[0].MessageType())
}

func TestInvalidInboundMessage(t *testing.T) {
	c, tr := newClient(t)

	tr.Inject(&wamp.Hello{Realm: "realm1"})
	_, err := c.Step()

	var invalid *wamp.InvalidFrameError
	require.ErrorAs(t, err, &invalid)
	assert.ErrorIs(t, err, wamp.ErrInvalidFrame)
}

func TestAbortIsFatal(t *testing.T) {
	c, tr := newClient(t)

	var aborted bool
	c.OnAbort(func(*client.Context, *wamp.Abort) { aborted = true })

	tr.Inject(&wamp.Abort{Reason: "wamp.error.no_such_realm"})
	_, err := c.Step()

	require.ErrorIs(t, err, wamp.ErrSessionAborted)
	assert.True(t, aborted)
}

func TestBinaryFrameRejected(t *testing.T) {
	c, tr := newClient(t)

	tr.InjectFrame(wamp.Frame{Kind: wamp.FrameBinary, Data: []byte{0x01}})
	_, err := c.Step()

	require.ErrorIs(t, err, wamp.ErrUnsupportedEncoding)
}

func TestControlFramesSkipped(t *testing.T) {
	c, tr := newClient(t)

	tr.InjectFrame(wamp.Frame{Kind: wamp.FramePing, Data: []byte("hi")})
	msg, err := c.Step()

	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _ := newClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- c.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRunReturnsOnClose(t *testing.T) {
	c, tr := newClient(t)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
