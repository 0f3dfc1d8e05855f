package wamp_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/wamptest"
)

type recordingTracer struct {
	mu     sync.Mutex
	frames []wamp.Frame
	dirs   []wamp.Direction
}

func (r *recordingTracer) Trace(_ string, dir wamp.Direction, frame wamp.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	r.dirs = append(r.dirs, dir)
}

func (r *recordingTracer) kinds() []wamp.FrameKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]wamp.FrameKind, len(r.frames))
	for i, f := range r.frames {
		kinds[i] = f.Kind
	}
	return kinds
}

func TestChannelReadSkipsControlFrames(t *testing.T) {
	tr := wamptest.NewTransport()
	ch := tr.Channel()

	tr.InjectFrame(wamp.Frame{Kind: wamp.FramePong})
	msg, err := ch.Read()
	require.NoError(t, err)
	assert.Nil(t, msg)

	tr.Inject(&wamp.Welcome{Session: 9})
	msg, err = ch.Read()
	require.NoError(t, err)
	assert.Equal(t, wamp.ID(9), msg.(*wamp.Welcome).Session)
}

func TestChannelRejectsBinaryFrames(t *testing.T) {
	tr := wamptest.NewTransport()
	ch := tr.Channel()

	tr.InjectFrame(wamp.Frame{Kind: wamp.FrameBinary, Data: []byte{0x93}})
	_, err := ch.Read()
	require.ErrorIs(t, err, wamp.ErrUnsupportedEncoding)
}

func TestChannelDecodeFailure(t *testing.T) {
	tr := wamptest.NewTransport()
	ch := tr.Channel()

	tr.InjectFrame(wamp.Frame{Kind: wamp.FrameText, Data: []byte(`[`)})
	_, err := ch.Read()
	require.ErrorIs(t, err, wamp.ErrMalformedMessage)
}

func TestChannelTracesBothDirections(t *testing.T) {
	tracer := &recordingTracer{}
	tr := wamptest.NewTransport()
	ch := tr.Channel(wamp.WithTracer(tracer))

	require.NoError(t, ch.Send(&wamp.Hello{Realm: "realm1"}))

	tr.Inject(&wamp.Welcome{Session: 1})
	_, err := ch.Read()
	require.NoError(t, err)

	tracer.mu.Lock()
	defer tracer.mu.Unlock()
	assert.Equal(t, []wamp.Direction{wamp.DirectionOut, wamp.DirectionIn}, tracer.dirs)
}

func TestChannelConcurrentSends(t *testing.T) {
	tr := wamptest.NewTransport()
	ch := tr.Channel()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ch.Send(&wamp.Publish{RequestID: wamp.ID(i + 1), Topic: "com.example.topic"}))
		}()
	}
	wg.Wait()

	assert.Len(t, tr.Sent(), 20)
	assert.NotEmpty(t, ch.ID())
}

func TestChannelTraceOrderMatchesWire(t *testing.T) {
	tracer := &recordingTracer{}
	tr := wamptest.NewTransport()
	ch := tr.Channel(wamp.WithTracer(tracer))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ch.Send(&wamp.Publish{RequestID: wamp.ID(i + 1), Topic: "com.example.topic"}))
		}()
	}
	wg.Wait()

	var wire []wamp.ID
	for _, msg := range tr.Sent() {
		wire = append(wire, msg.(*wamp.Publish).RequestID)
	}

	tracer.mu.Lock()
	defer tracer.mu.Unlock()

	var traced []wamp.ID
	for _, frame := range tracer.frames {
		msg, err := wamp.JSONCodec{}.Decode(frame.Data)
		require.NoError(t, err)
		traced = append(traced, msg.(*wamp.Publish).RequestID)
	}

	require.Len(t, wire, 50)
	assert.Equal(t, wire, traced)
}

// echoServer принимает wamp.2.json и возвращает каждое текстовое сообщение.
func echoServer(t *testing.T, subprotocols []string) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{Subprotocols: subprotocols}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second))

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	return ts
}

func TestDialAndEcho(t *testing.T) {
	ts := echoServer(t, []string{wamp.SubprotocolJSON})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	tracer := &recordingTracer{}
	cfg := wamp.DefaultDialConfig(wsURL)
	cfg.Tracer = tracer

	ch, _, err := wamp.Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(&wamp.Goodbye{Reason: "wamp.close.normal"}))

	msg, err := ch.Read()
	require.NoError(t, err)

	bye, ok := msg.(*wamp.Goodbye)
	require.True(t, ok)
	assert.Equal(t, wamp.URI("wamp.close.normal"), bye.Reason)

	// Пинг сервера обработан gorilla и попал в трассировку
	assert.Contains(t, tracer.kinds(), wamp.FramePing)
}

func TestDialSubprotocolMismatch(t *testing.T) {
	ts := echoServer(t, []string{"wamp.2.msgpack"})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	_, _, err := wamp.Dial(context.Background(), wamp.DefaultDialConfig(wsURL))
	require.ErrorIs(t, err, wamp.ErrSubprotocolMismatch)
}

func TestWebsocketTransportPeerClose(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{wamp.SubprotocolJSON}}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	ch, _, err := wamp.Dial(context.Background(), wamp.DefaultDialConfig(wsURL))
	require.NoError(t, err)
	defer ch.Close()

	// Кадр закрытия даёт пустое сообщение, дальше соединение закрыто
	msg, err := ch.Read()
	require.NoError(t, err)
	assert.Nil(t, msg)

	_, err = ch.Read()
	require.ErrorIs(t, err, wamp.ErrConnectionClosed)

	require.ErrorIs(t, ch.Send(&wamp.Goodbye{}), wamp.ErrConnectionClosed)
}
