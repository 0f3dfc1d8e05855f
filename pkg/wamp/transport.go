package wamp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type FrameKind uint8

const (
	FrameText FrameKind = iota + 1
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

type Frame struct {
	Kind FrameKind
	Data []byte
}

// Transport - дуплексный канал кадров. ReadFrame блокирует до прихода кадра;
// один читатель и один писатель могут работать одновременно.
type Transport interface {
	ReadFrame() (Frame, error)
	WriteFrame(frame Frame) error
	Close() error
}

const controlWriteTimeout = time.Second

type DialConfig struct {
	URL              string
	Codec            Codec
	Header           http.Header
	TLS              *tls.Config
	HandshakeTimeout time.Duration
	Tracer           Tracer
	Logger           *slog.Logger
}

func DefaultDialConfig(wsURL string) DialConfig {
	return DialConfig{
		URL:              wsURL,
		Codec:            JSONCodec{},
		HandshakeTimeout: 45 * time.Second,
		Logger:           slog.Default(),
	}
}

// Dial устанавливает websocket-соединение с роутером и согласует subprotocol
// сериализации. Заголовки Sec-WebSocket-Key, Connection, Upgrade,
// Sec-WebSocket-Version и Host выставляет gorilla/websocket.
func Dial(ctx context.Context, cfg DialConfig) (*Channel, *http.Response, error) {
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid url: %w", err)
	}

	// Прокси из окружения не используем
	dialer := websocket.Dialer{
		Proxy:            nil,
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig:  cfg.TLS,
		Subprotocols:     []string{cfg.Codec.Subprotocol()},
	}

	cfg.Logger.Info("connecting to router", slog.String("url", u.String()))

	conn, resp, err := dialer.DialContext(ctx, u.String(), cfg.Header)
	if err != nil {
		return nil, resp, fmt.Errorf("dial failed: %w", err)
	}

	if got := conn.Subprotocol(); got != cfg.Codec.Subprotocol() {
		_ = conn.Close()
		return nil, resp, fmt.Errorf("%w: requested %q, got %q", ErrSubprotocolMismatch, cfg.Codec.Subprotocol(), got)
	}

	t := NewWebsocketTransport(conn)
	ch := NewChannel(t, cfg.Codec, WithTracer(cfg.Tracer), WithLogger(cfg.Logger))
	t.observe = func(f Frame) { ch.trace(DirectionIn, f) }

	cfg.Logger.Info("connected to router", "url", u.String(), "channel", ch.ID())

	return ch, resp, nil
}

// WebsocketTransport адаптирует *websocket.Conn к Transport.
type WebsocketTransport struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	observe func(Frame)
}

func NewWebsocketTransport(conn *websocket.Conn) *WebsocketTransport {
	t := &WebsocketTransport{conn: conn}

	// gorilla обрабатывает управляющие кадры сама, до ReadMessage они не доходят
	conn.SetPingHandler(func(data string) error {
		t.notify(Frame{Kind: FramePing, Data: []byte(data)})

		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	conn.SetPongHandler(func(data string) error {
		t.notify(Frame{Kind: FramePong, Data: []byte(data)})
		return nil
	})

	return t
}

func (t *WebsocketTransport) notify(f Frame) {
	if t.observe != nil {
		t.observe(f)
	}
}

func (t *WebsocketTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *WebsocketTransport) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *WebsocketTransport) ReadFrame() (Frame, error) {
	if t.isClosed() {
		return Frame{}, ErrConnectionClosed
	}

	kind, data, err := t.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			t.markClosed()
			return Frame{
				Kind: FrameClose,
				Data: websocket.FormatCloseMessage(closeErr.Code, closeErr.Text),
			}, nil
		}

		if t.isClosed() {
			return Frame{}, ErrConnectionClosed
		}

		t.markClosed()
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}

	switch kind {
	case websocket.TextMessage:
		return Frame{Kind: FrameText, Data: data}, nil
	case websocket.BinaryMessage:
		return Frame{Kind: FrameBinary, Data: data}, nil
	default:
		return Frame{}, fmt.Errorf("%w: websocket message type %d", ErrUnexpectedFrame, kind)
	}
}

func (t *WebsocketTransport) WriteFrame(frame Frame) error {
	if t.isClosed() {
		return ErrConnectionClosed
	}

	deadline := time.Now().Add(controlWriteTimeout)

	var err error
	switch frame.Kind {
	case FrameText:
		err = t.conn.WriteMessage(websocket.TextMessage, frame.Data)
	case FrameBinary:
		err = t.conn.WriteMessage(websocket.BinaryMessage, frame.Data)
	case FramePing:
		err = t.conn.WriteControl(websocket.PingMessage, frame.Data, deadline)
	case FramePong:
		err = t.conn.WriteControl(websocket.PongMessage, frame.Data, deadline)
	case FrameClose:
		err = t.conn.WriteControl(websocket.CloseMessage, frame.Data, deadline)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedFrame, frame.Kind)
	}

	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

func (t *WebsocketTransport) Close() error {
	var err error

	t.closeOnce.Do(func() {
		t.mu.Lock()
		peerClosed := t.closed
		t.closed = true
		t.mu.Unlock()

		if !peerClosed {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing")
			_ = t.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(controlWriteTimeout))
		}

		err = t.conn.Close()
	})

	return err
}
