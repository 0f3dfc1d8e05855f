// Package router - минимальный WAMP-роутер на одну realm: broker и dealer
// поверх websocket. Используется как собеседник клиента в тестах и в
// wamprouter.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/auth"
)

type Config struct {
	Realm           wamp.URI
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	// Secrets - authid -> секрет WAMP-CRA. Пустая карта отключает
	// аутентификацию.
	Secrets          map[string]string
	HandshakeTimeout time.Duration
	Tracer           wamp.Tracer
	Logger           *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Realm:            "realm1",
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin:      func(r *http.Request) bool { return true },
		HandshakeTimeout: 10 * time.Second,
		Logger:           slog.Default(),
	}
}

type session struct {
	id         wamp.ID
	channel    *wamp.Channel
	authid     string
	authmethod string
	logger     *slog.Logger
}

func (s *session) send(msg wamp.Message) {
	if err := s.channel.Send(msg); err != nil {
		s.logger.Error("failed to write message", "session", s.id, "type", msg.MessageType(), "error", err)
	}
}

type Router struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[wamp.ID]*session
	broker   *broker
	dealer   *dealer
}

func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Realm == "" {
		cfg.Realm = "realm1"
	}

	return &Router{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
			Subprotocols:    []string{wamp.SubprotocolJSON},
		},
		logger:   cfg.Logger,
		sessions: make(map[wamp.ID]*session),
		broker:   newBroker(),
		dealer:   newDealer(),
	}
}

// Sessions возвращает число установленных сессий.
func (r *Router) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	if conn.Subprotocol() != wamp.SubprotocolJSON {
		r.logger.Warn("unsupported subprotocol", "remote_addr", conn.RemoteAddr(), "subprotocol", conn.Subprotocol())

		msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, "wamp.2.json required")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()

		return
	}

	opts := []wamp.ChannelOption{wamp.WithLogger(r.logger)}
	if r.cfg.Tracer != nil {
		opts = append(opts, wamp.WithTracer(r.cfg.Tracer))
	}

	ch := wamp.NewChannel(wamp.NewWebsocketTransport(conn), wamp.JSONCodec{}, opts...)
	defer ch.Close()

	r.logger.Info("client connected", "remote_addr", conn.RemoteAddr(), "channel", ch.ID())
	defer r.logger.Info("client disconnected", "remote_addr", conn.RemoteAddr(), "channel", ch.ID())

	r.serve(req.Context(), ch)
}

// readMessage пропускает управляющие кадры.
func readMessage(ch *wamp.Channel) (wamp.Message, error) {
	for {
		msg, err := ch.Read()
		if err != nil {
			return nil, err
		}

		if msg != nil {
			return msg, nil
		}
	}
}

func (r *Router) serve(ctx context.Context, ch *wamp.Channel) {
	s, err := r.handshake(ch)
	if err != nil {
		if !errors.Is(err, wamp.ErrConnectionClosed) {
			r.logger.Warn("handshake failed", "channel", ch.ID(), "error", err)
		}
		return
	}

	r.join(s)
	defer r.leave(s)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := readMessage(ch)
		if err != nil {
			switch {
			case errors.Is(err, wamp.ErrConnectionClosed):
			case errors.Is(err, wamp.ErrMalformedMessage), errors.Is(err, wamp.ErrUnknownMessageType),
				errors.Is(err, wamp.ErrUnsupportedEncoding):
				r.logger.Warn("protocol violation", "session", s.id, "error", err)
				s.send(&wamp.Abort{Details: wamp.Dict{"message": err.Error()}, Reason: ErrProtocolViolation})
			default:
				r.logger.Error("read error", "session", s.id, "error", err)
			}

			return
		}

		if !r.handle(s, msg) {
			return
		}
	}
}

func (r *Router) handshake(ch *wamp.Channel) (*session, error) {
	abort := func(reason wamp.URI, text string) error {
		_ = ch.Send(&wamp.Abort{Details: wamp.Dict{"message": text}, Reason: reason})
		return fmt.Errorf("%w: %s", ErrHandshakeFailed, reason)
	}

	// Молчащий клиент не держит соединение дольше таймаута
	if r.cfg.HandshakeTimeout > 0 {
		timer := time.AfterFunc(r.cfg.HandshakeTimeout, func() {
			_ = ch.Close()
		})
		defer timer.Stop()
	}

	msg, err := readMessage(ch)
	if err != nil {
		return nil, err
	}

	hello, ok := msg.(*wamp.Hello)
	if !ok {
		return nil, abort(ErrProtocolViolation, fmt.Sprintf("expected HELLO, got %s", msg.MessageType()))
	}

	if hello.Realm != r.cfg.Realm {
		return nil, abort(ErrNoSuchRealm, fmt.Sprintf("realm %q does not exist", hello.Realm))
	}

	s := &session{
		id:      wamp.GlobalID(),
		channel: ch,
		logger:  r.logger,
	}

	if len(r.cfg.Secrets) > 0 {
		if err := r.authenticate(s, hello, abort); err != nil {
			return nil, err
		}
	}

	details := wamp.Dict{
		"roles": wamp.Dict{
			"broker": wamp.Dict{"features": wamp.Dict{"publisher_exclusion": true}},
			"dealer": wamp.Dict{"features": wamp.Dict{"call_canceling": true, "progressive_call_results": true}},
		},
	}
	if s.authid != "" {
		details["authid"] = s.authid
		details["authmethod"] = s.authmethod
	}

	if err := ch.Send(&wamp.Welcome{Session: s.id, Details: details}); err != nil {
		return nil, err
	}

	return s, nil
}

func (r *Router) authenticate(s *session, hello *wamp.Hello, abort func(wamp.URI, string) error) error {
	authid, _ := hello.Details["authid"].(string)
	methods, _ := hello.Details["authmethods"].([]any)

	secret, known := r.cfg.Secrets[authid]
	if !known || !slices.Contains(methods, any(auth.MethodCRA)) {
		return abort(ErrNotAuthorized, "wampcra authentication required")
	}

	challenge, err := json.Marshal(map[string]any{
		"authid":     authid,
		"authmethod": auth.MethodCRA,
		"nonce":      uuid.NewString(),
		"session":    s.id,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to build challenge: %w", err)
	}

	err = s.channel.Send(&wamp.Challenge{
		AuthMethod: auth.MethodCRA,
		Extra:      wamp.Dict{"challenge": string(challenge)},
	})
	if err != nil {
		return err
	}

	msg, err := readMessage(s.channel)
	if err != nil {
		return err
	}

	authenticate, ok := msg.(*wamp.Authenticate)
	if !ok {
		return abort(ErrProtocolViolation, fmt.Sprintf("expected AUTHENTICATE, got %s", msg.MessageType()))
	}

	if !auth.Verify(secret, string(challenge), authenticate.Signature) {
		return abort(ErrAuthenticationFailed, "signature mismatch")
	}

	s.authid = authid
	s.authmethod = auth.MethodCRA

	return nil
}

func (r *Router) join(s *session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.logger.Info("session joined", "session", s.id, "authid", s.authid)
}

func (r *Router) leave(s *session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.broker.drop(s)
	orphans := r.dealer.drop(s)
	r.mu.Unlock()

	for _, inv := range orphans {
		inv.caller.send(&wamp.Error{
			RequestType: wamp.MessageCall,
			RequestID:   inv.callID,
			Details:     wamp.Dict{},
			URI:         ErrCanceled,
			Arguments:   wamp.List{"callee left"},
		})
	}

	r.logger.Info("session left", "session", s.id)
}

// handle обрабатывает одно сообщение установленной сессии. false - сессию
// нужно закрыть. Сообщения сессии обрабатываются по порядку: подписка,
// отправленная до публикации, успевает её получить.
func (r *Router) handle(s *session, msg wamp.Message) bool {
	switch m := msg.(type) {
	case *wamp.Subscribe:
		r.subscribe(s, m)
	case *wamp.Unsubscribe:
		r.unsubscribe(s, m)
	case *wamp.Publish:
		r.publish(s, m)
	case *wamp.Register:
		r.register(s, m)
	case *wamp.Unregister:
		r.unregister(s, m)
	case *wamp.Call:
		r.call(s, m)
	case *wamp.Yield:
		r.yield(s, m)
	case *wamp.Cancel:
		r.cancel(s, m)
	case *wamp.Error:
		if m.RequestType != wamp.MessageInvocation {
			r.logger.Warn("unexpected error message", "session", s.id, "request_type", m.RequestType)
			return true
		}
		r.invocationError(s, m)
	case *wamp.Goodbye:
		s.send(&wamp.Goodbye{Details: wamp.Dict{}, Reason: CloseGoodbyeAndOut})
		return false
	default:
		r.logger.Warn("protocol violation", "session", s.id, "type", msg.MessageType())
		s.send(&wamp.Abort{
			Details: wamp.Dict{"message": fmt.Sprintf("unexpected %s", msg.MessageType())},
			Reason:  ErrProtocolViolation,
		})
		return false
	}

	return true
}

// Shutdown прощается со всеми сессиями и закрывает их соединения.
func (r *Router) Shutdown() {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.send(&wamp.Goodbye{Details: wamp.Dict{}, Reason: CloseSystemShutdown})
		_ = s.channel.Close()
	}

	r.logger.Info("router shut down", "sessions", len(sessions))
}

func replyError(s *session, requestType wamp.MessageType, requestID wamp.ID, uri wamp.URI) {
	s.send(&wamp.Error{
		RequestType: requestType,
		RequestID:   requestID,
		Details:     wamp.Dict{},
		URI:         uri,
	})
}
