package router

import (
	"errors"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
)

const (
	ErrNoSuchRealm            wamp.URI = "wamp.error.no_such_realm"
	ErrNoSuchSubscription     wamp.URI = "wamp.error.no_such_subscription"
	ErrNoSuchRegistration     wamp.URI = "wamp.error.no_such_registration"
	ErrNoSuchProcedure        wamp.URI = "wamp.error.no_such_procedure"
	ErrProcedureAlreadyExists wamp.URI = "wamp.error.procedure_already_exists"
	ErrNotAuthorized          wamp.URI = "wamp.error.not_authorized"
	ErrAuthenticationFailed   wamp.URI = "wamp.error.authentication_failed"
	ErrProtocolViolation      wamp.URI = "wamp.error.protocol_violation"
	ErrCanceled               wamp.URI = "wamp.error.canceled"
	ErrInvalidURI             wamp.URI = "wamp.error.invalid_uri"

	CloseGoodbyeAndOut  wamp.URI = "wamp.close.goodbye_and_out"
	CloseSystemShutdown wamp.URI = "wamp.close.system_shutdown"
)

var ErrHandshakeFailed = errors.New("handshake failed")
