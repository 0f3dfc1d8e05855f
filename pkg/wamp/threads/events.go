package threads

import "github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"

// RoutingID - ключ слушателя в реестре. Выдаётся Client.NextRoutingID и не
// пересекается с идентификаторами запросов.
type RoutingID uint64

// Listener - слушатель одного типа сообщений. Создаётся конструкторами
// OnAbort ... OnExtension, поэтому тип сообщения в колбэке всегда совпадает.
type Listener struct {
	kind   wamp.MessageType
	handle func(c *Client, msg wamp.Message)
}

func newListener[T wamp.Message](kind wamp.MessageType, fn func(c *Client, msg T)) Listener {
	return Listener{
		kind: kind,
		handle: func(c *Client, msg wamp.Message) {
			fn(c, msg.(T))
		},
	}
}

func (l Listener) Kind() wamp.MessageType {
	return l.kind
}

// kindOf сводит все коды расширений к одному ключу.
func kindOf(msg wamp.Message) wamp.MessageType {
	if t := msg.MessageType(); t.IsExtension() {
		return wamp.MessageExtensionFirst
	}
	return msg.MessageType()
}

func OnAbort(fn func(c *Client, msg *wamp.Abort)) Listener {
	return newListener(wamp.MessageAbort, fn)
}

func OnWelcome(fn func(c *Client, msg *wamp.Welcome)) Listener {
	return newListener(wamp.MessageWelcome, fn)
}

func OnChallenge(fn func(c *Client, msg *wamp.Challenge)) Listener {
	return newListener(wamp.MessageChallenge, fn)
}

func OnGoodbye(fn func(c *Client, msg *wamp.Goodbye)) Listener {
	return newListener(wamp.MessageGoodbye, fn)
}

func OnError(fn func(c *Client, msg *wamp.Error)) Listener {
	return newListener(wamp.MessageError, fn)
}

func OnEvent(fn func(c *Client, msg *wamp.Event)) Listener {
	return newListener(wamp.MessageEvent, fn)
}

func OnInterrupt(fn func(c *Client, msg *wamp.Interrupt)) Listener {
	return newListener(wamp.MessageInterrupt, fn)
}

func OnPublished(fn func(c *Client, msg *wamp.Published)) Listener {
	return newListener(wamp.MessagePublished, fn)
}

func OnRegistered(fn func(c *Client, msg *wamp.Registered)) Listener {
	return newListener(wamp.MessageRegistered, fn)
}

func OnResult(fn func(c *Client, msg *wamp.Result)) Listener {
	return newListener(wamp.MessageResult, fn)
}

func OnSubscribed(fn func(c *Client, msg *wamp.Subscribed)) Listener {
	return newListener(wamp.MessageSubscribed, fn)
}

func OnInvocation(fn func(c *Client, msg *wamp.Invocation)) Listener {
	return newListener(wamp.MessageInvocation, fn)
}

func OnUnsubscribed(fn func(c *Client, msg *wamp.Unsubscribed)) Listener {
	return newListener(wamp.MessageUnsubscribed, fn)
}

func OnUnregistered(fn func(c *Client, msg *wamp.Unregistered)) Listener {
	return newListener(wamp.MessageUnregistered, fn)
}

// OnExtension получает сообщения с кодами из диапазона расширений.
func OnExtension(fn func(c *Client, msg *wamp.Extension)) Listener {
	return newListener(wamp.MessageExtensionFirst, fn)
}
