package router

import (
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
)

type topic struct {
	uri          wamp.URI
	subscription wamp.ID
	subscribers  map[wamp.ID]*session
}

// broker хранит подписки. Все подписчики одной темы делят один
// идентификатор подписки. Защищён Router.mu.
type broker struct {
	topics        map[wamp.URI]*topic
	subscriptions map[wamp.ID]*topic
}

func newBroker() *broker {
	return &broker{
		topics:        make(map[wamp.URI]*topic),
		subscriptions: make(map[wamp.ID]*topic),
	}
}

func (b *broker) drop(s *session) {
	for id, t := range b.subscriptions {
		delete(t.subscribers, s.id)
		if len(t.subscribers) == 0 {
			delete(b.subscriptions, id)
			delete(b.topics, t.uri)
		}
	}
}

func (r *Router) subscribe(s *session, m *wamp.Subscribe) {
	if m.Topic == "" {
		replyError(s, wamp.MessageSubscribe, m.RequestID, ErrInvalidURI)
		return
	}

	r.mu.Lock()
	t, ok := r.broker.topics[m.Topic]
	if !ok {
		t = &topic{
			uri:          m.Topic,
			subscription: wamp.GlobalID(),
			subscribers:  make(map[wamp.ID]*session),
		}
		r.broker.topics[m.Topic] = t
		r.broker.subscriptions[t.subscription] = t
	}
	t.subscribers[s.id] = s
	subscription := t.subscription
	r.mu.Unlock()

	r.logger.Debug("subscribed", "session", s.id, "topic", m.Topic, "subscription", subscription)

	s.send(&wamp.Subscribed{RequestID: m.RequestID, Subscription: subscription})
}

func (r *Router) unsubscribe(s *session, m *wamp.Unsubscribe) {
	r.mu.Lock()
	t, ok := r.broker.subscriptions[m.Subscription]
	if ok {
		_, ok = t.subscribers[s.id]
	}
	if ok {
		delete(t.subscribers, s.id)
		if len(t.subscribers) == 0 {
			delete(r.broker.subscriptions, t.subscription)
			delete(r.broker.topics, t.uri)
		}
	}
	r.mu.Unlock()

	if !ok {
		replyError(s, wamp.MessageUnsubscribe, m.RequestID, ErrNoSuchSubscription)
		return
	}

	s.send(&wamp.Unsubscribed{RequestID: m.RequestID})
}

func (r *Router) publish(s *session, m *wamp.Publish) {
	publication := wamp.GlobalID()

	// По умолчанию издатель свои события не получает
	excludeMe := true
	if v, ok := m.Options["exclude_me"].(bool); ok {
		excludeMe = v
	}

	r.mu.RLock()
	var (
		targets      []*session
		subscription wamp.ID
	)
	if t, ok := r.broker.topics[m.Topic]; ok {
		subscription = t.subscription
		for id, sub := range t.subscribers {
			if excludeMe && id == s.id {
				continue
			}
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()

	for _, target := range targets {
		target.send(&wamp.Event{
			Subscription: subscription,
			Publication:  publication,
			Details:      wamp.Dict{},
			Arguments:    m.Arguments,
			ArgumentsKw:  m.ArgumentsKw,
		})
	}

	r.logger.Debug("published", "session", s.id, "topic", m.Topic, "receivers", len(targets))

	if m.Acknowledge() {
		s.send(&wamp.Published{RequestID: m.RequestID, Publication: publication})
	}
}
